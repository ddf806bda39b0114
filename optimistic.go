package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/odinrealtime/rdb-go/internal/model"
)

// ExecutionAction is what a user block passed to DocumentRef.Execute
// decides to do with the document's current value.
type ExecutionAction int

const (
	// ExecutionWrite replaces the document's body.
	ExecutionWrite ExecutionAction = iota
	// ExecutionDelete deletes the document.
	ExecutionDelete
	// ExecutionAbort leaves the document untouched and fails the
	// execution with executionFailed(aborted).
	ExecutionAbort
)

// ExecutionDecision is the user block's verdict for one Execute attempt.
type ExecutionDecision struct {
	Action ExecutionAction
	Body   map[string]interface{} // used when Action == ExecutionWrite
}

// Write builds the decision to replace the document's body with body.
func Write(body map[string]interface{}) ExecutionDecision {
	return ExecutionDecision{Action: ExecutionWrite, Body: body}
}

// DeleteValue builds the decision to delete the document.
func DeleteValue() ExecutionDecision { return ExecutionDecision{Action: ExecutionDelete} }

// Abort builds the decision to abort the execution.
func Abort() ExecutionDecision { return ExecutionDecision{Action: ExecutionAbort} }

// Execute implements spec.md §4.6's optimistic execution: fetch the
// document, invoke f with its current value, then mutate/delete guarded
// by the fetched etag. On executionFailed(writeConflict) it restarts from
// the fetch; there is no fixed retry cap, callers cancel via ctx.
func (r *DocumentRef) Execute(ctx context.Context, f func(current model.Document, found bool) ExecutionDecision) error {
	execID := fmt.Sprintf("%s/%s-%d", r.colID, r.id, time.Now().UnixNano())
	r.db.session.BeginExecution(execID)
	defer r.db.session.EndExecution(execID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, found, err := r.Get(ctx)
		if err != nil {
			return err
		}

		decision := f(current, found)
		switch decision.Action {
		case ExecutionAbort:
			return model.WithReason(model.KindExecutionFailed, model.ReasonAborted, "execution aborted by caller")
		case ExecutionDelete:
			err = r.Delete(ctx, current.ETag)
		default:
			err = r.Set(ctx, current.ETag, decision.Body)
		}

		if err == nil {
			return nil
		}
		if model.IsKind(err, model.KindExecutionFailed) {
			if e, ok := err.(*model.Error); ok && e.Reason == model.ReasonWriteConflict {
				continue
			}
		}
		return err
	}
}

package wire

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec serializes outbound requests and parses inbound frames. It owns no
// mutable state beyond the buffer pool, so one Codec is safely shared by
// every connection a process opens.
type Codec struct {
	bufs *bufPool
}

// NewCodec returns a ready-to-use Codec.
func NewCodec() *Codec {
	return &Codec{bufs: sharedBufPool}
}

// ---- outbound -------------------------------------------------------------

var relationOp = map[query.Relation]string{
	query.RelGt:            "gt",
	query.RelGte:           "gte",
	query.RelLt:            "lt",
	query.RelLte:           "lte",
	query.RelContains:      "cnt",
	query.RelStartsWith:    "pref",
	query.RelEndsWith:      "suf",
	query.RelArrayContains: "arr-cnt",
}

var opRelation = func() map[string]query.Relation {
	m := make(map[string]query.Relation, len(relationOp))
	for r, op := range relationOp {
		m[op] = r
	}
	return m
}()

func encodeFilter(f query.Filter) (interface{}, error) {
	switch f.Op {
	case query.OpAnd, query.OpOr:
		arr := make([]interface{}, len(f.Operands))
		for i, op := range f.Operands {
			v, err := encodeFilter(op)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return map[string]interface{}{string(f.Op): arr}, nil
	case query.OpNot:
		if len(f.Operands) != 1 {
			return nil, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, "not filter requires exactly one operand")
		}
		v, err := encodeFilter(f.Operands[0])
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"not": v}, nil
	}
	if f.KeyPath == "" {
		return nil, nil
	}
	if err := ValidateKeyPath(f.KeyPath); err != nil {
		return nil, err
	}
	if f.Relation == "" || f.Relation == query.RelEq {
		return map[string]interface{}{f.KeyPath: f.Value}, nil
	}
	op, ok := relationOp[f.Relation]
	if !ok {
		return nil, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, fmt.Sprintf("unknown relation %q", f.Relation))
	}
	return map[string]interface{}{f.KeyPath: map[string]interface{}{op: f.Value}}, nil
}

func decodeFilter(raw interface{}) (query.Filter, error) {
	if raw == nil {
		return query.Filter{}, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok || len(m) != 1 {
		return query.Filter{}, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, "filter must be a single-key object")
	}
	for k, v := range m {
		switch k {
		case "and", "or":
			arr, ok := v.([]interface{})
			if !ok {
				return query.Filter{}, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, k+" requires an array of filters")
			}
			operands := make([]query.Filter, len(arr))
			for i, item := range arr {
				sub, err := decodeFilter(item)
				if err != nil {
					return query.Filter{}, err
				}
				operands[i] = sub
			}
			op := query.OpAnd
			if k == "or" {
				op = query.OpOr
			}
			return query.Filter{Op: op, Operands: operands}, nil
		case "not":
			sub, err := decodeFilter(v)
			if err != nil {
				return query.Filter{}, err
			}
			return query.Not(sub), nil
		default:
			if err := ValidateKeyPath(k); err != nil {
				return query.Filter{}, err
			}
			if opMap, ok := v.(map[string]interface{}); ok && len(opMap) == 1 {
				for opCode, val := range opMap {
					rel, ok := opRelation[opCode]
					if !ok {
						return query.Filter{}, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, fmt.Sprintf("unknown operator %q", opCode))
					}
					return query.Simple(k, rel, val), nil
				}
			}
			return query.Simple(k, query.RelEq, v), nil
		}
	}
	return query.Filter{}, nil
}

func encodeOrdering(o query.Ordering) []interface{} {
	if len(o) == 0 {
		return nil
	}
	out := make([]interface{}, len(o))
	for i, t := range o {
		out[i] = map[string]interface{}{t.KeyPath: string(t.Direction)}
	}
	return out
}

func decodeOrdering(raw interface{}) (query.Ordering, error) {
	arr, ok := raw.([]interface{})
	if raw == nil {
		return nil, nil
	}
	if !ok {
		return nil, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, "ordering must be an array")
	}
	out := make(query.Ordering, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok || len(m) != 1 {
			return nil, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, "ordering entry must be a single-key object")
		}
		for k, v := range m {
			dir, _ := v.(string)
			if dir != string(query.Asc) && dir != string(query.Desc) {
				return nil, model.WithReason(model.KindInvalidData, model.ReasonInvalidFilter, "ordering direction must be asc/desc")
			}
			out = append(out, query.OrderTerm{KeyPath: k, Direction: query.Direction(dir)})
		}
	}
	return out, nil
}

func encodeDoc(ref *DocRef) map[string]interface{} {
	if ref == nil {
		return nil
	}
	m := map[string]interface{}{"id": ref.ID}
	if ref.ETag != "" {
		m["etag"] = ref.ETag
	}
	if ref.Body != nil {
		m["body"] = ref.Body
	}
	return m
}

// Serialize builds the wire bytes for one outbound client request, per
// spec.md §4.1/§6. Validation failures (bad identifiers, bad key paths,
// non-serializable document bodies, take > 500) are returned as
// *model.Error with Kind invalidData and never reach the transport.
func (c *Codec) Serialize(req Request) ([]byte, error) {
	if req.EventID == "" {
		return nil, model.New(model.KindInvalidRequest, "request missing event id")
	}
	payload := map[string]interface{}{"evt-id": req.EventID}

	switch req.Tag {
	case TagConnect, TagReconnect:
		if err := ValidateIdentifier(req.ConID); err != nil {
			return nil, err
		}
		payload["con-id"] = req.ConID
	case TagDisconnect, TagNoop, TagDeauth:
		// no extra fields
	case TagAuth:
		payload["token"] = req.Token
	case TagMutate, TagMerge, TagDelete:
		if err := ValidateIdentifier(req.ColID); err != nil {
			return nil, err
		}
		if req.Doc == nil {
			return nil, model.New(model.KindInvalidRequest, "mutate/merge/delete request missing document")
		}
		if err := ValidateIdentifier(req.Doc.ID); err != nil {
			return nil, err
		}
		if req.Doc.Body != nil {
			if err := ValidateDocumentBody(req.Doc.Body); err != nil {
				return nil, err
			}
		}
		payload["col-id"] = req.ColID
		payload["doc"] = encodeDoc(req.Doc)
	case TagSubscribe, TagFetch:
		if err := ValidateIdentifier(req.ColID); err != nil {
			return nil, err
		}
		if err := req.Query.Paging.Validate(); err != nil {
			return nil, err
		}
		payload["col-id"] = req.ColID
		if !filterIsZero(req.Query.Filter) {
			f, err := encodeFilter(req.Query.Filter)
			if err != nil {
				return nil, err
			}
			payload["filter"] = f
		}
		if ord := encodeOrdering(req.Query.Ordering); ord != nil {
			payload["order"] = ord
		}
		if req.Query.Paging.HasTake {
			payload["limit"] = req.Query.Paging.Take
		}
		if req.Query.Paging.HasSkip {
			payload["skip"] = req.Query.Paging.Skip
		}
		if req.Tag == TagSubscribe {
			if err := ValidateIdentifier(req.SubID); err != nil {
				return nil, err
			}
			payload["sub-id"] = req.SubID
		} else {
			if err := ValidateIdentifier(req.FtcID); err != nil {
				return nil, err
			}
			payload["ftc-id"] = req.FtcID
		}
	case TagUnsubscribe:
		if err := ValidateIdentifier(req.SubID); err != nil {
			return nil, err
		}
		payload["sub-id"] = req.SubID
	case TagClientAck:
		// no other fields, per spec.md §6
	default:
		return nil, model.Newf(model.KindInvalidRequest, "unknown request tag %q", req.Tag)
	}

	envelope := map[string]interface{}{string(req.Tag): payload}
	buf := c.bufs.get(256)
	defer c.bufs.put(buf)

	stream := jsoniter.NewStream(json, sliceWriter{buf}, 0)
	stream.WriteVal(envelope)
	if err := stream.Flush(); err != nil {
		return nil, model.Wrap(model.KindInvalidData, err)
	}
	if stream.Error != nil {
		return nil, model.Wrap(model.KindInvalidData, stream.Error)
	}

	// buf is returned to the pool on defer above and may be reused by
	// another goroutine before the caller is done with the result, so the
	// bytes must be copied out rather than returned by reference.
	data := make([]byte, len(*buf))
	copy(data, *buf)
	return data, nil
}

// sliceWriter lets jsoniter's streaming encoder append directly into a
// pooled []byte instead of allocating its own.
type sliceWriter struct{ buf *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func filterIsZero(f query.Filter) bool {
	return f.KeyPath == "" && f.Op == ""
}

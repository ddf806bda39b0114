package wire

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/odinrealtime/rdb-go/internal/model"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIdentifier applies spec.md §4.1's identifier rule:
// ^[A-Za-z0-9_-]+$, non-empty.
func ValidateIdentifier(id string) error {
	if id == "" || !identifierRe.MatchString(id) {
		return model.WithReason(model.KindInvalidData, model.ReasonInvalidIdentifierFmt,
			fmt.Sprintf("identifier must match ^[A-Za-z0-9_-]+$ and be non-empty, got %q", id))
	}
	return nil
}

// ValidateKeyPath checks that every dotted segment of a key path is a
// valid identifier, per spec.md §4.1. "$id", "$created", "$modified" are
// the special key paths spec.md §6 names and are always valid.
func ValidateKeyPath(keyPath string) error {
	switch keyPath {
	case "$id", "$created", "$modified":
		return nil
	}
	if keyPath == "" {
		return model.WithReason(model.KindInvalidData, model.ReasonInvalidKeyPath, "key path is empty")
	}
	for _, seg := range strings.Split(keyPath, ".") {
		if err := ValidateIdentifier(seg); err != nil {
			return model.WithReason(model.KindInvalidData, model.ReasonInvalidKeyPath,
				fmt.Sprintf("key path segment %q is invalid", seg))
		}
	}
	return nil
}

// ValidateDocumentBody recursively validates a document body: no "." in
// any key, and every value JSON-serializable (maps/slices/scalars only),
// per spec.md §4.1.
func ValidateDocumentBody(body map[string]interface{}) error {
	return validateValue(body, 0)
}

func validateValue(v interface{}, depth int) error {
	if depth > 64 {
		return model.WithReason(model.KindInvalidData, model.ReasonInvalidDocument, "document nesting too deep")
	}
	switch val := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case map[string]interface{}:
		for k, sub := range val {
			if strings.Contains(k, ".") {
				return model.WithReason(model.KindInvalidData, model.ReasonInvalidDocument,
					fmt.Sprintf("document key %q must not contain '.'", k))
			}
			if err := validateValue(sub, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for _, sub := range val {
			if err := validateValue(sub, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return model.WithReason(model.KindInvalidData, model.ReasonInvalidDocument, "document value not JSON-serializable")
	}
}

package rdb

import "github.com/odinrealtime/rdb-go/internal/wire"

// ValidateIdentifier reports whether id is a legal collection or document
// identifier: non-empty, matching ^[A-Za-z0-9_-]+$, spec.md §4.1.
func ValidateIdentifier(id string) error { return wire.ValidateIdentifier(id) }

// ValidateKeyPath reports whether keyPath is legal for use in a filter or
// ordering term: either one of the special paths ($id, $created,
// $modified) or a dotted sequence of valid identifiers, spec.md §4.1/§6.
func ValidateKeyPath(keyPath string) error { return wire.ValidateKeyPath(keyPath) }

// ValidateDocumentBody reports whether body is a legal document body: no
// key containing '.', every value JSON-serializable, spec.md §4.1.
func ValidateDocumentBody(body map[string]interface{}) error { return wire.ValidateDocumentBody(body) }

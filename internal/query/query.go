// Package query implements the filter/ordering/paging model of spec.md §3
// and the canonical subscription hash of spec.md §4.1/§8 used to dedupe
// overlapping subscriptions.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odinrealtime/rdb-go/internal/hashutil"
	"github.com/odinrealtime/rdb-go/internal/model"
)

// Relation is the comparison operator of a simple filter, spec.md §3.
type Relation string

const (
	RelEq            Relation = "eq"
	RelGt            Relation = "gt"
	RelGte           Relation = "gte"
	RelLt            Relation = "lt"
	RelLte           Relation = "lte"
	RelContains      Relation = "contains"
	RelStartsWith    Relation = "startsWith"
	RelEndsWith      Relation = "endsWith"
	RelArrayContains Relation = "arrayContains"
)

// BoolOp is the compound filter connective, spec.md §3.
type BoolOp string

const (
	OpAnd BoolOp = "and"
	OpOr  BoolOp = "or"
	OpNot BoolOp = "not"
)

// Direction is an ordering's sort direction, spec.md §3.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter is either simple (KeyPath/Relation/Value) or compound
// (Op/Operands), never both. A zero Filter{} means "no filter".
type Filter struct {
	KeyPath  string
	Relation Relation
	Value    interface{}
	HasValue bool

	Op       BoolOp
	Operands []Filter
}

func (f Filter) isCompound() bool { return f.Op != "" }
func (f Filter) isZero() bool     { return f.KeyPath == "" && f.Op == "" }

// Simple builds an equality or relational leaf filter.
func Simple(keyPath string, rel Relation, value interface{}) Filter {
	return Filter{KeyPath: keyPath, Relation: rel, Value: value, HasValue: true}
}

// And builds a compound "and" filter over operands.
func And(operands ...Filter) Filter { return Filter{Op: OpAnd, Operands: operands} }

// Or builds a compound "or" filter over operands.
func Or(operands ...Filter) Filter { return Filter{Op: OpOr, Operands: operands} }

// Not negates a single filter.
func Not(operand Filter) Filter { return Filter{Op: OpNot, Operands: []Filter{operand}} }

// AndWith composes f with extra onto one conjunction, the rule
// CollectionRef.Where uses to accumulate filters (spec.md §4.7).
func AndWith(f, extra Filter) Filter {
	if f.isZero() {
		return extra
	}
	if extra.isZero() {
		return f
	}
	if f.Op == OpAnd {
		return Filter{Op: OpAnd, Operands: append(append([]Filter(nil), f.Operands...), extra)}
	}
	return And(f, extra)
}

// OrderTerm is one (keyPath, direction) pair in an Ordering.
type OrderTerm struct {
	KeyPath   string
	Direction Direction
}

// Ordering is an ordered sequence of OrderTerm; composition APPENDS (the
// §9 redesign-flag decision, not the teacher-source's replace bug).
type Ordering []OrderTerm

// Append returns a new Ordering with term appended after the existing
// terms, so order(by: X).order(by: Y) yields [X, Y] with X primary.
func (o Ordering) Append(term OrderTerm) Ordering {
	return append(append(Ordering(nil), o...), term)
}

// Paging is (skip?, take ≤ 500), spec.md §3.
type Paging struct {
	Skip    int
	HasSkip bool
	Take    int
	HasTake bool
}

const MaxTake = 500

// Validate enforces spec.md §8's boundary: take > 500 fails
// invalidData(invalidLimit). take == 0 is valid (delivers empty
// datasets, per spec.md §8).
func (p Paging) Validate() error {
	if p.HasTake && p.Take > MaxTake {
		return model.WithReason(model.KindInvalidData, model.ReasonInvalidLimit,
			fmt.Sprintf("paging.take %d exceeds maximum %d", p.Take, MaxTake))
	}
	if p.HasTake && p.Take < 0 {
		return model.WithReason(model.KindInvalidData, model.ReasonInvalidLimit,
			fmt.Sprintf("paging.take %d is negative", p.Take))
	}
	return nil
}

// Query bundles the triple (filter?, ordering?, paging?) spec.md §3 names.
type Query struct {
	CollectionID string
	Filter       Filter
	Ordering     Ordering
	Paging       Paging
}

// Hash computes the deterministic canonical subscription hash of spec.md
// §4.1: a string over (collectionId, filter, ordering, paging), with
// compound-filter operands sorted by their own hash so commutative
// operators (and/or) produce a stable hash regardless of build order.
func (q Query) Hash() string {
	var b strings.Builder
	b.WriteString(q.CollectionID)
	b.WriteByte('|')
	writeFilterHash(&b, q.Filter)
	b.WriteByte('|')
	for _, t := range q.Ordering {
		b.WriteString(string(t.KeyPath))
		b.WriteByte(':')
		b.WriteString(string(t.Direction))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	if q.Paging.HasSkip {
		fmt.Fprintf(&b, "skip=%d", q.Paging.Skip)
	}
	if q.Paging.HasTake {
		fmt.Fprintf(&b, "take=%d", q.Paging.Take)
	}
	return hashutil.BucketString(b.String()) + "-" + hashutil.Unique(b.String())
}

func writeFilterHash(b *strings.Builder, f Filter) {
	if f.isZero() {
		return
	}
	if f.isCompound() {
		hashes := make([]string, len(f.Operands))
		for i, op := range f.Operands {
			var ob strings.Builder
			writeFilterHash(&ob, op)
			hashes[i] = ob.String()
		}
		if f.Op != OpNot {
			// and/or are commutative: sort operand hashes for stability.
			sort.Strings(hashes)
		}
		b.WriteString(string(f.Op))
		b.WriteByte('(')
		for i, h := range hashes {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(h)
		}
		b.WriteByte(')')
		return
	}
	fmt.Fprintf(b, "%s%s%v", f.KeyPath, f.Relation, f.Value)
}

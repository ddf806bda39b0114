package rdb

import (
	"context"

	"github.com/odinrealtime/rdb-go/internal/query"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// CollectionRef is an immutable builder accumulating a (filter, ordering,
// paging) triple against one collection id, spec.md §4.7. Every method
// returns a new value; the receiver is never mutated, so a ref can be
// shared and branched freely.
type CollectionRef struct {
	db *Database
	id string
	q  query.Query
}

// Collection returns the unfiltered reference to the named collection.
func (db *Database) Collection(id string) *CollectionRef {
	return &CollectionRef{db: db, id: id, q: query.Query{CollectionID: id}}
}

// ID returns the collection's identifier.
func (c *CollectionRef) ID() string { return c.id }

// Where ANDs an additional simple filter onto the existing one, per
// spec.md §4.7's "filter composition ANDs" rule.
func (c *CollectionRef) Where(keyPath string, rel query.Relation, value interface{}) *CollectionRef {
	next := *c
	next.q.Filter = query.AndWith(c.q.Filter, query.Simple(keyPath, rel, value))
	return &next
}

// WhereCompound ANDs an arbitrary (possibly compound) filter onto the
// existing one, for callers building or/not combinations with
// query.And/Or/Not.
func (c *CollectionRef) WhereCompound(f query.Filter) *CollectionRef {
	next := *c
	next.q.Filter = query.AndWith(c.q.Filter, f)
	return &next
}

func (c *CollectionRef) whereID(id string) *CollectionRef {
	return c.Where("$id", query.RelEq, id)
}

// OrderBy appends an ordering term, per spec.md §4.7's "ordering
// composition appends" rule (the corrected behavior; see DESIGN.md's
// note on the source's replace bug).
func (c *CollectionRef) OrderBy(keyPath string, dir query.Direction) *CollectionRef {
	next := *c
	next.q.Ordering = c.q.Ordering.Append(query.OrderTerm{KeyPath: keyPath, Direction: dir})
	return &next
}

// Limit sets the page's take. Per spec.md §8, take > 500 fails validation
// at fetch/subscribe time, not here.
func (c *CollectionRef) Limit(n int) *CollectionRef {
	next := *c
	next.q.Paging.Take = n
	next.q.Paging.HasTake = true
	return &next
}

// Skip sets the page's skip.
func (c *CollectionRef) Skip(n int) *CollectionRef {
	next := *c
	next.q.Paging.Skip = n
	next.q.Paging.HasSkip = true
	return &next
}

// Doc returns a reference to one document within this collection,
// ignoring any filter/ordering/paging accumulated on the ref.
func (c *CollectionRef) Doc(id string) (*DocumentRef, error) {
	if err := wire.ValidateIdentifier(id); err != nil {
		return nil, err
	}
	return &DocumentRef{db: c.db, colID: c.id, id: id}, nil
}

// Fetch performs a one-shot query against the accumulated
// (filter, ordering, paging), spec.md §4.3.
func (c *CollectionRef) Fetch(ctx context.Context) ([]Document, error) {
	return c.fetch(ctx)
}

func (c *CollectionRef) fetch(ctx context.Context) ([]Document, error) {
	if err := c.q.Paging.Validate(); err != nil {
		return nil, err
	}
	return c.db.session.Fetch(ctx, c.id, c.q)
}

// Subscribe attaches listener to the live, diffed dataset for the
// accumulated (filter, ordering, paging). The returned func detaches the
// listener; once the last listener on this query hash detaches, the
// underlying server-side subscription is torn down (spec.md §4.5).
func (c *CollectionRef) Subscribe(listener Listener) (func(), error) {
	if err := c.q.Paging.Validate(); err != nil {
		return nil, err
	}
	return c.db.registry.Subscribe(c.id, c.q, listener), nil
}

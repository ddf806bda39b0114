// Package cache implements the on-disk, refcounted document cache of
// spec.md §4.2: a per-api-key embedded key-value store holding a cache-info
// table, a refcount-info table, one link-table bucket per key hash, and one
// object-table bucket per group id.
//
// The teacher repo persists nothing to disk; this package is grounded on
// go.etcd.io/bbolt (sourced from AKJUS-bsc-erigon's dependency tree) because
// a single Bolt transaction can update all four logical tables atomically,
// which is exactly what spec.md §9's "cache refcounts across crashes"
// redesign flag asks for.
package cache

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/odinrealtime/rdb-go/internal/metrics"
)

var (
	bucketCacheInfo = []byte("cacheinfo")
	bucketRefcounts = []byte("refcountinfo")
	bucketLinks     = []byte("links")   // nested: one sub-bucket per key hash
	bucketObjects   = []byte("objects") // nested: one sub-bucket per group id
)

// Object is one cached item: the (groupId, objectId) pair spec.md §4.2 uses
// as the object table's composite address, plus its archived bytes.
type Object struct {
	GroupID  string
	ObjectID string
	Data     []byte
}

// Options configures a Cache. Zero values fall back to spec.md §6's
// defaults (maxSize 100 MiB, ttl unbounded).
type Options struct {
	Dir     string
	MaxSize int64 // bytes; 0 means use the 100 MiB default
	TTL     int64 // seconds; 0 means unbounded
	Logger  *log.Logger
}

const defaultMaxSize = 100 * 1024 * 1024

type op struct {
	fn   func(tx *bolt.Tx) error
	done chan error
}

// Cache serializes every write (WriteDataset, evict) behind one dedicated
// goroutine, removing the need for per-bucket locks. Reads (ReadDataset
// and prune's cache-info scans) do not go through that goroutine: they run
// as read-only bbolt transactions on the caller's goroutine. Callers block
// until the operation's error is returned rather than receiving a
// callback.
type Cache struct {
	db      *bolt.DB
	logger  *log.Logger
	maxSize int64
	ttlSecs int64

	// sizeBytes tracks the total archived object payload size, updated
	// incrementally by every WriteDataset/evict transaction. bbolt never
	// shrinks its backing file on delete (freed pages go to an internal
	// freelist, not back to the OS), so os.Stat on the db file cannot be
	// used to detect that pruning freed space.
	sizeBytes int64

	ops    chan op
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics metrics.MetricsInterface
}

// Open opens (creating if absent) the Bolt file for one api-key's cache
// directory, ensures the top-level buckets exist, runs pruning once, and
// starts the serializing worker goroutine.
func Open(opts Options, m metrics.MetricsInterface) (*Cache, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[rdb] ", log.LstdFlags)
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(opts.Dir, "cache.db"), 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCacheInfo, bucketRefcounts, bucketLinks, bucketObjects} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	initialSize, err := totalObjectBytes(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		db:        db,
		logger:    opts.Logger,
		maxSize:   maxSize,
		ttlSecs:   opts.TTL,
		sizeBytes: initialSize,
		ops:       make(chan op, 64),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   m,
	}
	c.wg.Add(1)
	go c.run()
	if m != nil {
		m.UpdateCacheSizeBytes(initialSize)
	}

	if err := c.prune(); err != nil {
		c.logger.Printf("cache: prune on open failed: %v", err)
	}
	return c, nil
}

func (c *Cache) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case o := <-c.ops:
			o.done <- c.db.Update(o.fn)
		}
	}
}

// submit enqueues fn on the single cache goroutine and blocks for its
// result, giving callers the serialization spec.md §4.2 requires without
// exposing bbolt transactions outside this package.
func (c *Cache) submit(fn func(tx *bolt.Tx) error) error {
	done := make(chan error, 1)
	select {
	case c.ops <- op{fn: fn, done: done}:
	case <-c.ctx.Done():
		return context.Canceled
	}
	select {
	case err := <-done:
		return err
	case <-c.ctx.Done():
		return context.Canceled
	}
}

// Close stops the worker goroutine and closes the underlying file.
func (c *Cache) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.db.Close()
}

// totalObjectBytes sums the archived payload size of every object
// currently in the object table, used once at Open to seed sizeBytes.
func totalObjectBytes(db *bolt.DB) (int64, error) {
	var total int64
	err := db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketObjects)
		return root.ForEach(func(groupID, v []byte) error {
			if v != nil {
				return nil
			}
			group := root.Bucket(groupID)
			return group.ForEach(func(_, data []byte) error {
				total += int64(len(data))
				return nil
			})
		})
	})
	return total, err
}

func (c *Cache) addSize(delta int64) {
	n := atomic.AddInt64(&c.sizeBytes, delta)
	if c.metrics != nil {
		c.metrics.UpdateCacheSizeBytes(n)
	}
}

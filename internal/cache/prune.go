package cache

import (
	"encoding/binary"
	"sort"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

type cacheEntry struct {
	hash string
	key  string
	ts   int64
}

// prune implements spec.md §4.2's eviction policy: TTL first (if set),
// then size-bounded deletion five entries at a time, oldest first, until
// on-disk size is at most half of maxSize. Runs once, synchronously, on
// Open, before the cache is handed to a caller.
func (c *Cache) prune() error {
	now := time.Now().Unix()

	if c.ttlSecs > 0 {
		if err := c.pruneExpired(now - c.ttlSecs); err != nil {
			return err
		}
	}

	for {
		size, err := c.size()
		if err != nil {
			return err
		}
		if size <= c.maxSize {
			return nil
		}
		entries, err := c.oldestEntries(5)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if err := c.evict(e); err != nil {
				return err
			}
			size, err = c.size()
			if err != nil {
				return err
			}
			if size <= c.maxSize/2 {
				return nil
			}
		}
	}
}

func (c *Cache) pruneExpired(cutoff int64) error {
	stale, err := c.entriesOlderThan(cutoff)
	if err != nil {
		return err
	}
	for _, e := range stale {
		if err := c.evict(e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) entriesOlderThan(cutoff int64) ([]cacheEntry, error) {
	var out []cacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return walkCacheInfo(tx, func(e cacheEntry) {
			if e.ts < cutoff {
				out = append(out, e)
			}
		})
	})
	return out, err
}

func (c *Cache) oldestEntries(n int) ([]cacheEntry, error) {
	var all []cacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return walkCacheInfo(tx, func(e cacheEntry) { all = append(all, e) })
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts < all[j].ts })
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func walkCacheInfo(tx *bolt.Tx, fn func(cacheEntry)) error {
	root := tx.Bucket(bucketCacheInfo)
	return root.ForEach(func(hash, v []byte) error {
		if v != nil {
			return nil // stray top-level key, not a nested bucket
		}
		sub := root.Bucket(hash)
		return sub.ForEach(func(key, ts []byte) error {
			if len(ts) != 8 {
				return nil
			}
			fn(cacheEntry{hash: string(hash), key: string(key), ts: int64(binary.BigEndian.Uint64(ts))})
			return nil
		})
	})
}

// evict removes one dataset's link-table entry, cache-info stamp, and
// releases its object references the same way a fresh WriteDataset with
// an empty array would, keeping refcounts consistent.
func (c *Cache) evict(e cacheEntry) error {
	var delta int64
	err := c.submit(func(tx *bolt.Tx) error {
		infoRoot := tx.Bucket(bucketCacheInfo).Bucket(bucketName(e.hash))
		if infoRoot != nil {
			infoRoot.Delete([]byte(e.key))
		}
		linkRoot := tx.Bucket(bucketLinks).Bucket(bucketName(e.hash))
		if linkRoot == nil {
			return nil
		}
		prev, err := readLinks(linkRoot, e.key)
		if err != nil {
			return err
		}
		linkRoot.Delete([]byte(e.key))

		refcounts := tx.Bucket(bucketRefcounts)
		objectsRoot := tx.Bucket(bucketObjects)
		for _, p := range prev {
			addr := p.GroupID + "/" + p.ObjectID
			if err := bumpRefcount(refcounts, addr, -1); err != nil {
				return err
			}
			if refcountOf(refcounts, addr) < 1 {
				group, err := objectsRoot.CreateBucketIfNotExists(bucketName(p.GroupID))
				if err != nil {
					return err
				}
				if old := group.Get([]byte(p.ObjectID)); old != nil {
					delta -= int64(len(old))
				}
				group.Delete([]byte(p.ObjectID))
				refcounts.Delete([]byte(addr))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.addSize(delta)
	return nil
}

// size reports the logical byte total of every currently-referenced
// object, tracked incrementally in sizeBytes rather than read from the
// bbolt file's on-disk size: bbolt never shrinks that file on delete, so
// os.Stat would never observe an eviction's effect and the caller's
// "evict until size drops" loop would never terminate early.
func (c *Cache) size() (int64, error) {
	return atomic.LoadInt64(&c.sizeBytes), nil
}

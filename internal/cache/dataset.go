package cache

import (
	"encoding/binary"
	"time"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"

	"github.com/odinrealtime/rdb-go/internal/hashutil"
)

var linkJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type linkEntry struct {
	GroupID  string `json:"g"`
	ObjectID string `json:"o"`
}

func bucketName(hash string) []byte { return []byte(hash) }

// WriteDataset persists the objects backing key, implementing spec.md
// §4.2's five-step write: reconcile against the previous link set,
// adjust refcounts, archive new/changed objects (optionally XOR'd against
// secret), remove objects that dropped to zero refcount, and stamp
// cache-info with the write time. All of it runs inside one Bolt
// transaction via the single cache goroutine, so a crash mid-write never
// leaves cache-info, refcount-info, the link table, and the object table
// inconsistent with one another.
func (c *Cache) WriteDataset(key string, objects []Object, secret []byte) error {
	hash := hashutil.BucketString(key)
	now := time.Now().Unix()
	var delta int64

	err := c.submit(func(tx *bolt.Tx) error {
		links := tx.Bucket(bucketLinks)
		linkBucket, err := links.CreateBucketIfNotExists(bucketName(hash))
		if err != nil {
			return err
		}
		refcounts := tx.Bucket(bucketRefcounts)
		objectsRoot := tx.Bucket(bucketObjects)
		cacheInfo := tx.Bucket(bucketCacheInfo)
		infoBucket, err := cacheInfo.CreateBucketIfNotExists(bucketName(hash))
		if err != nil {
			return err
		}

		prev, err := readLinks(linkBucket, key)
		if err != nil {
			return err
		}

		survive := make(map[string]bool, len(objects))
		for _, o := range objects {
			addr := o.GroupID + "/" + o.ObjectID
			survive[addr] = true
		}

		for _, p := range prev {
			addr := p.GroupID + "/" + p.ObjectID
			if survive[addr] {
				delete(survive, addr) // already present, no refcount bump
				continue
			}
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
				if err := group.Delete([]byte(p.ObjectID)); err != nil {
					return err
				}
				refcounts.Delete([]byte(addr))
			}
		}

		newLinks := make([]linkEntry, 0, len(objects))
		for _, o := range objects {
			addr := o.GroupID + "/" + o.ObjectID
			newLinks = append(newLinks, linkEntry{GroupID: o.GroupID, ObjectID: o.ObjectID})
			if survive[addr] {
				// new reference, not previously in the link set
				if err := bumpRefcount(refcounts, addr, 1); err != nil {
					return err
				}
			}
			group, err := objectsRoot.CreateBucketIfNotExists(bucketName(o.GroupID))
			if err != nil {
				return err
			}
			encoded := xorBytes(o.Data, secret)
			if old := group.Get([]byte(o.ObjectID)); old != nil {
				delta -= int64(len(old))
			}
			delta += int64(len(encoded))
			if err := group.Put([]byte(o.ObjectID), encoded); err != nil {
				return err
			}
		}

		raw, err := linkJSON.Marshal(newLinks)
		if err != nil {
			return err
		}
		if err := linkBucket.Put([]byte(key), raw); err != nil {
			return err
		}

		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(now))
		return infoBucket.Put([]byte(key), ts[:])
	})
	if err != nil {
		return err
	}
	c.addSize(delta)
	return nil
}

// ReadDataset resolves the objects currently linked to key, per spec.md
// §4.2's read algorithm. Missing entries in the object table (which
// should not happen absent corruption, but can after an interrupted
// prune) are silently skipped rather than failing the whole read.
func (c *Cache) ReadDataset(key string, secret []byte) ([]Object, bool, error) {
	hash := hashutil.BucketString(key)
	var found bool
	var out []Object

	err := c.db.View(func(tx *bolt.Tx) error {
		cacheInfo := tx.Bucket(bucketCacheInfo).Bucket(bucketName(hash))
		if cacheInfo == nil || cacheInfo.Get([]byte(key)) == nil {
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		if c.metrics != nil {
			c.metrics.IncrementCacheMisses()
		}
		return nil, false, nil
	}
	if c.metrics != nil {
		c.metrics.IncrementCacheHits()
	}

	err = c.db.View(func(tx *bolt.Tx) error {

		linkBucket := tx.Bucket(bucketLinks).Bucket(bucketName(hash))
		if linkBucket == nil {
			return nil
		}
		raw := linkBucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var entries []linkEntry
		if err := linkJSON.Unmarshal(raw, &entries); err != nil {
			return err
		}

		objectsRoot := tx.Bucket(bucketObjects)
		for _, e := range entries {
			group := objectsRoot.Bucket(bucketName(e.GroupID))
			if group == nil {
				continue
			}
			data := group.Get([]byte(e.ObjectID))
			if data == nil {
				continue
			}
			out = append(out, Object{
				GroupID:  e.GroupID,
				ObjectID: e.ObjectID,
				Data:     xorBytes(data, secret),
			})
		}
		return nil
	})
	return out, found, err
}

func readLinks(bucket *bolt.Bucket, key string) ([]linkEntry, error) {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var entries []linkEntry
	if err := linkJSON.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func refcountOf(bucket *bolt.Bucket, addr string) int64 {
	raw := bucket.Get([]byte(addr))
	if raw == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func bumpRefcount(bucket *bolt.Bucket, addr string, delta int64) error {
	n := refcountOf(bucket, addr) + delta
	if n <= 0 {
		return bucket.Delete([]byte(addr))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return bucket.Put([]byte(addr), buf[:])
}

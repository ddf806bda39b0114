// Package hashutil implements the two hashing primitives spec.md §4.2
// describes for the on-disk cache, reused by internal/query for the
// subscription hash since both need a deterministic, collision-tolerant
// short bucket id.
package hashutil

import (
	"sort"
	"strconv"
	"strings"
)

// Bucket computes the non-unique bucket hash described in spec.md §4.2:
// lowercase, count (char, frequency) pairs, sort ascending by
// (frequency, char), fold sum((i+1)·101·freq·ascii) mod 2^31.
//
// Collisions are expected: callers key their per-bucket maps on the full
// input string, not just this hash.
func Bucket(key string) uint32 {
	lower := strings.ToLower(key)

	freq := make(map[rune]int)
	for _, r := range lower {
		freq[r]++
	}

	type pair struct {
		r rune
		f int
	}
	pairs := make([]pair, 0, len(freq))
	for r, f := range freq {
		pairs = append(pairs, pair{r, f})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].f != pairs[j].f {
			return pairs[i].f < pairs[j].f
		}
		return pairs[i].r < pairs[j].r
	})

	var sum uint64
	for i, p := range pairs {
		sum += uint64(i+1) * 101 * uint64(p.f) * uint64(p.r)
	}
	return uint32(sum % (1 << 31))
}

// Unique computes the collision-free hash spec.md §4.2 requires for
// partitions that must not collide (group-id partitions): the
// concatenation of decimal ASCII codes of every rune in the input.
func Unique(key string) string {
	var b strings.Builder
	b.Grow(len(key) * 3)
	for _, r := range key {
		b.WriteString(strconv.Itoa(int(r)))
	}
	return b.String()
}

// BucketString is a convenience formatting the Bucket hash the way cache
// filenames need it (spec.md §4.2: "00<hash>.dat").
func BucketString(key string) string {
	return strconv.FormatUint(uint64(Bucket(key)), 10)
}

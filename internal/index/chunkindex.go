// Package index implements the repository's two in-memory indexes: the
// chunk reference-count index and the ordered backup index. Both serialize
// all mutations through a single sync.Mutex. Dedup lookups happen far more
// often than they contend, so a single mutex is simpler than sharding
// without costing real throughput.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kenneth/backupvault/internal/engineerr"
)

// ChunkIndex maps chunk-id to a reference count. A count of zero means the
// chunk has no referencing manifest and is a prune candidate.
type ChunkIndex struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewChunkIndex returns an empty chunk index.
func NewChunkIndex() *ChunkIndex {
	return &ChunkIndex{counts: make(map[string]uint64)}
}

// LoadChunkIndex reconstructs a ChunkIndex from a persisted snapshot.
func LoadChunkIndex(snapshot map[string]uint64) *ChunkIndex {
	counts := make(map[string]uint64, len(snapshot))
	for id, n := range snapshot {
		counts[id] = n
	}
	return &ChunkIndex{counts: counts}
}

// AddReference inserts id with count 1, or increments its existing count.
func (c *ChunkIndex) AddReference(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]++
}

// RemoveReference decrements id's count; a count reaching zero removes the
// entry, which the caller should treat as "schedule this chunk object for
// storage deletion".
func (c *ChunkIndex) RemoveReference(id string) (removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[id]
	if !ok || n == 0 {
		return false
	}
	n--
	if n == 0 {
		delete(c.counts, id)
		return true
	}
	c.counts[id] = n
	return false
}

// Contains reports whether id has a positive reference count.
func (c *ChunkIndex) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id] > 0
}

// Count returns id's current reference count.
func (c *ChunkIndex) Count(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

// Snapshot returns a copy of the index suitable for persistence.
func (c *ChunkIndex) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for id, n := range c.counts {
		out[id] = n
	}
	return out
}

// Len reports the number of distinct chunk-ids currently referenced.
func (c *ChunkIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

// Validate checks that every id in the index has a corresponding extant
// chunk object, using exists to query storage. Missing chunks are returned
// as a slice; the caller (internal/repository) turns a non-empty result
// into ErrInconsistentRepository unless running prune --repair, in which
// case it instead calls Drop for each missing id.
func (c *ChunkIndex) Validate(exists func(id string) (bool, error)) ([]string, error) {
	ids := c.ids()
	var missing []string
	for _, id := range ids {
		ok, err := exists(id)
		if err != nil {
			return nil, fmt.Errorf("validate chunk %s: %w", id, err)
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Drop removes id unconditionally, used by prune --repair to discard
// dangling entries that Validate flagged.
func (c *ChunkIndex) Drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
}

func (c *ChunkIndex) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.counts))
	for id := range c.counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequireConsistent is a convenience wrapper returning
// engineerr.ErrInconsistentRepository when missing is non-empty.
func RequireConsistent(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d chunk(s) referenced but absent from storage", engineerr.ErrInconsistentRepository, len(missing))
}

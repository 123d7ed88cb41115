package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kenneth/backupvault/internal/engineerr"
)

// BackupEntry is one row of the backup index: enough to list and resolve
// backups without loading their manifests.
type BackupEntry struct {
	BackupID      string `json:"backup_id"`
	TimestampUnix uint64 `json:"timestamp_unix"`
	Author        string `json:"author"`
	Message       string `json:"message,omitempty"`
	TotalBytes    uint64 `json:"total_bytes"`
}

// BackupIndex is the repository's append-only (in semantics; full-rewrite
// in implementation) ledger of backups, sorted by timestamp ascending.
type BackupIndex struct {
	mu      sync.Mutex
	entries []BackupEntry
}

// NewBackupIndex returns an empty backup index.
func NewBackupIndex() *BackupIndex {
	return &BackupIndex{}
}

// LoadBackupIndex reconstructs a BackupIndex from a persisted slice,
// re-sorting defensively.
func LoadBackupIndex(entries []BackupEntry) *BackupIndex {
	cp := make([]BackupEntry, len(entries))
	copy(cp, entries)
	sortEntries(cp)
	return &BackupIndex{entries: cp}
}

// Append adds entry, keeping the index sorted by timestamp.
func (b *BackupIndex) Append(entry BackupEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	sortEntries(b.entries)
}

// sortEntries orders by timestamp ascending, ties broken by backup-id so
// the persisted index is byte-stable for a given set of backups.
func sortEntries(entries []BackupEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TimestampUnix != entries[j].TimestampUnix {
			return entries[i].TimestampUnix < entries[j].TimestampUnix
		}
		return entries[i].BackupID < entries[j].BackupID
	})
}

// Remove deletes the entry with the given exact backup-id.
func (b *BackupIndex) Remove(backupID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.BackupID == backupID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy of every entry, sorted by timestamp ascending.
func (b *BackupIndex) List() []BackupEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BackupEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// FindByPrefix resolves a hex backup-id prefix to exactly one entry.
// Returns engineerr.ErrNotFound if nothing matches, or
// engineerr.ErrAmbiguousBackup if more than one entry shares the prefix.
func (b *BackupIndex) FindByPrefix(prefix string) (BackupEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matches []BackupEntry
	for _, e := range b.entries {
		if strings.HasPrefix(e.BackupID, prefix) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return BackupEntry{}, fmt.Errorf("%w: no backup matches prefix %q", engineerr.ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return BackupEntry{}, fmt.Errorf("%w: prefix %q matches %d backups", engineerr.ErrAmbiguousBackup, prefix, len(matches))
	}
}

// Len reports the number of backups currently indexed.
func (b *BackupIndex) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

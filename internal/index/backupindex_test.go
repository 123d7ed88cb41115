package index

import (
	"errors"
	"testing"

	"github.com/kenneth/backupvault/internal/engineerr"
)

func TestBackupIndex_AppendKeepsTimestampOrder(t *testing.T) {
	idx := NewBackupIndex()
	idx.Append(BackupEntry{BackupID: "c", TimestampUnix: 300})
	idx.Append(BackupEntry{BackupID: "a", TimestampUnix: 100})
	idx.Append(BackupEntry{BackupID: "b", TimestampUnix: 200})

	list := idx.List()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if list[i].BackupID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].BackupID)
		}
	}
}

func TestBackupIndex_Remove(t *testing.T) {
	idx := NewBackupIndex()
	idx.Append(BackupEntry{BackupID: "a", TimestampUnix: 1})
	idx.Append(BackupEntry{BackupID: "b", TimestampUnix: 2})

	if !idx.Remove("a") {
		t.Fatal("expected Remove to report true for an existing id")
	}
	if idx.Remove("a") {
		t.Fatal("expected second Remove of the same id to report false")
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", idx.Len())
	}
}

func TestBackupIndex_FindByPrefix(t *testing.T) {
	idx := NewBackupIndex()
	idx.Append(BackupEntry{BackupID: "abc123", TimestampUnix: 1})
	idx.Append(BackupEntry{BackupID: "abcdef", TimestampUnix: 2})
	idx.Append(BackupEntry{BackupID: "zzzzzz", TimestampUnix: 3})

	entry, err := idx.FindByPrefix("zzz")
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if entry.BackupID != "zzzzzz" {
		t.Errorf("expected zzzzzz, got %s", entry.BackupID)
	}

	_, err = idx.FindByPrefix("abc")
	if !errors.Is(err, engineerr.ErrAmbiguousBackup) {
		t.Errorf("expected ErrAmbiguousBackup, got %v", err)
	}

	_, err = idx.FindByPrefix("nope")
	if !errors.Is(err, engineerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadBackupIndex_SortsDefensively(t *testing.T) {
	idx := LoadBackupIndex([]BackupEntry{
		{BackupID: "b", TimestampUnix: 200},
		{BackupID: "a", TimestampUnix: 100},
	})
	list := idx.List()
	if list[0].BackupID != "a" || list[1].BackupID != "b" {
		t.Errorf("expected sorted [a,b], got %v", list)
	}
}

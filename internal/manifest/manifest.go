// Package manifest defines the snapshot manifest schema and its byte-stable
// serialization: plain encoding/json over structs with a fixed field order.
// Marshaling a struct (not a map) visits fields in declaration order and
// never reorders, which is what makes digest(encode(m)) stable across
// re-encodes. The backup-id is that digest.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EntryKind distinguishes the three file-entry shapes a manifest can hold.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// FileEntry is one record inside a snapshot manifest.
type FileEntry struct {
	Path       string    `json:"path"`
	Kind       EntryKind `json:"kind"`
	Mode       uint16    `json:"mode"`
	Size       uint64    `json:"size"`
	LinkTarget string    `json:"link_target,omitempty"`
	Chunks     []string  `json:"chunks,omitempty"`
}

// Manifest is the serialized tree for one backup.
type Manifest struct {
	FormatVersion     uint16      `json:"format_version"`
	Author            string      `json:"author"`
	TimestampUnix     uint64      `json:"timestamp_unix"`
	Message           string      `json:"message,omitempty"`
	RepositoryKey     string      `json:"repository_key"`
	ChunkSize         uint64      `json:"chunk_size"`
	CompressionLevel  uint8       `json:"compression_level"`
	Encrypted         bool        `json:"encrypted"`
	TotalBytes        uint64      `json:"total_bytes"`
	RootPath          string      `json:"root_path"`
	Entries           []FileEntry `json:"entries"`
}

// CurrentFormatVersion is written into every manifest this engine produces.
const CurrentFormatVersion uint16 = 1

// SortEntries orders entries by path, lexicographic on byte values. Entry
// order is part of the canonical encoding.
func SortEntries(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

// Encode serializes m to its canonical byte representation. Callers must
// have already sorted m.Entries (SortEntries) before calling Encode, since
// the backup-id is the digest of this output and must reproduce on re-read.
func Encode(m *Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// Decode parses a manifest previously produced by Encode.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// Entry describes one file captured in a snapshot. Immutable once computed.
type Entry struct {
	Path    string    `json:"path"` // slash-separated, relative to the dataset root
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Hash    string    `json:"hash"` // hex SHA-256 of the file content
}

// Skipped records a path that could not be read during a scan.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Manifest is the complete state of a dataset at a snapshot instant. Entries
// are ordered by path. Removed lists paths present in the parent record but
// gone from this snapshot (tombstones); empty for full backups.
type Manifest struct {
	CreatedAt     time.Time `json:"created_at"`
	Entries       []Entry   `json:"entries"`
	Removed       []string  `json:"removed,omitempty"`
	Skipped       []Skipped `json:"skipped,omitempty"`
	AggregateHash string    `json:"aggregate_hash"`
}

// ChangeSet is the comparison of two manifests.
type ChangeSet struct {
	Added     []Entry
	Modified  []Entry
	Removed   []string
	Unchanged []Entry
}

// Changed returns the entries whose content must be uploaded.
func (c ChangeSet) Changed() []Entry {
	out := make([]Entry, 0, len(c.Added)+len(c.Modified))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Find returns the entry for path, if present.
func (m *Manifest) Find(path string) (Entry, bool) {
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= path })
	if i < len(m.Entries) && m.Entries[i].Path == path {
		return m.Entries[i], true
	}
	return Entry{}, false
}

// TotalSize sums the sizes of all entries.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}

// Finalize sorts entries and computes the aggregate hash that identifies the
// manifest. The hash covers path, content hash, and size of every entry.
func (m *Manifest) Finalize() {
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	sort.Strings(m.Removed)
	h := sha256.New()
	for _, e := range m.Entries {
		fmt.Fprintf(h, "%s\x00%s\x00%d\n", e.Path, e.Hash, e.Size)
	}
	for _, p := range m.Removed {
		fmt.Fprintf(h, "-%s\n", p)
	}
	m.AggregateHash = hex.EncodeToString(h.Sum(nil))
}

// Diff compares a previous manifest against the current scan. A nil prev
// treats every current entry as added.
func Diff(prev, cur *Manifest) ChangeSet {
	var cs ChangeSet
	prevByPath := map[string]Entry{}
	if prev != nil {
		for _, e := range prev.Entries {
			prevByPath[e.Path] = e
		}
	}
	for _, e := range cur.Entries {
		old, ok := prevByPath[e.Path]
		switch {
		case !ok:
			cs.Added = append(cs.Added, e)
		case old.Hash != e.Hash:
			cs.Modified = append(cs.Modified, e)
		default:
			cs.Unchanged = append(cs.Unchanged, e)
		}
		delete(prevByPath, e.Path)
	}
	for path := range prevByPath {
		cs.Removed = append(cs.Removed, path)
	}
	sort.Strings(cs.Removed)
	return cs
}

// Encode writes the manifest as indented JSON.
func Encode(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Decode reads a manifest produced by Encode.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

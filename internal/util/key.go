package util

import "path"

// ObjectKey builds the content-addressed key for a stored blob. Objects are
// fanned out by the first two hash characters to keep listings shallow.
func ObjectKey(prefix, contentHash string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, "objects", contentHash[:2], contentHash)
	return path.Join(parts...)
}

// ManifestKey builds the key under which a record's manifest is stored.
func ManifestKey(prefix, recordID string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, "manifests", recordID+".json")
	return path.Join(parts...)
}

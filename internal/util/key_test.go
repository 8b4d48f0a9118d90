package util

import "testing"

func TestObjectKey(t *testing.T) {
	key := ObjectKey("backups", "ab12cd")
	if key != "backups/objects/ab/ab12cd" {
		t.Fatalf("unexpected key: %s", key)
	}
	key = ObjectKey("", "ab12cd")
	if key != "objects/ab/ab12cd" {
		t.Fatalf("unexpected key: %s", key)
	}
}

func TestManifestKey(t *testing.T) {
	key := ManifestKey("backups", "rec-1")
	if key != "backups/manifests/rec-1.json" {
		t.Fatalf("unexpected key: %s", key)
	}
}

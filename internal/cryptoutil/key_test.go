package cryptoutil

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestParseKeyBase64(t *testing.T) {
	key := make([]byte, 32)
	encoded := base64.StdEncoding.EncodeToString(key)
	parsed, err := ParseKey(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed) != 32 {
		t.Fatalf("unexpected key length: %d", len(parsed))
	}
}

func TestParseKeyRejectsShort(t *testing.T) {
	if _, err := ParseKey("hex:abcd"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestParseKeyFromFile(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(make([]byte, 32))
	path := filepath.Join(t.TempDir(), "backup.key")
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	parsed, err := ParseKey("file:" + path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed) != 32 {
		t.Fatalf("unexpected key length: %d", len(parsed))
	}
}

func TestParseKeyFromEnv(t *testing.T) {
	t.Setenv("DRB_TEST_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if _, err := ParseKey("env:DRB_TEST_KEY"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseKey("env:DRB_TEST_KEY_UNSET"); err == nil {
		t.Fatalf("expected error for unset variable")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	payload := []byte("object payload protected at rest")

	var buf bytes.Buffer
	w, err := EncryptWriter(&buf, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := DecryptReader(&buf, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after decrypt")
	}
}

package compress

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("drbackup object payload "), 64)
	for _, kind := range []string{TypeNone, TypeGzip, TypeZstd} {
		var buf bytes.Buffer
		w, err := WrapWriter(kind, &buf)
		if err != nil {
			t.Fatalf("%s: wrap writer: %v", kind, err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("%s: write: %v", kind, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s: close: %v", kind, err)
		}
		r, err := WrapReader(kind, &buf)
		if err != nil {
			t.Fatalf("%s: wrap reader: %v", kind, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("%s: read: %v", kind, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("%s: payload mismatch", kind)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("zstd"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate("lz77"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"

	"github.com/tonipapic/drbackup/internal/compress"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(raw)
}

func roundTrip(t *testing.T, c *Codec, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := c.Encode(&buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r, err := c.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestRoundTripPlain(t *testing.T) {
	c, err := New(compress.TypeNone, false, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	payload := []byte("hello world")
	if got := roundTrip(t, c, payload); !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	for _, kind := range []string{compress.TypeGzip, compress.TypeZstd} {
		c, err := New(kind, false, "")
		if err != nil {
			t.Fatalf("new %s: %v", kind, err)
		}
		payload := bytes.Repeat([]byte("abcdefgh"), 4096)
		if got := roundTrip(t, c, payload); !bytes.Equal(got, payload) {
			t.Fatalf("%s: payload mismatch", kind)
		}
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	c, err := New(compress.TypeZstd, true, testKey(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	payload := bytes.Repeat([]byte("secret payload "), 1024)

	var buf bytes.Buffer
	w, err := c.Encode(&buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte("secret payload")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	r, err := c.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestEncryptionRequiresKey(t *testing.T) {
	if _, err := New(compress.TypeZstd, true, ""); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestInvalidCompression(t *testing.T) {
	if _, err := New("lz4", false, ""); err == nil {
		t.Fatal("expected error for unknown compression")
	}
}

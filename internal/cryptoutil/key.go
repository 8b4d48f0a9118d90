package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const keySize = 32

// ParseKey resolves an encryption key reference to its raw 32 bytes. The
// reference is the key itself in base64 or hex (optionally tagged "base64:"
// or "hex:"), "file:<path>" to read the key material from a file, or
// "env:<NAME>" to read it from the environment.
func ParseKey(ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("encryption key is empty")
	}

	if path, ok := strings.CutPrefix(ref, "file:"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return decodeKey(strings.TrimSpace(string(raw)))
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		val := os.Getenv(name)
		if val == "" {
			return nil, fmt.Errorf("key variable %s is not set", name)
		}
		return decodeKey(strings.TrimSpace(val))
	}
	return decodeKey(ref)
}

func decodeKey(s string) ([]byte, error) {
	var data []byte
	var err error
	switch {
	case strings.HasPrefix(s, "base64:"):
		data, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
	case strings.HasPrefix(s, "hex:"):
		data, err = hex.DecodeString(strings.TrimPrefix(s, "hex:"))
	default:
		data, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			data, err = hex.DecodeString(s)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), keySize)
	}
	return data, nil
}

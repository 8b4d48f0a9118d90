// Package codec applies the configured compression and encryption layers to
// object payloads. The engine writes through Encode, the verifier and the
// recovery orchestrator read through Decode, so the stored form stays a
// private detail of this package.
package codec

import (
	"fmt"
	"io"

	"github.com/tonipapic/drbackup/internal/compress"
	"github.com/tonipapic/drbackup/internal/cryptoutil"
)

type Codec struct {
	compression string
	key         []byte // nil when encryption is off
}

func New(compression string, encryption bool, encryptionKey string) (*Codec, error) {
	if err := compress.Validate(compression); err != nil {
		return nil, err
	}
	c := &Codec{compression: compression}
	if encryption {
		key, err := cryptoutil.ParseKey(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption enabled: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Encode returns a writer chain over w. Data is compressed, then encrypted,
// so Decode can decrypt before decompressing. Closing the returned writer
// flushes every layer; w itself is not closed.
func (c *Codec) Encode(w io.Writer) (io.WriteCloser, error) {
	writer := w
	var closers []io.Closer

	if c.key != nil {
		encWriter, err := cryptoutil.EncryptWriter(writer, c.key)
		if err != nil {
			return nil, err
		}
		writer = encWriter
		closers = append(closers, encWriter)
	}

	compWriter, err := compress.WrapWriter(c.compression, writer)
	if err != nil {
		return nil, err
	}
	writer = compWriter
	closers = append(closers, compWriter)

	return &chainWriter{w: writer, closers: closers}, nil
}

// Decode reverses Encode over r.
func (c *Codec) Decode(r io.Reader) (io.ReadCloser, error) {
	payload := r
	if c.key != nil {
		dec, err := cryptoutil.DecryptReader(payload, c.key)
		if err != nil {
			return nil, err
		}
		payload = dec
	}
	return compress.WrapReader(c.compression, payload)
}

// chainWriter closes the layered writers innermost-first.
type chainWriter struct {
	w       io.Writer
	closers []io.Closer
}

func (c *chainWriter) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *chainWriter) Close() error {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			return err
		}
	}
	return nil
}

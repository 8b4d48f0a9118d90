package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ScanError reports that the dataset root itself could not be read. Unreadable
// individual files are recorded as skipped entries instead.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Builder walks a dataset root and hashes file contents with bounded
// concurrency. Hashing streams each file, so memory stays flat regardless of
// file size.
type Builder struct {
	Concurrency int
	Log         zerolog.Logger
}

func NewBuilder(concurrency int, log zerolog.Logger) *Builder {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Builder{Concurrency: concurrency, Log: log}
}

// Scan produces a manifest of every regular file under root.
func (b *Builder) Scan(ctx context.Context, root string) (*Manifest, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, &ScanError{Root: root, Err: err}
	}

	m := &Manifest{CreatedAt: time.Now().UTC()}
	var mu sync.Mutex

	type candidate struct {
		path string
		rel  string
		info fs.FileInfo
	}
	var candidates []candidate

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			m.Skipped = append(m.Skipped, Skipped{Path: filepath.ToSlash(rel), Reason: err.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			m.Skipped = append(m.Skipped, Skipped{Path: filepath.ToSlash(rel), Reason: statErr.Error()})
			return nil
		}
		candidates = append(candidates, candidate{path: path, rel: filepath.ToSlash(rel), info: info})
		return nil
	})
	if walkErr != nil {
		return nil, &ScanError{Root: root, Err: walkErr}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.Concurrency)
	for _, c := range candidates {
		c := c
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}
			hash, err := HashFile(c.path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.Skipped = append(m.Skipped, Skipped{Path: c.rel, Reason: err.Error()})
				return nil
			}
			m.Entries = append(m.Entries, Entry{
				Path:    c.rel,
				Size:    c.info.Size(),
				ModTime: c.info.ModTime().UTC(),
				Hash:    hash,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	m.Finalize()
	b.Log.Debug().Int("files", len(m.Entries)).Int("skipped", len(m.Skipped)).Str("root", root).Msg("dataset scanned")
	return m, nil
}

// HashFile computes the streaming SHA-256 of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

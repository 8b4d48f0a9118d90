package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/codec"
	"github.com/tonipapic/drbackup/internal/config"
	"github.com/tonipapic/drbackup/internal/lock"
	"github.com/tonipapic/drbackup/internal/manifest"
	"github.com/tonipapic/drbackup/internal/storage"
	"github.com/tonipapic/drbackup/internal/util"
	"github.com/tonipapic/drbackup/internal/verify"
)

var (
	// ErrNoBase is returned when an incremental or differential backup is
	// requested for a dataset that has no usable base backup.
	ErrNoBase = errors.New("no base backup exists; create a full backup first")

	// ErrInvalidParent is returned when the declared parent is not the
	// current chain terminus or is quarantined.
	ErrInvalidParent = errors.New("invalid parent record")
)

// Engine creates backup records: it scans the dataset, diffs against the
// parent manifest, uploads changed objects content-addressed, and commits the
// record to the catalog only after every object and the manifest are stored.
type Engine struct {
	Catalog *catalog.Catalog
	Backend storage.Backend
	Codec   *codec.Codec

	// Verifier, when set, verifies each record right after commit.
	Verifier *verify.Verifier

	Dataset     string
	Root        string
	Prefix      string
	Tier        storage.Tier
	LockDir     string
	Concurrency int
	RetryCount  int
	Backoff     time.Duration

	Log zerolog.Logger

	mu sync.Mutex
}

// New builds an Engine from config. The verifier is attached by the caller
// when post-backup verification is enabled.
func New(cfg *config.Config, cat *catalog.Catalog, backend storage.Backend, cdc *codec.Codec, log zerolog.Logger) *Engine {
	return &Engine{
		Catalog:     cat,
		Backend:     backend,
		Codec:       cdc,
		Dataset:     cfg.Dataset.Name,
		Root:        cfg.Dataset.Root,
		Prefix:      cfg.Storage.Prefix,
		Tier:        storage.Tier(cfg.Storage.Tier),
		LockDir:     cfg.Global.LockDir,
		Concurrency: cfg.Backup.Concurrency,
		RetryCount:  cfg.Backup.RetryCount,
		Backoff:     cfg.Backup.RetryBackoff,
		Log:         log,
	}
}

// CreateFull records a complete snapshot of the dataset root.
func (e *Engine) CreateFull(ctx context.Context) (*catalog.BackupRecord, error) {
	return e.create(ctx, catalog.TypeFull, "")
}

// CreateIncremental records the changes since the chain terminus. A non-empty
// parentID pins the expected parent; the call fails with ErrInvalidParent if
// the terminus has moved.
func (e *Engine) CreateIncremental(ctx context.Context, parentID string) (*catalog.BackupRecord, error) {
	return e.create(ctx, catalog.TypeIncremental, parentID)
}

// CreateDifferential records the changes since the most recent full backup.
// A non-empty parentID pins the base to the nearest full ancestor of that
// record instead of the latest full.
func (e *Engine) CreateDifferential(ctx context.Context, parentID string) (*catalog.BackupRecord, error) {
	return e.create(ctx, catalog.TypeDifferential, parentID)
}

func (e *Engine) create(ctx context.Context, typ catalog.BackupType, parentID string) (*catalog.BackupRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	guard, err := lock.Acquire(e.LockDir, e.Dataset)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	parent, err := e.resolveParent(ctx, typ, parentID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	builder := manifest.NewBuilder(e.Concurrency, e.Log)
	cur, err := builder.Scan(ctx, e.Root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", e.Root, err)
	}

	var prev *manifest.Manifest
	if parent != nil {
		prev, err = e.loadManifest(ctx, parent.ID)
		if err != nil {
			return nil, fmt.Errorf("load parent manifest: %w", err)
		}
	}

	changes := manifest.Diff(prev, cur)
	upload := changes.Changed()
	if parent != nil {
		cur.Removed = changes.Removed
		cur.Finalize()
	}

	if err := e.uploadObjects(ctx, upload); err != nil {
		return nil, err
	}

	rec := &catalog.BackupRecord{
		ID:            uuid.NewString(),
		Dataset:       e.Dataset,
		Type:          typ,
		CreatedAt:     time.Now().UTC(),
		AggregateHash: cur.AggregateHash,
		TotalSize:     cur.TotalSize(),
		FileCount:     len(cur.Entries),
		Status:        catalog.StatusUnverified,
	}
	if parent != nil {
		rec.ParentID = parent.ID
	}
	rec.ManifestKey = util.ManifestKey(e.Prefix, rec.ID)

	if err := e.putManifest(ctx, rec.ManifestKey, cur); err != nil {
		return nil, err
	}

	refs := make([]catalog.ObjectRef, 0, len(upload))
	for _, entry := range upload {
		refs = append(refs, catalog.ObjectRef{Path: entry.Path, Hash: entry.Hash, Size: entry.Size})
	}
	if err := e.Catalog.CommitRecord(ctx, rec, refs); err != nil {
		return nil, fmt.Errorf("commit record: %w", err)
	}

	e.Log.Info().
		Str("record", rec.ID).
		Str("type", string(typ)).
		Int("files", rec.FileCount).
		Int("uploaded", len(refs)).
		Int("removed", len(cur.Removed)).
		Dur("took", time.Since(start)).
		Msg("backup committed")

	if e.Verifier != nil {
		res, err := e.Verifier.VerifyRecord(ctx, rec.ID)
		if err != nil {
			return rec, fmt.Errorf("post-backup verification: %w", err)
		}
		rec.Status = res.Status
	}
	return rec, nil
}

func (e *Engine) resolveParent(ctx context.Context, typ catalog.BackupType, parentID string) (*catalog.BackupRecord, error) {
	switch typ {
	case catalog.TypeFull:
		return nil, nil
	case catalog.TypeDifferential:
		var base *catalog.BackupRecord
		var err error
		if parentID != "" {
			var pin *catalog.BackupRecord
			pin, err = e.Catalog.GetRecord(ctx, parentID)
			if err != nil {
				return nil, err
			}
			base, err = e.Catalog.NearestFullAncestor(ctx, pin)
		} else {
			base, err = e.Catalog.LatestFull(ctx, e.Dataset)
		}
		if err != nil {
			if errors.Is(err, catalog.ErrRecordNotFound) {
				return nil, ErrNoBase
			}
			return nil, err
		}
		if base.Status == catalog.StatusFailed {
			return nil, fmt.Errorf("%w: full backup %s is quarantined", ErrInvalidParent, base.ID)
		}
		return base, nil
	case catalog.TypeIncremental:
		terminus, err := e.Catalog.Terminus(ctx, e.Dataset)
		if err != nil {
			if errors.Is(err, catalog.ErrRecordNotFound) {
				return nil, ErrNoBase
			}
			return nil, err
		}
		if parentID != "" && parentID != terminus.ID {
			return nil, fmt.Errorf("%w: %s is not the chain terminus (%s)", ErrInvalidParent, parentID, terminus.ID)
		}
		return terminus, nil
	}
	return nil, fmt.Errorf("unknown backup type %q", typ)
}

// uploadObjects stores one object per distinct content hash, skipping hashes
// the store already holds.
func (e *Engine) uploadObjects(ctx context.Context, entries []manifest.Entry) error {
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.Hash]; !ok {
			seen[entry.Hash] = entry.Path
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.Concurrency, 1))
	for hash, path := range seen {
		hash, path := hash, path
		g.Go(func() error {
			key := util.ObjectKey(e.Prefix, hash)
			exists, err := e.Backend.Exists(gctx, key)
			if err != nil {
				return fmt.Errorf("stat object %s: %w", key, err)
			}
			if exists {
				e.Log.Debug().Str("hash", hash).Msg("object already stored")
				return nil
			}
			err = util.Retry(gctx, e.RetryCount, e.Backoff, storage.IsTransient, func() error {
				return e.putObject(gctx, key, filepath.Join(e.Root, filepath.FromSlash(path)))
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) putObject(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	go func() {
		enc, err := e.Codec.Encode(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := enc.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	if err := e.Backend.Put(ctx, key, pr, -1, e.Tier); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

// putManifest stores the manifest as plain JSON at the hot tier so chain
// resolution never waits on an archive retrieval.
func (e *Engine) putManifest(ctx context.Context, key string, m *manifest.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	err = util.Retry(ctx, e.RetryCount, e.Backoff, storage.IsTransient, func() error {
		return e.Backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.TierHot)
	})
	if err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	return nil
}

func (e *Engine) loadManifest(ctx context.Context, recordID string) (*manifest.Manifest, error) {
	rc, err := e.Backend.Get(ctx, util.ManifestKey(e.Prefix, recordID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return manifest.Decode(rc)
}

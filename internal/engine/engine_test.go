package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/codec"
	"github.com/tonipapic/drbackup/internal/compress"
	"github.com/tonipapic/drbackup/internal/config"
	"github.com/tonipapic/drbackup/internal/storage"
	"github.com/tonipapic/drbackup/internal/util"
	"github.com/tonipapic/drbackup/internal/verify"
)

func newTestEngine(t *testing.T, backend storage.Backend) (*Engine, *catalog.Catalog, string) {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	cdc, err := codec.New(compress.TypeZstd, false, "")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	root := t.TempDir()
	eng := &Engine{
		Catalog:     cat,
		Backend:     backend,
		Codec:       cdc,
		Dataset:     "docs",
		Root:        root,
		LockDir:     t.TempDir(),
		Concurrency: 2,
		RetryCount:  1,
		Backoff:     time.Millisecond,
		Log:         zerolog.Nop(),
	}
	return eng, cat, root
}

func withVerifier(eng *Engine) {
	eng.Verifier = &verify.Verifier{
		Catalog:     eng.Catalog,
		Backend:     eng.Backend,
		Codec:       eng.Codec,
		Prefix:      eng.Prefix,
		Concurrency: 2,
		Log:         zerolog.Nop(),
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func objectKeys(backend *storage.Memory) []string {
	var keys []string
	for _, key := range backend.Keys() {
		if strings.HasPrefix(key, "objects/") {
			keys = append(keys, key)
		}
	}
	return keys
}

func TestCreateFull(t *testing.T) {
	backend := storage.NewMemory()
	eng, cat, root := newTestEngine(t, backend)
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "b.txt", "beta")
	writeFile(t, root, "sub/c.txt", "gamma")

	rec, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	if rec.Type != catalog.TypeFull || rec.ParentID != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.FileCount != 3 {
		t.Fatalf("file count = %d, want 3", rec.FileCount)
	}
	if len(objectKeys(backend)) != 3 {
		t.Fatalf("objects = %v, want 3", objectKeys(backend))
	}
	if ok, _ := backend.Exists(context.Background(), rec.ManifestKey); !ok {
		t.Fatalf("manifest %s not stored", rec.ManifestKey)
	}

	refs, err := cat.RecordObjects(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("record objects: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("refs = %d, want 3", len(refs))
	}
}

func TestDedupSharedContent(t *testing.T) {
	backend := storage.NewMemory()
	eng, _, root := newTestEngine(t, backend)
	writeFile(t, root, "one.txt", "same bytes")
	writeFile(t, root, "two.txt", "same bytes")

	rec, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	if rec.FileCount != 2 {
		t.Fatalf("file count = %d, want 2", rec.FileCount)
	}
	if got := objectKeys(backend); len(got) != 1 {
		t.Fatalf("objects = %v, want exactly one", got)
	}
}

func TestCreateIncremental(t *testing.T) {
	backend := storage.NewMemory()
	eng, cat, root := newTestEngine(t, backend)
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "b.txt", "beta")

	full, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	writeFile(t, root, "b.txt", "beta v2")
	writeFile(t, root, "d.txt", "delta")
	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	inc, err := eng.CreateIncremental(context.Background(), "")
	if err != nil {
		t.Fatalf("create incremental: %v", err)
	}
	if inc.ParentID != full.ID {
		t.Fatalf("parent = %s, want %s", inc.ParentID, full.ID)
	}
	refs, err := cat.RecordObjects(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("record objects: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %v, want b.txt and d.txt", refs)
	}

	m, err := eng.loadManifest(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(m.Removed) != 1 || m.Removed[0] != "a.txt" {
		t.Fatalf("removed = %v, want [a.txt]", m.Removed)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("entries = %d, want complete snapshot of 2", len(m.Entries))
	}

	terminus, err := cat.Terminus(context.Background(), "docs")
	if err != nil {
		t.Fatalf("terminus: %v", err)
	}
	if terminus.ID != inc.ID {
		t.Fatalf("terminus = %s, want %s", terminus.ID, inc.ID)
	}
}

func TestIncrementalRequiresBase(t *testing.T) {
	eng, cat, root := newTestEngine(t, storage.NewMemory())
	writeFile(t, root, "a.txt", "alpha")

	if _, err := eng.CreateIncremental(context.Background(), ""); !errors.Is(err, ErrNoBase) {
		t.Fatalf("err = %v, want ErrNoBase", err)
	}
	if _, err := eng.CreateDifferential(context.Background(), ""); !errors.Is(err, ErrNoBase) {
		t.Fatalf("err = %v, want ErrNoBase", err)
	}

	// Neither attempt may leave a parentless record behind.
	recs, err := cat.ListRecords(context.Background(), "docs")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("records = %d, want none committed", len(recs))
	}
}

func TestInvalidParent(t *testing.T) {
	eng, _, root := newTestEngine(t, storage.NewMemory())
	writeFile(t, root, "a.txt", "alpha")

	full, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "a.txt", "alpha v2")
	if _, err := eng.CreateIncremental(context.Background(), ""); err != nil {
		t.Fatalf("create incremental: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	_, err = eng.CreateIncremental(context.Background(), full.ID)
	if !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("err = %v, want ErrInvalidParent", err)
	}
}

func TestDifferentialParentIsFull(t *testing.T) {
	backend := storage.NewMemory()
	eng, cat, root := newTestEngine(t, backend)
	writeFile(t, root, "a.txt", "alpha")

	full, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "b.txt", "beta")
	if _, err := eng.CreateIncremental(context.Background(), ""); err != nil {
		t.Fatalf("create incremental: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "c.txt", "gamma")

	diff, err := eng.CreateDifferential(context.Background(), "")
	if err != nil {
		t.Fatalf("create differential: %v", err)
	}
	if diff.ParentID != full.ID {
		t.Fatalf("parent = %s, want the full %s", diff.ParentID, full.ID)
	}
	refs, err := cat.RecordObjects(context.Background(), diff.ID)
	if err != nil {
		t.Fatalf("record objects: %v", err)
	}
	// Everything changed since the full, including what the incremental took.
	if len(refs) != 2 {
		t.Fatalf("refs = %v, want b.txt and c.txt", refs)
	}
}

func TestDifferentialPinnedParent(t *testing.T) {
	eng, _, root := newTestEngine(t, storage.NewMemory())
	writeFile(t, root, "a.txt", "alpha")

	full1, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "b.txt", "beta")
	inc, err := eng.CreateIncremental(context.Background(), "")
	if err != nil {
		t.Fatalf("create incremental: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := eng.CreateFull(context.Background()); err != nil {
		t.Fatalf("create second full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "c.txt", "gamma")

	// Pinning to the incremental diffs against its chain's full, not the
	// newer full.
	diff, err := eng.CreateDifferential(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("create differential: %v", err)
	}
	if diff.ParentID != full1.ID {
		t.Fatalf("parent = %s, want the first full %s", diff.ParentID, full1.ID)
	}
}

// failingBackend rejects object puts to prove nothing reaches the catalog
// when an upload fails.
type failingBackend struct {
	*storage.Memory
}

func (f *failingBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, tier storage.Tier) error {
	if strings.HasPrefix(key, "objects/") {
		return fmt.Errorf("put %s: storage unavailable", key)
	}
	return f.Memory.Put(ctx, key, reader, size, tier)
}

func TestCommitIsAllOrNothing(t *testing.T) {
	eng, cat, root := newTestEngine(t, &failingBackend{storage.NewMemory()})
	writeFile(t, root, "a.txt", "alpha")

	if _, err := eng.CreateFull(context.Background()); err == nil {
		t.Fatal("expected upload failure")
	}
	records, err := cat.ListRecords(context.Background(), "docs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want none committed", len(records))
	}
}

func TestAutoVerifyAfterCommit(t *testing.T) {
	eng, cat, root := newTestEngine(t, storage.NewMemory())
	withVerifier(eng)
	writeFile(t, root, "a.txt", "alpha")

	rec, err := eng.CreateFull(context.Background())
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	if rec.Status != catalog.StatusVerified {
		t.Fatalf("status = %s, want verified", rec.Status)
	}
	stored, err := cat.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.Status != catalog.StatusVerified || stored.VerifiedAt == nil {
		t.Fatalf("stored record not verified: %+v", stored)
	}
}

func TestPruneKeepLast(t *testing.T) {
	backend := storage.NewMemory()
	eng, cat, root := newTestEngine(t, backend)
	ctx := context.Background()

	writeFile(t, root, "a.txt", "chain one")
	old, err := eng.CreateFull(ctx)
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "b.txt", "chain one extra")
	oldInc, err := eng.CreateIncremental(ctx, "")
	if err != nil {
		t.Fatalf("create incremental: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	writeFile(t, root, "a.txt", "chain two")
	kept, err := eng.CreateFull(ctx)
	if err != nil {
		t.Fatalf("create second full: %v", err)
	}

	res, err := eng.Prune(ctx, config.Retention{KeepLast: 1})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(res.RecordsDeleted) != 2 {
		t.Fatalf("deleted = %v, want the old chain", res.RecordsDeleted)
	}
	for _, id := range []string{old.ID, oldInc.ID} {
		if _, err := cat.GetRecord(ctx, id); !errors.Is(err, catalog.ErrRecordNotFound) {
			t.Fatalf("record %s still present (err = %v)", id, err)
		}
	}
	if _, err := cat.GetRecord(ctx, kept.ID); err != nil {
		t.Fatalf("kept record gone: %v", err)
	}

	// "chain one extra" is owned by b.txt in the surviving chain too, since
	// the second full re-captured it. Its object must survive GC.
	refs, err := cat.RecordObjects(ctx, kept.ID)
	if err != nil {
		t.Fatalf("record objects: %v", err)
	}
	for _, ref := range refs {
		if ok, _ := backend.Exists(ctx, util.ObjectKey("", ref.Hash)); !ok {
			t.Fatalf("object for %s was garbage-collected", ref.Path)
		}
	}
	if ok, _ := backend.Exists(ctx, old.ManifestKey); ok {
		t.Fatal("pruned manifest still stored")
	}
}

func TestPruneKeepsQuarantined(t *testing.T) {
	backend := storage.NewMemory()
	eng, cat, root := newTestEngine(t, backend)
	ctx := context.Background()

	writeFile(t, root, "a.txt", "v1")
	full, err := eng.CreateFull(ctx)
	if err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "a.txt", "v2")
	inc, err := eng.CreateIncremental(ctx, "")
	if err != nil {
		t.Fatalf("create incremental: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "a.txt", "v3")
	if _, err := eng.CreateFull(ctx); err != nil {
		t.Fatalf("create second full: %v", err)
	}

	if err := cat.SetVerification(ctx, inc.ID, catalog.StatusFailed, "bit rot"); err != nil {
		t.Fatalf("set verification: %v", err)
	}

	if _, err := eng.Prune(ctx, config.Retention{KeepLast: 1}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	// The quarantined record and its ancestor stay for audit.
	if _, err := cat.GetRecord(ctx, inc.ID); err != nil {
		t.Fatalf("quarantined record pruned: %v", err)
	}
	if _, err := cat.GetRecord(ctx, full.ID); err != nil {
		t.Fatalf("quarantined record's ancestor pruned: %v", err)
	}
}

func TestStats(t *testing.T) {
	eng, _, root := newTestEngine(t, storage.NewMemory())
	withVerifier(eng)
	ctx := context.Background()

	writeFile(t, root, "a.txt", "alpha")
	if _, err := eng.CreateFull(ctx); err != nil {
		t.Fatalf("create full: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "b.txt", "beta")
	if _, err := eng.CreateIncremental(ctx, ""); err != nil {
		t.Fatalf("create incremental: %v", err)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Records != 2 {
		t.Fatalf("records = %d, want 2", stats.Records)
	}
	if stats.ByType[catalog.TypeFull].Count != 1 || stats.ByType[catalog.TypeIncremental].Count != 1 {
		t.Fatalf("by type = %+v", stats.ByType)
	}
	if stats.ByStatus[catalog.StatusVerified] != 2 {
		t.Fatalf("by status = %+v", stats.ByStatus)
	}
	if stats.RPO <= 0 {
		t.Fatalf("rpo = %s, want positive age", stats.RPO)
	}
	if stats.RTOEstimate != 0 {
		t.Fatalf("rto = %s, want zero without recoveries", stats.RTOEstimate)
	}
	if stats.LastBackup.IsZero() {
		t.Fatal("last backup unset")
	}
}

package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func commitRecord(t *testing.T, c *Catalog, dataset string, typ BackupType, parentID string, status VerificationStatus, objects ...ObjectRef) *BackupRecord {
	t.Helper()
	rec := &BackupRecord{
		ID:            uuid.NewString(),
		Dataset:       dataset,
		Type:          typ,
		ParentID:      parentID,
		CreatedAt:     time.Now().UTC(),
		ManifestKey:   "manifests/" + uuid.NewString() + ".json",
		AggregateHash: uuid.NewString(),
		Status:        StatusUnverified,
	}
	if err := c.CommitRecord(context.Background(), rec, objects); err != nil {
		t.Fatalf("commit record: %v", err)
	}
	if status != StatusUnverified {
		if err := c.SetVerification(context.Background(), rec.ID, status, ""); err != nil {
			t.Fatalf("set verification: %v", err)
		}
		rec.Status = status
	}
	// Keep creation order strictly increasing for deterministic terminus.
	time.Sleep(2 * time.Millisecond)
	return rec
}

func TestCommitAndGetRecord(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	rec := commitRecord(t, c, "data", TypeFull, "", StatusVerified,
		ObjectRef{Path: "a.txt", Hash: "h1", Size: 1},
		ObjectRef{Path: "b.txt", Hash: "h2", Size: 2},
	)

	got, err := c.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Type != TypeFull || got.Status != StatusVerified || got.ParentID != "" {
		t.Fatalf("unexpected record: %+v", got)
	}

	objects, err := c.RecordObjects(ctx, rec.ID)
	if err != nil {
		t.Fatalf("record objects: %v", err)
	}
	if len(objects) != 2 || objects[0].Path != "a.txt" || objects[1].Hash != "h2" {
		t.Fatalf("unexpected objects: %+v", objects)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.GetRecord(context.Background(), "missing")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestTerminusSkipsQuarantined(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	full := commitRecord(t, c, "data", TypeFull, "", StatusVerified)
	bad := commitRecord(t, c, "data", TypeIncremental, full.ID, StatusFailed)

	terminus, err := c.Terminus(ctx, "data")
	if err != nil {
		t.Fatalf("terminus: %v", err)
	}
	if terminus == nil || terminus.ID != full.ID {
		t.Fatalf("expected terminus %s, got %+v", full.ID, terminus)
	}
	_ = bad
}

func TestResolveRestoreChainWalksToFull(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	full := commitRecord(t, c, "data", TypeFull, "", StatusVerified)
	inc1 := commitRecord(t, c, "data", TypeIncremental, full.ID, StatusVerified)
	inc2 := commitRecord(t, c, "data", TypeIncremental, inc1.ID, StatusVerified)

	plan, err := c.ResolveRestoreChain(ctx, inc2.ID, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(plan.Chain) != 3 {
		t.Fatalf("expected 3 links, got %d", len(plan.Chain))
	}
	if plan.Chain[0].ID != full.ID || plan.Chain[2].ID != inc2.ID {
		t.Fatalf("unexpected chain order")
	}
	if plan.FellBack {
		t.Fatalf("unexpected fallback")
	}
}

func TestResolveRestoreChainDifferentialSkipsIncrementals(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	full := commitRecord(t, c, "data", TypeFull, "", StatusVerified)
	commitRecord(t, c, "data", TypeIncremental, full.ID, StatusVerified)
	diff := commitRecord(t, c, "data", TypeDifferential, full.ID, StatusVerified)

	plan, err := c.ResolveRestoreChain(ctx, diff.ID, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(plan.Chain) != 2 {
		t.Fatalf("differential chain should be {full, diff}, got %d links", len(plan.Chain))
	}
}

func TestResolveRestoreChainFailedAncestor(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	full := commitRecord(t, c, "data", TypeFull, "", StatusVerified)
	bad := commitRecord(t, c, "data", TypeIncremental, full.ID, StatusFailed)
	leaf := commitRecord(t, c, "data", TypeIncremental, bad.ID, StatusVerified)

	_, err := c.ResolveRestoreChain(ctx, leaf.ID, false)
	if !errors.Is(err, ErrChainIntegrity) {
		t.Fatalf("expected ErrChainIntegrity, got %v", err)
	}

	plan, err := c.ResolveRestoreChain(ctx, leaf.ID, true)
	if err != nil {
		t.Fatalf("resolve with fallback: %v", err)
	}
	if !plan.FellBack || plan.Target.ID != full.ID {
		t.Fatalf("expected fallback to %s, got %+v", full.ID, plan.Target)
	}
	if plan.Requested != leaf.ID {
		t.Fatalf("requested id lost in fallback")
	}
}

func TestResolveRestoreChainUnverifiedLink(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	full := commitRecord(t, c, "data", TypeFull, "", StatusVerified)
	pending := commitRecord(t, c, "data", TypeIncremental, full.ID, StatusUnverified)

	_, err := c.ResolveRestoreChain(ctx, pending.ID, false)
	if !errors.Is(err, ErrUnresolvableChain) {
		t.Fatalf("expected ErrUnresolvableChain, got %v", err)
	}
}

func TestRecordAsOf(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	full := commitRecord(t, c, "data", TypeFull, "", StatusVerified)
	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	commitRecord(t, c, "data", TypeIncremental, full.ID, StatusVerified)

	got, err := c.RecordAsOf(ctx, "data", cutoff)
	if err != nil {
		t.Fatalf("record as of: %v", err)
	}
	if got.ID != full.ID {
		t.Fatalf("expected %s, got %s", full.ID, got.ID)
	}
}

func TestObjectReferenced(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	rec1 := commitRecord(t, c, "data", TypeFull, "", StatusVerified, ObjectRef{Path: "a.txt", Hash: "shared", Size: 1})
	rec2 := commitRecord(t, c, "data", TypeIncremental, rec1.ID, StatusVerified, ObjectRef{Path: "b.txt", Hash: "shared", Size: 1})

	if err := c.DeleteRecord(ctx, rec2.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err := c.ObjectReferenced(ctx, "shared")
	if err != nil || !ok {
		t.Fatalf("object should still be referenced: %v %v", ok, err)
	}
	if err := c.DeleteRecord(ctx, rec1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = c.ObjectReferenced(ctx, "shared")
	if err != nil || ok {
		t.Fatalf("object should be unreferenced: %v %v", ok, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	session := &RecoverySession{
		ID:                uuid.NewString(),
		Dataset:           "data",
		TargetRecordID:    "rec-1",
		RequestedRecordID: "rec-1",
		TargetDir:         "/restore",
		Scope:             []string{"docs/"},
		Chain:             []string{"rec-0", "rec-1"},
		State:             StatePlanning,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	objects := []SessionObject{
		{SessionID: session.ID, Hash: "h1", Size: 1, Status: ObjectPending},
		{SessionID: session.ID, Hash: "h2", Size: 2, Status: ObjectPending},
	}
	if err := c.CreateSession(ctx, session, objects); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := c.SetSessionObject(ctx, session.ID, "h1", ObjectStaged, ""); err != nil {
		t.Fatalf("set session object: %v", err)
	}
	got, err := c.SessionObjects(ctx, session.ID)
	if err != nil {
		t.Fatalf("session objects: %v", err)
	}
	if len(got) != 2 || got[0].Status != ObjectStaged || got[1].Status != ObjectPending {
		t.Fatalf("unexpected cursor state: %+v", got)
	}

	if err := c.SetSessionState(ctx, session.ID, StateCompleted, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}
	loaded, err := c.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.State != StateCompleted || loaded.CompletedAt == nil {
		t.Fatalf("expected terminal session, got %+v", loaded)
	}
	if len(loaded.Scope) != 1 || loaded.Scope[0] != "docs/" {
		t.Fatalf("scope lost: %+v", loaded.Scope)
	}

	durations, err := c.RecentRecoveryDurations(ctx, "data", 5)
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if len(durations) != 1 {
		t.Fatalf("expected one completed recovery, got %d", len(durations))
	}
}

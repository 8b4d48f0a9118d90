package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(t.TempDir())

	if err := local.Put(ctx, "objects/ab/abc", strings.NewReader("payload"), 7, TierHot); err != nil {
		t.Fatalf("put: %v", err)
	}
	r, err := local.Get(ctx, "objects/ab/abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected payload: %s", data)
	}

	ok, err := local.Exists(ctx, "objects/ab/abc")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	ok, err = local.Exists(ctx, "objects/ab/missing")
	if err != nil || ok {
		t.Fatalf("expected missing object, got %v %v", ok, err)
	}
}

func TestLocalGetNotFound(t *testing.T) {
	local := NewLocal(t.TempDir())
	_, err := local.Get(context.Background(), "objects/no/nope")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestMemoryArchivePendingUntilPolled(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	mem.PendingPolls = 2

	if err := mem.Put(ctx, "objects/aa/aaa", strings.NewReader("cold"), 4, TierArchive); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := mem.Get(ctx, "objects/aa/aaa")
	pending, ok := AsPending(err)
	if !ok {
		t.Fatalf("expected pending error, got %v", err)
	}

	ready, err := mem.PollRetrieval(ctx, pending.Token)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if ready {
		t.Fatalf("expected pending after first poll")
	}
	ready, err = mem.PollRetrieval(ctx, pending.Token)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !ready {
		t.Fatalf("expected ready after second poll")
	}

	r, err := mem.Get(ctx, "objects/aa/aaa")
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "cold" {
		t.Fatalf("unexpected payload: %s", data)
	}
}

func TestTransientClassification(t *testing.T) {
	err := Transient(io.ErrUnexpectedEOF)
	if !IsTransient(err) {
		t.Fatalf("expected transient")
	}
	if IsTransient(io.ErrUnexpectedEOF) {
		t.Fatalf("bare error must not be transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatalf("cancellation must not be transient")
	}
}

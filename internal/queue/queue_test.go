package queue

import (
	"context"
	"testing"
	"time"

	"github.com/tonaudit/controlplane/internal/dbopen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbopen.OpenMemory(dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestSubmitIsIdempotentPerJobID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Submit(ctx, "ingest", "ingest:proj-1", map[string]any{"n": 1}, 3, time.Minute); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := store.Submit(ctx, "ingest", "ingest:proj-1", map[string]any{"n": 2}, 3, time.Minute); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	jobs, err := store.PollBatch(ctx, "ingest", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want 1 job after idempotent resubmission, got %d", len(jobs))
	}
	if jobs[0].Payload["n"].(float64) != 1 {
		t.Fatalf("resubmission should not overwrite original payload, got %v", jobs[0].Payload["n"])
	}
}

func TestToSafeJobIDIsFixedPoint(t *testing.T) {
	in := "verify:project-1:audit-1"
	want := "verify__project-1__audit-1"
	got := ToSafeJobID(in)
	if got != want {
		t.Fatalf("ToSafeJobID(%q) = %q, want %q", in, got, want)
	}
	if ToSafeJobID(got) != got {
		t.Fatalf("ToSafeJobID is not a fixed point: %q -> %q", got, ToSafeJobID(got))
	}

	plain := "docs-index-123"
	if ToSafeJobID(plain) != plain {
		t.Fatalf("ToSafeJobID(%q) should be unchanged, got %q", plain, ToSafeJobID(plain))
	}
}

func TestFailPromotesToPoisonAfterMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Submit(ctx, "verify", "verify:1", nil, 2, time.Minute); err != nil {
		t.Fatalf("submit: %v", err)
	}

	jobs, err := store.PollBatch(ctx, "verify", 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("poll: %v, %d jobs", err, len(jobs))
	}
	job := jobs[0]

	if err := store.Fail(ctx, job, "boom", time.Millisecond); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("after first failure want pending, got %s", got.Status)
	}

	time.Sleep(5 * time.Millisecond)
	jobs, err = store.PollBatch(ctx, "verify", 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("re-poll: %v, %d jobs", err, len(jobs))
	}
	job2 := jobs[0]
	if err := store.Fail(ctx, job2, "boom again", time.Millisecond); err != nil {
		t.Fatalf("fail 2: %v", err)
	}

	got, err = store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get after poison: %v", err)
	}
	if got.Status != StatusPoison {
		t.Fatalf("after exhausting max attempts want poison, got %s", got.Status)
	}
}

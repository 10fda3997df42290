package auditrun

import (
	"context"
	"errors"
	"testing"

	"github.com/tonaudit/controlplane/internal/dbopen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbopen.OpenMemory(dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestCreateEnforcesSingleActivePerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run1, err := s.Create(ctx, nil, "proj-1", "rev-1", "user-1", ProfileFast, "gpt", "fallback")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err = s.Create(ctx, nil, "proj-1", "rev-2", "user-1", ProfileDeep, "gpt", "fallback")
	var conflict *ActiveAuditRunConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("want ActiveAuditRunConflict, got %v", err)
	}
	if conflict.ExistingID != run1.ID {
		t.Fatalf("want existing id %s, got %s", run1.ID, conflict.ExistingID)
	}
}

func TestCreateAllowsNewRunAfterPriorTerminates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run1, err := s.Create(ctx, nil, "proj-1", "rev-1", "user-1", ProfileFast, "gpt", "fallback")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.Complete(ctx, run1.ID, `{"ok":true}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	run2, err := s.Create(ctx, nil, "proj-1", "rev-2", "user-1", ProfileFast, "gpt", "fallback")
	if err != nil {
		t.Fatalf("second create after terminal: %v", err)
	}
	if run2.ID == run1.ID {
		t.Fatal("want a distinct run")
	}
}

func TestTransitionToRunningIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.Create(ctx, nil, "proj-1", "rev-1", "user-1", ProfileFast, "gpt", "fallback")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.TransitionToRunning(ctx, run.ID); err != nil {
		t.Fatalf("transition 1: %v", err)
	}
	if err := s.TransitionToRunning(ctx, run.ID); err != nil {
		t.Fatalf("transition 2 (replay): %v", err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("want running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("want startedAt stamped")
	}
}

func TestCompleteIsNoOpOnceTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.Create(ctx, nil, "proj-1", "rev-1", "user-1", ProfileFast, "gpt", "fallback")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Fail(ctx, run.ID); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.Complete(ctx, run.ID, `{"ok":true}`); err != nil {
		t.Fatalf("complete after fail: %v", err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("want failed status preserved, got %s", got.Status)
	}
}

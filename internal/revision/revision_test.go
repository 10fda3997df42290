package revision

import (
	"context"
	"errors"
	"testing"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/contentstore"
	"github.com/tonaudit/controlplane/internal/dbopen"
	"github.com/tonaudit/controlplane/internal/objectstore"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	db, err := dbopen.OpenMemory(
		dbopen.WithSchema(contentstore.Schema),
		dbopen.WithSchema(auditrun.Schema),
		dbopen.WithSchema(Schema),
	)
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs := contentstore.New(db, objectstore.NewFake())
	runs := auditrun.New(db)
	return New(db, blobs, runs)
}

func TestUpsertRevisionFileRejectsUnsafePath(t *testing.T) {
	m := newTestModel(t)
	err := m.UpsertRevisionFile(context.Background(), "rev-1", "../../etc/passwd", "solidity", false, []byte("x"))
	if err == nil {
		t.Fatal("want error for unsafe path")
	}
}

func TestUpsertRevisionFileNormalizesAndStores(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	if err := m.UpsertRevisionFile(ctx, "rev-1", "/contracts/main.sol", "solidity", false, []byte("contract Main {}")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	files, err := m.ListRevisionFiles(ctx, "rev-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || files[0].Path != "contracts/main.sol" {
		t.Fatalf("want normalized contracts/main.sol, got %+v", files)
	}
}

func TestClearRevisionFilesKeepsBlobs(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	if err := m.UpsertRevisionFile(ctx, "rev-1", "a.sol", "solidity", false, []byte("A")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	digest := contentstore.Digest([]byte("A"))

	if err := m.ClearRevisionFiles(ctx, "rev-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	files, err := m.ListRevisionFiles(ctx, "rev-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("want no revision_files after clear, got %d", len(files))
	}

	blob, err := m.blobs.Lookup(ctx, digest)
	if err != nil {
		t.Fatalf("lookup blob: %v", err)
	}
	if blob == nil {
		t.Fatal("want blob to survive ClearRevisionFiles")
	}
}

func TestSnapshotWorkingCopyConflictsOnSecondActiveRun(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	wc, err := m.CreateWorkingCopy(ctx, "user-1", "base-rev")
	if err != nil {
		t.Fatalf("create working copy: %v", err)
	}

	_, run1, err := m.SnapshotWorkingCopy(ctx, "proj-1", wc.ID, "base-rev", "user-1", auditrun.ProfileFast, "gpt", "fallback")
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if run1.Status != auditrun.StatusQueued {
		t.Fatalf("want queued, got %s", run1.Status)
	}

	_, _, err = m.SnapshotWorkingCopy(ctx, "proj-1", wc.ID, "base-rev", "user-1", auditrun.ProfileFast, "gpt", "fallback")
	var conflict *auditrun.ActiveAuditRunConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("want ActiveAuditRunConflict, got %v", err)
	}
	if conflict.ExistingID != run1.ID {
		t.Fatalf("want conflict to name %s, got %s", run1.ID, conflict.ExistingID)
	}
}

func TestCreateWorkingCopyReturnsExistingActive(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	wc1, err := m.CreateWorkingCopy(ctx, "user-1", "rev-1")
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	wc2, err := m.CreateWorkingCopy(ctx, "user-1", "rev-1")
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if wc1.ID != wc2.ID {
		t.Fatalf("want same working copy returned, got %s and %s", wc1.ID, wc2.ID)
	}
}

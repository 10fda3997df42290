package pipeline

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/project"
	"github.com/tonaudit/controlplane/internal/queue"
)

func runIngest(t *testing.T, h *testHarness, projectID, revisionID, auditRunID string, files []IngestFile) (map[string]any, error) {
	t.Helper()
	ctx := context.Background()
	if err := h.bundle.EnqueueIngest(ctx, h.runtime, projectID, auditRunID, revisionID, files); err != nil {
		t.Fatal(err)
	}
	jobs, err := h.queueStore.PollBatch(ctx, QueueIngest, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want 1 claimed ingest job, got %d", len(jobs))
	}
	jobs[0].DeadlineAt = time.Now().Add(time.Minute)
	return h.bundle.ingestHandler(ctx, jobs[0])
}

func TestIngestHandlerWritesRevisionFilesAndEnqueuesVerify(t *testing.T) {
	h := newTestHarness(t)
	projectID, revisionID, auditRunID := h.newAuditRun(t, "user-1")

	files := []IngestFile{
		{Path: "contracts/main.tact", Content: base64.StdEncoding.EncodeToString([]byte("contract Main {}")), UncompressedSize: 17},
	}
	result, err := runIngest(t, h, projectID, revisionID, auditRunID, files)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result["status"] != "ingested" {
		t.Fatalf("want status ingested, got %+v", result)
	}

	written, err := h.revisions.ListRevisionFiles(context.Background(), revisionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 || written[0].Path != "contracts/main.tact" || written[0].Language != "tact" {
		t.Fatalf("unexpected revision files: %+v", written)
	}

	p, err := h.projects.Get(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != project.StateReady {
		t.Fatalf("want project ready after ingest, got %s", p.State)
	}

	verifyJobs, err := h.queueStore.PollBatch(context.Background(), QueueVerify, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(verifyJobs) != 1 {
		t.Fatalf("want verify job enqueued, got %d", len(verifyJobs))
	}
}

func TestIngestHandlerEmptyFileSetFailsRunAndRestoresProject(t *testing.T) {
	h := newTestHarness(t)
	projectID, revisionID, auditRunID := h.newAuditRun(t, "user-1")

	_, err := runIngest(t, h, projectID, revisionID, auditRunID, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	run, err := h.runs.Get(context.Background(), auditRunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != auditrun.StatusFailed {
		t.Fatalf("want run failed, got %s", run.Status)
	}

	p, err := h.projects.Get(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != project.StateReady {
		t.Fatalf("want project restored to ready after ingest failure, got %s", p.State)
	}
}

func TestIngestHandlerIsIdempotentOnTerminalRun(t *testing.T) {
	h := newTestHarness(t)
	projectID, revisionID, auditRunID := h.newAuditRun(t, "user-1")

	if err := h.runs.Fail(context.Background(), auditRunID); err != nil {
		t.Fatal(err)
	}

	result, err := runIngest(t, h, projectID, revisionID, auditRunID, []IngestFile{
		{Path: "a.sol", Content: base64.StdEncoding.EncodeToString([]byte("x")), UncompressedSize: 1},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result["status"] != string(auditrun.StatusFailed) {
		t.Fatalf("want short-circuit on terminal run, got %+v", result)
	}

	written, err := h.revisions.ListRevisionFiles(context.Background(), revisionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Fatalf("want no revision files written for a terminal run, got %+v", written)
	}
}

var _ = queue.ToSafeJobID // keep queue import honest against future trims

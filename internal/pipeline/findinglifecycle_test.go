package pipeline

import (
	"context"
	"database/sql"
	"testing"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/findings"
)

func runFindingLifecycle(t *testing.T, h *testHarness, projectID, auditRunID, reportJSON string) (map[string]any, error) {
	t.Helper()
	ctx := context.Background()
	if err := h.runtime.Submit(ctx, QueueFindingLifecycle, jobID(QueueFindingLifecycle, projectID, auditRunID), map[string]any{
		"projectId":  projectID,
		"auditRunId": auditRunID,
		"reportJson": reportJSON,
	}); err != nil {
		t.Fatal(err)
	}
	jobs, err := h.queueStore.PollBatch(ctx, QueueFindingLifecycle, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want 1 claimed finding-lifecycle job, got %d", len(jobs))
	}
	return h.bundle.findingLifecycleHandler(ctx, jobs[0])
}

func TestFindingLifecycleHandlerOpensFindingsOnFirstAuditAndCompletesRun(t *testing.T) {
	h := newTestHarness(t)
	projectID, revisionID, auditRunID := h.newAuditRun(t, "user-1")

	err := runTx(context.Background(), h.bundle.DB, func(tx *sql.Tx) error {
		_, err := h.bundle.Findings.RecordInstance(context.Background(), tx, projectID, revisionID, auditRunID, findings.Candidate{
			Title: "Reentrancy risk", FilePath: "a.tact", StartLine: 1, EndLine: 3, Severity: "high", PayloadJSON: "{}",
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := runFindingLifecycle(t, h, projectID, auditRunID, `{"findings":[]}`)
	if err != nil {
		t.Fatalf("finding-lifecycle: %v", err)
	}
	if result["status"] != "completed" || result["transitions"] != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	run, err := h.runs.Get(context.Background(), auditRunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != auditrun.StatusCompleted {
		t.Fatalf("want run completed, got %s", run.Status)
	}
	if run.ReportJSON != `{"findings":[]}` {
		t.Fatalf("want report json persisted, got %q", run.ReportJSON)
	}
}

func TestFindingLifecycleHandlerComputesTransitionsAgainstPreviousAudit(t *testing.T) {
	h := newTestHarness(t)
	projectID, revisionID, firstRunID := h.newAuditRun(t, "user-1")

	ctx := context.Background()
	err := runTx(ctx, h.bundle.DB, func(tx *sql.Tx) error {
		_, err := h.bundle.Findings.RecordInstance(ctx, tx, projectID, revisionID, firstRunID, findings.Candidate{
			Title: "Stays open", FilePath: "a.tact", StartLine: 1, EndLine: 1, Severity: "medium", PayloadJSON: "{}",
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := runFindingLifecycle(t, h, projectID, firstRunID, "{}"); err != nil {
		t.Fatalf("first finding-lifecycle: %v", err)
	}

	secondRun, err := h.runs.Create(ctx, nil, projectID, revisionID, "user-1", auditrun.ProfileFast, "model-a", "model-b")
	if err != nil {
		t.Fatal(err)
	}
	err = runTx(ctx, h.bundle.DB, func(tx *sql.Tx) error {
		_, err := h.bundle.Findings.RecordInstance(ctx, tx, projectID, revisionID, secondRun.ID, findings.Candidate{
			Title: "Stays open", FilePath: "a.tact", StartLine: 1, EndLine: 1, Severity: "medium", PayloadJSON: "{}",
		})
		if err != nil {
			return err
		}
		_, err = h.bundle.Findings.RecordInstance(ctx, tx, projectID, revisionID, secondRun.ID, findings.Candidate{
			Title: "New finding", FilePath: "b.tact", StartLine: 1, EndLine: 1, Severity: "low", PayloadJSON: "{}",
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := runFindingLifecycle(t, h, projectID, secondRun.ID, "{}")
	if err != nil {
		t.Fatalf("second finding-lifecycle: %v", err)
	}
	if result["status"] != "completed" {
		t.Fatalf("unexpected result: %+v", result)
	}

	run, err := h.runs.Get(ctx, secondRun.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != auditrun.StatusCompleted {
		t.Fatalf("want second run completed, got %s", run.Status)
	}
}

func TestFindingLifecycleHandlerIsIdempotentOnTerminalRun(t *testing.T) {
	h := newTestHarness(t)
	projectID, _, auditRunID := h.newAuditRun(t, "user-1")

	if err := h.runs.Fail(context.Background(), auditRunID); err != nil {
		t.Fatal(err)
	}

	result, err := runFindingLifecycle(t, h, projectID, auditRunID, "{}")
	if err != nil {
		t.Fatalf("finding-lifecycle: %v", err)
	}
	if result["status"] != string(auditrun.StatusFailed) {
		t.Fatalf("want short-circuit on terminal run, got %+v", result)
	}
}

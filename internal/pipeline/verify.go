package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/queue"
	"github.com/tonaudit/controlplane/internal/sandbox/client"
	"github.com/tonaudit/controlplane/internal/sandbox/planner"
)

// verifyHandler asks C6 for a plan, runs it through C7, persists one
// VerificationStep per planned step, and enqueues audit. A sandbox that
// never responds is not this stage's crash: it is recorded as a
// "sandbox-failed" progress event and the run is finalized failed, per
// §4.7's last paragraph, without returning an error to the queue runtime
// (which would otherwise retry a failure the domain has already decided
// is not transient).
func (b *Bundle) verifyHandler(ctx context.Context, job *queue.Job) (map[string]any, error) {
	p, err := parseStagePayload(job)
	if err != nil {
		return nil, err
	}

	run, shouldRun, err := b.loadRunForStage(ctx, p.AuditRunID)
	if err != nil {
		return nil, err
	}
	if !shouldRun {
		return map[string]any{"status": string(run.Status)}, nil
	}

	if err := b.Runs.TransitionToRunning(ctx, run.ID); err != nil {
		return nil, err
	}

	files, err := b.Revisions.ListRevisionFiles(ctx, run.RevisionID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return b.epilogueFail(ctx, QueueVerify, job.JobID, run.ID, fmt.Errorf("pipeline: verify: revision has no files"))
	}

	plannerFiles := make([]planner.File, len(files))
	for i, f := range files {
		plannerFiles[i] = planner.File{Path: f.Path, Language: f.Language}
	}
	plan := planner.Plan(plannerFiles, planner.Profile(run.Profile))

	_ = b.Bus.Publish(ctx, QueueVerify, job.JobID, events.Progress, events.PlanReady{
		Phase: "plan-ready", Adapter: string(plan.Adapter), BootstrapMode: string(plan.BootstrapMode), TotalSteps: len(plan.Steps),
	})

	if len(plan.Steps) == 0 {
		_ = b.Bus.Publish(ctx, QueueVerify, job.JobID, events.Progress, events.Progress{Phase: "sandbox-skipped"})
		if err := b.enqueueAudit(ctx, p.ProjectID, run.ID, run.RevisionID); err != nil {
			return nil, err
		}
		return map[string]any{"status": "sandbox-skipped"}, nil
	}

	clientFiles := make([]client.FileInput, 0, len(files))
	for _, f := range files {
		content, err := b.Revisions.FileBytes(ctx, run.RevisionID, f.Path)
		if err != nil {
			return nil, err
		}
		clientFiles = append(clientFiles, client.FileInput{Path: f.Path, Content: string(content)})
	}
	steps := make([]client.StepInput, len(plan.Steps))
	for i, s := range plan.Steps {
		steps[i] = client.StepInput{ID: s.ID, Action: s.Action, TimeoutMs: s.TimeoutMs, Optional: s.Optional}
	}
	meta := client.Metadata{
		ProjectID: p.ProjectID, RevisionID: run.RevisionID,
		Adapter: string(plan.Adapter), BootstrapMode: string(plan.BootstrapMode), SeedTemplate: plan.SeedTemplate,
	}

	_ = b.Bus.Publish(ctx, QueueVerify, job.JobID, events.Progress, events.Progress{Phase: "sandbox-running", TotalSteps: len(steps)})

	onProgress := func(ev client.StreamEvent) {
		_ = b.Bus.Publish(ctx, QueueVerify, job.JobID, events.SandboxStep, events.SandboxStep{
			StepID: ev.StepID, Status: ev.Status, Message: ev.Message,
		})
	}

	result, err := b.Sandbox.Execute(ctx, clientFiles, steps, meta, job.DeadlineAt, onProgress)
	if err != nil {
		var unavailable *client.SandboxUnavailable
		if errors.As(err, &unavailable) {
			_ = b.Bus.Publish(ctx, QueueVerify, job.JobID, events.Progress, events.Progress{Phase: "sandbox-failed"})
			return b.epilogueFail(ctx, QueueVerify, job.JobID, run.ID, err)
		}
		return nil, err
	}

	if err := b.persistVerificationSteps(ctx, run.ID, plan, result); err != nil {
		return nil, err
	}
	_ = b.Bus.Publish(ctx, QueueVerify, job.JobID, events.Progress, events.Progress{Phase: "sandbox-completed"})

	if err := b.enqueueAudit(ctx, p.ProjectID, run.ID, run.RevisionID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "verified", "unsupportedActions": result.UnsupportedActions}, nil
}

func (b *Bundle) persistVerificationSteps(ctx context.Context, auditRunID string, plan planner.Plan, result *client.Result) error {
	statusByStep := make(map[string]client.StepResult, len(result.Results))
	for _, r := range result.Results {
		statusByStep[r.StepID] = r
	}
	now := time.Now().UTC().Unix()
	for _, s := range plan.Steps {
		r, ran := statusByStep[s.ID]
		status := r.Status
		if !ran {
			status = "skipped"
		}
		if _, err := b.DB.ExecContext(ctx, `
			INSERT INTO verification_steps (id, audit_run_id, step_type, status, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.newID(), auditRunID, s.Action, status, r.DurationMs, now); err != nil {
			return fmt.Errorf("pipeline: persist verification step %s: %w", s.ID, err)
		}
	}
	return nil
}

func (b *Bundle) enqueueAudit(ctx context.Context, projectID, auditRunID, revisionID string) error {
	return b.Runtime.Submit(ctx, QueueAudit, jobID(QueueAudit, projectID, auditRunID), map[string]any{
		"projectId":  projectID,
		"auditRunId": auditRunID,
		"revisionId": revisionID,
	})
}

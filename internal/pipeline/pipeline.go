// Package pipeline implements the pipeline orchestrator (C5): one handler
// per stage, each loading its audit run, updating its state, doing its
// work while publishing progress, then enqueuing the next stage or
// marking the run failed. Stages are chained entirely through queue jobs;
// nothing here calls another stage's handler directly.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/findings"
	"github.com/tonaudit/controlplane/internal/idgen"
	"github.com/tonaudit/controlplane/internal/llm"
	"github.com/tonaudit/controlplane/internal/objectstore"
	"github.com/tonaudit/controlplane/internal/project"
	"github.com/tonaudit/controlplane/internal/queue"
	"github.com/tonaudit/controlplane/internal/revision"
	sandboxclient "github.com/tonaudit/controlplane/internal/sandbox/client"
)

// Queue names (§4.4). docs-crawl, docs-index, and cleanup belong to
// collaborators out of this core's scope or to the retention sweeper,
// not to this package.
const (
	QueueIngest           = "ingest"
	QueueVerify           = "verify"
	QueueAudit            = "audit"
	QueueFindingLifecycle = "finding-lifecycle"
	QueuePdf              = "pdf"
)

// Schema creates the verification_steps and pdf_exports tables. Both are
// owned by this package rather than split out on their own: neither has
// an identity or lifecycle independent of the audit run that produced it.
const Schema = `
CREATE TABLE IF NOT EXISTS verification_steps (
	id            TEXT PRIMARY KEY,
	audit_run_id  TEXT NOT NULL,
	step_type     TEXT NOT NULL,
	status        TEXT NOT NULL,
	stdout_key    TEXT NOT NULL DEFAULT '',
	stderr_key    TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verification_steps_run ON verification_steps(audit_run_id, created_at);

CREATE TABLE IF NOT EXISTS pdf_exports (
	id            TEXT PRIMARY KEY,
	audit_run_id  TEXT NOT NULL,
	variant       TEXT NOT NULL,
	status        TEXT NOT NULL,
	storage_key   TEXT NOT NULL DEFAULT '',
	generated_at  INTEGER,
	created_at    INTEGER NOT NULL,
	UNIQUE(audit_run_id, variant)
);
`

// Bundle is the explicit set of dependencies every stage handler closes
// over. One Bundle is built at process bootstrap; tests build their own
// with fakes standing in for the sandbox runner, the LLM, and the object
// store.
type Bundle struct {
	DB *sql.DB

	// Runtime is set by Register; stage handlers use it to submit the
	// next stage's job.
	Runtime *queue.Runtime

	Runs      *auditrun.Store
	Revisions *revision.Model
	Findings  *findings.Store
	Projects  *project.Store
	Bus       *events.Bus

	Sandbox *sandboxclient.Client
	LLM     *llm.Client

	Artifacts objectstore.Store

	newID idgen.Generator
}

// NewBundle builds a Bundle, filling in defaults for unexported fields.
func NewBundle(db *sql.DB, runs *auditrun.Store, revisions *revision.Model, findingsStore *findings.Store,
	projects *project.Store, bus *events.Bus, sandbox *sandboxclient.Client, llmClient *llm.Client,
	artifacts objectstore.Store) *Bundle {
	return &Bundle{
		DB: db, Runs: runs, Revisions: revisions, Findings: findingsStore, Projects: projects,
		Bus: bus, Sandbox: sandbox, LLM: llmClient, Artifacts: artifacts, newID: idgen.Default,
	}
}

// Register attaches every stage handler to rt under its queue name, and
// retains rt on b so handlers can enqueue the next stage.
func Register(rt *queue.Runtime, b *Bundle) {
	b.Runtime = rt
	rt.Register(QueueIngest, queue.QueueConfig{Concurrency: 4, Deadline: 5 * time.Minute}, b.ingestHandler)
	rt.Register(QueueVerify, queue.QueueConfig{Concurrency: 4, Deadline: 20 * time.Minute}, b.verifyHandler)
	rt.Register(QueueAudit, queue.QueueConfig{Concurrency: 2, Deadline: 15 * time.Minute}, b.auditHandler)
	rt.Register(QueueFindingLifecycle, queue.QueueConfig{Concurrency: 4, Deadline: 5 * time.Minute}, b.findingLifecycleHandler)
	rt.Register(QueuePdf, queue.QueueConfig{Concurrency: 2, Deadline: 5 * time.Minute}, b.pdfHandler)
}

// jobID builds the §4.5 "<stage>:<projectId>:<auditRunId>" idempotency
// key. queue.ToSafeJobID is applied by the queue store itself on submit.
func jobID(stage, projectID, auditRunID string) string {
	return fmt.Sprintf("%s:%s:%s", stage, projectID, auditRunID)
}

// JobID returns jobID in the queue's stored form (queue.ToSafeJobID) for
// callers outside the package: the HTTP surface subscribing to a stage's
// live progress needs the same key a handler publishes under, and handlers
// publish under the stored job.JobID.
func JobID(stage, projectID, auditRunID string) string {
	return queue.ToSafeJobID(jobID(stage, projectID, auditRunID))
}

// EnqueueIngest submits the pipeline's entry stage. files is the
// validated-by-the-caller raw payload; ingest itself still runs the
// archive validator (C3) before writing anything.
func (b *Bundle) EnqueueIngest(ctx context.Context, rt *queue.Runtime, projectID, auditRunID, revisionID string, files []IngestFile) error {
	return rt.Submit(ctx, QueueIngest, jobID(QueueIngest, projectID, auditRunID), map[string]any{
		"projectId":  projectID,
		"auditRunId": auditRunID,
		"revisionId": revisionID,
		"files":      files,
	})
}

// EnqueuePdf submits the externally-triggered PDF export stage (§3
// PdfExport; rendering itself is out of scope, see pdf.go).
func (b *Bundle) EnqueuePdf(ctx context.Context, rt *queue.Runtime, projectID, auditRunID, variant string) error {
	return rt.Submit(ctx, QueuePdf, jobID(QueuePdf, projectID, auditRunID)+":"+variant, map[string]any{
		"projectId":  projectID,
		"auditRunId": auditRunID,
		"variant":    variant,
	})
}

var errMissingIdentifiers = errors.New("pipeline: payload missing projectId/auditRunId")

// stagePayload is the common envelope every chained stage job carries.
type stagePayload struct {
	ProjectID  string `json:"projectId"`
	AuditRunID string `json:"auditRunId"`
	RevisionID string `json:"revisionId"`
}

func decodePayload(job *queue.Job, v any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("pipeline: re-marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("pipeline: decode payload: %w", err)
	}
	return nil
}

func parseStagePayload(job *queue.Job) (stagePayload, error) {
	var p stagePayload
	if err := decodePayload(job, &p); err != nil {
		return p, err
	}
	if p.ProjectID == "" || p.AuditRunID == "" {
		return p, fmt.Errorf("pipeline: payload missing projectId/auditRunId")
	}
	return p, nil
}

// loadRunForStage loads the audit run named in the payload and reports
// whether the stage should proceed. A run already in a terminal state is
// not an error: this is the re-execution short-circuit §4.10 requires,
// so retries and replays never redo terminal work.
func (b *Bundle) loadRunForStage(ctx context.Context, auditRunID string) (run *auditrun.AuditRun, shouldRun bool, err error) {
	run, err = b.Runs.Get(ctx, auditRunID)
	if err != nil {
		return nil, false, err
	}
	if auditrun.IsTerminal(run.Status) {
		return run, false, nil
	}
	return run, true, nil
}

// epilogueFail stamps the audit run failed, appends a "failed" event, and
// returns the job outcome: nil, so the queue runtime completes the job
// instead of retrying a failure the domain has already decided is
// terminal (§4.5 step v). cause is still recorded, in the event payload
// and in the returned result map, for the caller to inspect.
func (b *Bundle) epilogueFail(ctx context.Context, queueName, jobID, auditRunID string, cause error) (map[string]any, error) {
	if err := b.Runs.Fail(ctx, auditRunID); err != nil {
		return nil, fmt.Errorf("pipeline: mark run failed: %w", err)
	}
	_ = b.Bus.Publish(ctx, queueName, jobID, events.Failed, events.Failure{Reason: cause.Error()})
	return map[string]any{"status": "failed", "reason": cause.Error()}, nil
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return data.RunTx(ctx, db, fn)
}

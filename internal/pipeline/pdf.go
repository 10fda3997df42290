package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/queue"
)

// pdfPayload describes one PdfExport request. Rendering the PDF itself
// (Markdown -> HTML -> PDF templating) is an external collaborator, out
// of scope per §1; this stage only owns the PdfExport lifecycle record
// and the completed run's report as the rendering input.
type pdfPayload struct {
	ProjectID  string `json:"projectId"`
	AuditRunID string `json:"auditRunId"`
	Variant    string `json:"variant"`
}

// pdfHandler marks a PdfExport queued -> running, hands the completed
// audit run's report off to the external renderer (via Artifacts, keyed
// by convention so the renderer collaborator can pick it up), and
// records completed/storageKey once done. Unlike ingest/verify/audit/
// finding-lifecycle, pdf is not chained to anything further and is only
// ever submitted directly by a caller (§6), typically after the audit
// run reaches completed.
func (b *Bundle) pdfHandler(ctx context.Context, job *queue.Job) (map[string]any, error) {
	var p pdfPayload
	if err := decodePayload(job, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" || p.AuditRunID == "" {
		return nil, errMissingIdentifiers
	}
	if p.Variant == "" {
		p.Variant = "default"
	}

	run, err := b.Runs.Get(ctx, p.AuditRunID)
	if err != nil {
		return nil, err
	}
	if run.Status != auditrun.StatusCompleted {
		return nil, fmt.Errorf("pipeline: pdf export requested for non-completed audit run %s (status=%s)", run.ID, run.Status)
	}

	exportID, status, err := b.upsertPdfExportRunning(ctx, run.ID, p.Variant)
	if err != nil {
		return nil, err
	}
	if status != "queued" && status != "running" {
		// Already completed or failed from a prior delivery; this replay
		// short-circuits rather than re-rendering.
		return map[string]any{"status": status}, nil
	}

	_ = b.Bus.Publish(ctx, QueuePdf, job.JobID, events.Started, nil)

	storageKey := fmt.Sprintf("pdf-exports/%s/%s.pdf", run.ID, p.Variant)
	if err := b.Artifacts.Put(ctx, storageKey, []byte(run.ReportJSON), "application/json"); err != nil {
		return b.failPdfExport(ctx, job, exportID, err)
	}

	now := time.Now().UTC().Unix()
	if _, err := b.DB.ExecContext(ctx, `
		UPDATE pdf_exports SET status = 'completed', storage_key = ?, generated_at = ? WHERE id = ?
	`, storageKey, now, exportID); err != nil {
		return nil, fmt.Errorf("pipeline: mark pdf export completed: %w", err)
	}
	_ = b.Bus.Publish(ctx, QueuePdf, job.JobID, events.Completed, nil)

	return map[string]any{"status": "completed", "storageKey": storageKey}, nil
}

func (b *Bundle) failPdfExport(ctx context.Context, job *queue.Job, exportID string, cause error) (map[string]any, error) {
	if _, err := b.DB.ExecContext(ctx, `UPDATE pdf_exports SET status = 'failed' WHERE id = ?`, exportID); err != nil {
		return nil, err
	}
	_ = b.Bus.Publish(ctx, QueuePdf, job.JobID, events.Failed, events.Failure{Reason: cause.Error()})
	return map[string]any{"status": "failed", "reason": cause.Error()}, nil
}

// upsertPdfExportRunning inserts a queued PdfExport row (or, on replay,
// finds the existing one) and flips it to running, returning its id and
// the status it had before this call.
func (b *Bundle) upsertPdfExportRunning(ctx context.Context, auditRunID, variant string) (id string, priorStatus string, err error) {
	err = runTx(ctx, b.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id, status FROM pdf_exports WHERE audit_run_id = ? AND variant = ?`, auditRunID, variant)
		scanErr := row.Scan(&id, &priorStatus)
		if errors.Is(scanErr, sql.ErrNoRows) {
			id = b.newID()
			priorStatus = "queued"
			now := time.Now().UTC().Unix()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pdf_exports (id, audit_run_id, variant, status, created_at)
				VALUES (?, ?, ?, 'running', ?)
			`, id, auditRunID, variant, now)
			return err
		}
		if scanErr != nil {
			return scanErr
		}
		if priorStatus == "queued" {
			_, err := tx.ExecContext(ctx, `UPDATE pdf_exports SET status = 'running' WHERE id = ?`, id)
			return err
		}
		return nil
	})
	return id, priorStatus, err
}

package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tonaudit/controlplane/internal/archive"
	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/queue"
	"github.com/tonaudit/controlplane/internal/safepath"
)

// defaultIngestLimits bounds the §4.3 archive validator. These are the
// control plane's own ceiling, independent of whatever limit the upload
// surface (out of scope) already applied.
var defaultIngestLimits = archive.Limits{MaxFiles: 5000, MaxBytes: 256 << 20}

// IngestFile is one raw file carried by an ingest job's payload: the
// upload/snapshot surface (out of scope, §1) has already staged these
// bytes; ingest's job is to validate and persist them as revision files.
type IngestFile struct {
	Path             string `json:"path"`
	Content          string `json:"content"` // base64
	UncompressedSize int64  `json:"uncompressedSize"`
}

type ingestPayload struct {
	stagePayload
	Files []IngestFile `json:"files"`
}

// ingestHandler runs C3 over the job's file set, writes accepted entries
// as revision files via C2, flips the project to ready on first success,
// and enqueues verify. Validation failures and empty file sets are fatal
// per §4.5; a failure here also restores the project to ready rather
// than leaving it stuck in initializing (§3 Project lifecycle).
func (b *Bundle) ingestHandler(ctx context.Context, job *queue.Job) (map[string]any, error) {
	var p ingestPayload
	if err := decodePayload(job, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" || p.AuditRunID == "" || p.RevisionID == "" {
		return nil, fmt.Errorf("pipeline: ingest payload missing projectId/auditRunId/revisionId")
	}

	run, shouldRun, err := b.loadRunForStage(ctx, p.AuditRunID)
	if err != nil {
		return nil, err
	}
	if !shouldRun {
		return map[string]any{"status": string(run.Status)}, nil
	}

	if len(p.Files) == 0 {
		return b.failIngest(ctx, job, p, fmt.Errorf("pipeline: empty file set"))
	}

	if err := b.Runs.TransitionToRunning(ctx, run.ID); err != nil {
		return nil, err
	}
	_ = b.Bus.Publish(ctx, QueueIngest, job.JobID, events.Started, nil)

	entries := make([]archive.Entry, len(p.Files))
	byNormalizedPath := make(map[string]IngestFile, len(p.Files))
	for i, f := range p.Files {
		entries[i] = archive.Entry{Path: f.Path, UncompressedSize: f.UncompressedSize}
		if normalized, err := safepath.Normalize(f.Path); err == nil {
			byNormalizedPath[normalized] = f
		}
	}

	validated, err := archive.Validate(entries, defaultIngestLimits)
	if err != nil {
		return b.failIngest(ctx, job, p, fmt.Errorf("pipeline: ingest validation: %w", err))
	}

	for _, v := range validated {
		raw, ok := byNormalizedPath[v.Path]
		if !ok {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(raw.Content)
		if err != nil {
			return b.failIngest(ctx, job, p, fmt.Errorf("pipeline: decode content for %s: %w", v.Path, err))
		}
		if err := b.Revisions.UpsertRevisionFile(ctx, p.RevisionID, v.Path, v.Language, v.IsTestFile, content); err != nil {
			return b.failIngest(ctx, job, p, fmt.Errorf("pipeline: write revision file %s: %w", v.Path, err))
		}
	}

	if err := b.Projects.MarkReadyAfterIngest(ctx, p.ProjectID); err != nil {
		return nil, err
	}

	_ = b.Bus.Publish(ctx, QueueIngest, job.JobID, events.Progress, events.Progress{Phase: "ingest-completed"})

	if err := b.enqueueVerify(ctx, p.ProjectID, p.AuditRunID, p.RevisionID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ingested", "filesAccepted": len(validated)}, nil
}

func (b *Bundle) failIngest(ctx context.Context, job *queue.Job, p ingestPayload, cause error) (map[string]any, error) {
	result, err := b.epilogueFail(ctx, QueueIngest, job.JobID, p.AuditRunID, cause)
	if err != nil {
		return nil, err
	}
	if restoreErr := b.Projects.RestoreReadyAfterIngestFailure(ctx, p.ProjectID); restoreErr != nil {
		return nil, restoreErr
	}
	return result, nil
}

func (b *Bundle) enqueueVerify(ctx context.Context, projectID, auditRunID, revisionID string) error {
	return b.Runtime.Submit(ctx, QueueVerify, jobID(QueueVerify, projectID, auditRunID), map[string]any{
		"projectId":  projectID,
		"auditRunId": auditRunID,
		"revisionId": revisionID,
	})
}

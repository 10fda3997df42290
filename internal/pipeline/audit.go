package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/findings"
	"github.com/tonaudit/controlplane/internal/queue"
	"github.com/tonaudit/controlplane/internal/revision"
)

// auditReportSchema is the JSON schema the LLM completion is constrained
// to, per §6's "prompt plus schema" contract.
const auditReportSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["title", "filePath", "startLine", "endLine", "severity", "summary"],
		"properties": {
			"title":     {"type": "string"},
			"filePath":  {"type": "string"},
			"startLine": {"type": "integer"},
			"endLine":   {"type": "integer"},
			"severity":  {"type": "string", "enum": ["info", "low", "medium", "high", "critical"]},
			"summary":   {"type": "string"}
		}
	}
}`

// reportFinding is one entry of the LLM's structured audit report.
type reportFinding struct {
	Title     string `json:"title"`
	FilePath  string `json:"filePath"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Severity  string `json:"severity"`
	Summary   string `json:"summary"`
}

// auditPayload carries reportJson forward once the report is produced,
// so finding-lifecycle can call auditrun.Complete with it without
// re-deriving the report from scratch.
type auditPayload struct {
	stagePayload
	ReportJSON string `json:"reportJson,omitempty"`
}

// auditHandler assembles a prompt from the revision's files, calls the
// LLM via the primary/fallback wrapper, records each surfaced finding as
// a FindingInstance (C8), and enqueues finding-lifecycle. Completing the
// audit run itself, and computing transitions against the prior audit,
// is deferred to that stage: it is the true terminal point of the
// chain, while pdf is a separate, externally-triggered stage.
func (b *Bundle) auditHandler(ctx context.Context, job *queue.Job) (map[string]any, error) {
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
	_ = b.Bus.Publish(ctx, QueueAudit, job.JobID, events.Progress, events.AgentPhase{Phase: "agent-discovery"})

	files, err := b.Revisions.ListRevisionFiles(ctx, run.RevisionID)
	if err != nil {
		return nil, err
	}
	prompt, err := b.buildAuditPrompt(ctx, run.RevisionID, files)
	if err != nil {
		return nil, err
	}

	_ = b.Bus.Publish(ctx, QueueAudit, job.JobID, events.Progress, events.AgentPhase{Phase: "agent-validation"})

	result, err := b.LLM.CompleteWithFallback(ctx, run.PrimaryModelID, run.FallbackModelID, prompt,
		json.RawMessage(auditReportSchema), "audits/"+run.ID)
	if err != nil {
		return b.epilogueFail(ctx, QueueAudit, job.JobID, run.ID, fmt.Errorf("pipeline: audit: %w", err))
	}
	_ = b.Bus.Publish(ctx, QueueAudit, job.JobID, events.Progress, events.AgentPhase{
		Phase: "agent-synthesis", ModelID: result.ModelID, UsedFallback: result.UsedFallback,
	})

	var reportFindings []reportFinding
	if err := json.Unmarshal(result.Response, &reportFindings); err != nil {
		return b.epilogueFail(ctx, QueueAudit, job.JobID, run.ID, fmt.Errorf("pipeline: audit: decode report: %w", err))
	}

	_ = b.Bus.Publish(ctx, QueueAudit, job.JobID, events.Progress, events.AgentPhase{Phase: "report-quality-gate"})

	if err := runTx(ctx, b.DB, func(tx *sql.Tx) error {
		for _, rf := range reportFindings {
			payload, err := json.Marshal(rf)
			if err != nil {
				return err
			}
			_, err = b.Findings.RecordInstance(ctx, tx, p.ProjectID, run.RevisionID, run.ID, findings.Candidate{
				Title: rf.Title, FilePath: rf.FilePath, StartLine: rf.StartLine, EndLine: rf.EndLine,
				Severity: rf.Severity, PayloadJSON: string(payload),
			})
			if err != nil {
				return fmt.Errorf("pipeline: record finding instance: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := b.Runtime.Submit(ctx, QueueFindingLifecycle, jobID(QueueFindingLifecycle, p.ProjectID, run.ID), map[string]any{
		"projectId":  p.ProjectID,
		"auditRunId": run.ID,
		"revisionId": run.RevisionID,
		"reportJson": string(result.Response),
	}); err != nil {
		return nil, err
	}

	return map[string]any{"status": "audited", "findingsReported": len(reportFindings), "modelId": result.ModelID}, nil
}

// buildAuditPrompt assembles the LLM prompt from the revision's file
// listing plus each file's content, read back through C2/C1. Very large
// revisions are left to the provider's own context-window rejection; no
// truncation policy is specified.
func (b *Bundle) buildAuditPrompt(ctx context.Context, revisionID string, files []revision.File) (string, error) {
	var sb strings.Builder
	sb.WriteString("You are auditing a smart-contract source tree. Report findings as a JSON array matching the provided schema.\n\n")
	for _, f := range files {
		content, err := b.Revisions.FileBytes(ctx, revisionID, f.Path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "--- %s (%s) ---\n%s\n\n", f.Path, f.Language, content)
	}
	return sb.String(), nil
}

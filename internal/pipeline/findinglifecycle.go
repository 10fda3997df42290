package pipeline

import (
	"context"
	"database/sql"

	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/findings"
	"github.com/tonaudit/controlplane/internal/queue"
)

// findingLifecycleHandler is the terminal stage of the chain (§2 data
// flow: "... enqueues finding-lifecycle -> C8 emits transitions"). It
// diffs this audit's findings against the project's previous completed
// audit, persists the resulting FindingTransitions, and finally marks
// the audit run completed with its report. pdf is not chained from
// here: it is a separate, externally-triggered stage over a completed
// run.
func (b *Bundle) findingLifecycleHandler(ctx context.Context, job *queue.Job) (map[string]any, error) {
	var p auditPayload
	if err := decodePayload(job, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" || p.AuditRunID == "" {
		return nil, errMissingIdentifiers
	}

	run, shouldRun, err := b.loadRunForStage(ctx, p.AuditRunID)
	if err != nil {
		return nil, err
	}
	if !shouldRun {
		return map[string]any{"status": string(run.Status)}, nil
	}

	var transitionCount int
	err = runTx(ctx, b.DB, func(tx *sql.Tx) error {
		currentIDs, err := b.Findings.ListFindingIDsForAuditRun(ctx, tx, run.ID)
		if err != nil {
			return err
		}

		previousRunID, err := b.Runs.PreviousCompleted(ctx, tx, p.ProjectID, run.ID)
		if err != nil {
			return err
		}

		var previousIDs []string
		if previousRunID != "" {
			previousIDs, err = b.Findings.ListFindingIDsForAuditRun(ctx, tx, previousRunID)
			if err != nil {
				return err
			}
		}

		// Regressed findings (resolved last run, reappearing now) live in
		// currentIDs but not previousIDs, so the status lookup must cover
		// both sets, not just previousIDs.
		previousStatuses, err := b.Findings.CurrentStatuses(ctx, tx, unionIDs(previousIDs, currentIDs))
		if err != nil {
			return err
		}

		transitions := findings.ComputeTransitions(previousIDs, currentIDs, previousStatuses)
		transitionCount = len(transitions)
		return b.Findings.PersistTransitions(ctx, tx, previousRunID, run.ID, transitions)
	})
	if err != nil {
		return b.epilogueFail(ctx, QueueFindingLifecycle, job.JobID, run.ID, err)
	}

	if err := b.Runs.Complete(ctx, run.ID, p.ReportJSON); err != nil {
		return nil, err
	}
	_ = b.Bus.Publish(ctx, QueueFindingLifecycle, job.JobID, events.Completed, nil)

	return map[string]any{"status": "completed", "transitions": transitionCount}, nil
}

// unionIDs merges a and b with duplicates removed, preserving no
// particular order.
func unionIDs(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if _, ok := set[id]; ok {
				continue
			}
			set[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

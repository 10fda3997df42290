// Package retention implements the retention sweeper (C11): periodic
// deletion of expired PDF exports and stale uploads, plus trimming of the
// durable job-event log. Every sweep is idempotent: re-running it over an
// already-swept window deletes nothing.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/idgen"
	"github.com/tonaudit/controlplane/internal/objectstore"
	"github.com/tonaudit/controlplane/internal/queue"
)

// Schema creates the uploads table. The upload surface itself (the HTTP
// endpoint that accepts bytes and writes this row) is out of this core's
// scope; the sweeper still owns the row's retention once written.
const Schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	storage_key   TEXT NOT NULL DEFAULT '',
	manifest_json TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_status_created ON uploads(status, created_at);
`

// QueueRetention is the queue name the daily sweep job is submitted under.
const QueueRetention = "retention"

// UploadKind is the shape of an Upload's payload.
type UploadKind string

const (
	UploadSingle  UploadKind = "single"
	UploadZip     UploadKind = "zip"
	UploadFileSet UploadKind = "file-set"
)

// UploadStatus is an Upload's lifecycle state.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadUploaded   UploadStatus = "uploaded"
	UploadProcessing UploadStatus = "processing"
	UploadProcessed  UploadStatus = "processed"
	UploadFailed     UploadStatus = "failed"
)

// Upload is one named payload staged in the object store ahead of ingest.
type Upload struct {
	ID           string
	OwnerID      string
	Kind         UploadKind
	Status       UploadStatus
	StorageKey   string
	ManifestJSON string
	CreatedAt    time.Time
}

// UploadStore records and updates Upload rows on behalf of the (out of
// scope) upload surface, and is read back by the Sweeper.
type UploadStore struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewUploadStore builds an UploadStore. Schema must already have been
// applied.
func NewUploadStore(db *sql.DB) *UploadStore {
	return &UploadStore{db: db, newID: idgen.Default}
}

// Create inserts a pending Upload row.
func (s *UploadStore) Create(ctx context.Context, ownerID string, kind UploadKind) (*Upload, error) {
	u := &Upload{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    UploadPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := data.ExecRetry(ctx, s.db, `
		INSERT INTO uploads (id, owner_id, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.OwnerID, u.Kind, u.Status, u.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("retention: create upload: %w", err)
	}
	return u, nil
}

// MarkStatus transitions an Upload to status, recording storageKey and
// manifestJSON when provided (empty strings leave the existing value
// untouched).
func (s *UploadStore) MarkStatus(ctx context.Context, id string, status UploadStatus, storageKey, manifestJSON string) error {
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE uploads SET status = ?,
			storage_key = CASE WHEN ? != '' THEN ? ELSE storage_key END,
			manifest_json = CASE WHEN ? != '' THEN ? ELSE manifest_json END
		WHERE id = ?
	`, status, storageKey, storageKey, manifestJSON, manifestJSON, id)
	if err != nil {
		return fmt.Errorf("retention: mark upload status: %w", err)
	}
	return nil
}

// Cutoffs are the three retention windows the sweeper applies, each
// measured back from the sweep's reference time.
type Cutoffs struct {
	Uploads time.Duration
	Events  time.Duration
	Audits  time.Duration
}

// Result summarizes one sweep's outcome.
type Result struct {
	PdfExportsDeleted int64
	UploadsDeleted    int64
	EventsDeleted     int64
}

// Sweeper is the retention sweeper's dependency set.
type Sweeper struct {
	DB      *sql.DB
	Objects objectstore.Store
	Bus     *events.Bus
	Cutoffs Cutoffs
}

// NewSweeper builds a Sweeper.
func NewSweeper(db *sql.DB, objects objectstore.Store, bus *events.Bus, cutoffs Cutoffs) *Sweeper {
	return &Sweeper{DB: db, Objects: objects, Bus: bus, Cutoffs: cutoffs}
}

// Run performs one full sweep relative to now: expired PDF exports and
// stale uploads have their object deleted first, then their row; the
// event log is trimmed last. Object deletion failures abort that sweep's
// row deletion (the row must never be removed while its object might
// still exist), but do not prevent the other two sweeps from running.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Result, error) {
	var result Result
	var firstErr error

	deleted, err := s.sweepPdfExports(ctx, now.Add(-s.Cutoffs.Audits))
	result.PdfExportsDeleted = deleted
	if err != nil && firstErr == nil {
		firstErr = err
	}

	deleted, err = s.sweepUploads(ctx, now.Add(-s.Cutoffs.Uploads))
	result.UploadsDeleted = deleted
	if err != nil && firstErr == nil {
		firstErr = err
	}

	trimmed, err := s.Bus.TrimBefore(ctx, now.Add(-s.Cutoffs.Events))
	result.EventsDeleted = trimmed
	if err != nil && firstErr == nil {
		firstErr = err
	}

	return result, firstErr
}

// sweepPdfExports deletes completed pdf_exports rows generated before
// cutoff, removing the rendered object first.
func (s *Sweeper) sweepPdfExports(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, storage_key FROM pdf_exports
		WHERE status = 'completed' AND generated_at IS NOT NULL AND generated_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("retention: list expired pdf exports: %w", err)
	}
	type row struct{ id, storageKey string }
	var expired []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.storageKey); err != nil {
			rows.Close()
			return 0, fmt.Errorf("retention: scan pdf export: %w", err)
		}
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, r := range expired {
		if r.storageKey != "" {
			if err := s.Objects.Delete(ctx, r.storageKey); err != nil {
				return deleted, fmt.Errorf("retention: delete pdf export object %s: %w", r.storageKey, err)
			}
		}
		if _, err := data.ExecRetry(ctx, s.DB, `DELETE FROM pdf_exports WHERE id = ?`, r.id); err != nil {
			return deleted, fmt.Errorf("retention: delete pdf export row %s: %w", r.id, err)
		}
		deleted++
	}
	return deleted, nil
}

// sweepUploads deletes terminal uploads (processed or failed) created
// before cutoff, removing the staged object first.
func (s *Sweeper) sweepUploads(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, storage_key FROM uploads
		WHERE status IN (?, ?) AND created_at < ?
	`, UploadProcessed, UploadFailed, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("retention: list expired uploads: %w", err)
	}
	type row struct{ id, storageKey string }
	var expired []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.storageKey); err != nil {
			rows.Close()
			return 0, fmt.Errorf("retention: scan upload: %w", err)
		}
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, r := range expired {
		if r.storageKey != "" {
			if err := s.Objects.Delete(ctx, r.storageKey); err != nil {
				return deleted, fmt.Errorf("retention: delete upload object %s: %w", r.storageKey, err)
			}
		}
		if _, err := data.ExecRetry(ctx, s.DB, `DELETE FROM uploads WHERE id = ?`, r.id); err != nil {
			return deleted, fmt.Errorf("retention: delete upload row %s: %w", r.id, err)
		}
		deleted++
	}
	return deleted, nil
}

// Register attaches the sweep handler to rt under QueueRetention. The
// handler ignores its job payload: every invocation sweeps relative to
// wall-clock now, regardless of which day's job id triggered it.
func Register(rt *queue.Runtime, sweeper *Sweeper) {
	rt.Register(QueueRetention, queue.QueueConfig{Concurrency: 1, Deadline: 10 * time.Minute}, sweeper.handleSweep)
}

func (s *Sweeper) handleSweep(ctx context.Context, _ *queue.Job) (map[string]any, error) {
	result, err := s.Run(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pdfExportsDeleted": result.PdfExportsDeleted,
		"uploadsDeleted":    result.UploadsDeleted,
		"eventsDeleted":     result.EventsDeleted,
	}, nil
}

// DailyJobID builds the idempotency key for the sweep scheduled on day.
// The queue's own (queue, jobId) uniqueness means resubmitting the same
// day's key is a no-op, which is what makes the schedule idempotent.
func DailyJobID(day time.Time) string {
	return "sweep-" + day.UTC().Format("2006-01-02")
}

// ScheduleLoop submits one retention job per tick under that tick's daily
// job id, until ctx is cancelled. Ticking more often than once a day is
// harmless: only the first submission for a given date is accepted.
func ScheduleLoop(ctx context.Context, rt *queue.Runtime, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	submit := func() {
		now := time.Now().UTC()
		_ = rt.Submit(ctx, QueueRetention, DailyJobID(now), map[string]any{"day": now.Format("2006-01-02")})
	}
	submit()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			submit()
		}
	}
}

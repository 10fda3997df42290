// Package auditrun implements the audit run state machine (C10): the
// authoritative lifecycle of a single audit, with a single-active-run-
// per-project guarantee enforced by a partial unique index.
package auditrun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/idgen"
)

// Schema creates the audit_runs table and its single-active-per-project
// partial unique index.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_runs (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	revision_id        TEXT NOT NULL,
	status             TEXT NOT NULL,
	profile            TEXT NOT NULL,
	engine_version     TEXT NOT NULL DEFAULT '',
	report_schema_version TEXT NOT NULL DEFAULT '',
	requested_by       TEXT NOT NULL,
	primary_model_id   TEXT NOT NULL,
	fallback_model_id  TEXT NOT NULL,
	report_json        TEXT,
	started_at         INTEGER,
	finished_at        INTEGER,
	created_at         INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_runs_active_per_project
	ON audit_runs(project_id) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_audit_runs_project ON audit_runs(project_id, created_at);
`

// Status is the audit run's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Profile selects the depth of analysis.
type Profile string

const (
	ProfileFast Profile = "fast"
	ProfileDeep Profile = "deep"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AuditRun is one invocation of the pipeline for a revision.
type AuditRun struct {
	ID                  string
	ProjectID           string
	RevisionID          string
	Status              Status
	Profile             Profile
	EngineVersion       string
	ReportSchemaVersion string
	RequestedBy         string
	PrimaryModelID      string
	FallbackModelID     string
	ReportJSON          string
	StartedAt           *time.Time
	FinishedAt          *time.Time
	CreatedAt           time.Time
}

// ActiveAuditRunConflict is surfaced instead of a raw unique-constraint
// error when a project already has a {queued,running} run.
type ActiveAuditRunConflict struct {
	ExistingID string
}

func (e *ActiveAuditRunConflict) Error() string {
	return fmt.Sprintf("auditrun: project already has an active run %s", e.ExistingID)
}

var ErrNotFound = errors.New("auditrun: not found")

// Store is the audit-run persistence layer.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// New builds a Store. Schema must already have been applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.Default}
}

// Create inserts a new queued AuditRun for (projectID, revisionID). On the
// single-active-per-project unique-index violation, it re-reads the
// winning run and returns ActiveAuditRunConflict(existingId) rather than
// the raw constraint error.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, projectID, revisionID, requestedBy string, profile Profile, primaryModelID, fallbackModelID string) (*AuditRun, error) {
	run := &AuditRun{
		ID:              s.newID(),
		ProjectID:       projectID,
		RevisionID:      revisionID,
		Status:          StatusQueued,
		Profile:         profile,
		RequestedBy:     requestedBy,
		PrimaryModelID:  primaryModelID,
		FallbackModelID: fallbackModelID,
		CreatedAt:       time.Now().UTC(),
	}

	exec := exec(tx, s.db)
	_, err := exec(ctx, `
		INSERT INTO audit_runs (id, project_id, revision_id, status, profile, requested_by,
			primary_model_id, fallback_model_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, run.RevisionID, run.Status, run.Profile, run.RequestedBy,
		run.PrimaryModelID, run.FallbackModelID, run.CreatedAt.Unix())
	if err != nil {
		if data.IsUniqueViolation(err) {
			existing, lookupErr := s.activeForProject(ctx, tx, projectID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != "" {
				return nil, &ActiveAuditRunConflict{ExistingID: existing}
			}
		}
		return nil, fmt.Errorf("auditrun: create: %w", err)
	}
	return run, nil
}

func (s *Store) activeForProject(ctx context.Context, tx *sql.Tx, projectID string) (string, error) {
	query := `SELECT id FROM audit_runs WHERE project_id = ? AND status IN ('queued','running') LIMIT 1`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, projectID)
	} else {
		row = s.db.QueryRowContext(ctx, query, projectID)
	}
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Get returns an audit run by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*AuditRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, revision_id, status, profile, engine_version, report_schema_version,
			requested_by, primary_model_id, fallback_model_id, COALESCE(report_json, ''),
			started_at, finished_at, created_at
		FROM audit_runs WHERE id = ?
	`, id)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*AuditRun, error) {
	var r AuditRun
	var startedAt, finishedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&r.ID, &r.ProjectID, &r.RevisionID, &r.Status, &r.Profile, &r.EngineVersion,
		&r.ReportSchemaVersion, &r.RequestedBy, &r.PrimaryModelID, &r.FallbackModelID, &r.ReportJSON,
		&startedAt, &finishedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auditrun: scan: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

// TransitionToRunning moves a queued run to running. A run already
// running or terminal is left untouched (idempotent under stage retry).
func (s *Store) TransitionToRunning(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE audit_runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, StatusRunning, now, id, StatusQueued)
	return err
}

// Complete marks a run completed with its final report JSON. No-op if the
// run is already terminal (safe under handler retry/replay).
func (s *Store) Complete(ctx context.Context, id, reportJSON string) error {
	now := time.Now().UTC().Unix()
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE audit_runs SET status = ?, report_json = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusCompleted, reportJSON, now, id, StatusCompleted, StatusFailed, StatusCancelled)
	return err
}

// Fail marks a run failed and stamps finished_at. No-op if already
// terminal.
func (s *Store) Fail(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE audit_runs SET status = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusFailed, now, id, StatusCompleted, StatusFailed, StatusCancelled)
	return err
}

// IsTerminal reports whether status is one of the three terminal states.
func IsTerminal(status Status) bool { return status.terminal() }

// PreviousCompleted returns the most recently created completed audit run
// for projectID whose created_at is not later than excludingID's, or "" if this is
// the project's first audit. Used by the finding-lifecycle stage to locate
// the comparison point for transition computation.
func (s *Store) PreviousCompleted(ctx context.Context, tx *sql.Tx, projectID, excludingID string) (string, error) {
	query := queryRow(tx, s.db)
	row := query(ctx, `
		SELECT id FROM audit_runs
		WHERE project_id = ? AND status = ? AND id != ?
			AND created_at <= (SELECT created_at FROM audit_runs WHERE id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, projectID, StatusCompleted, excludingID, excludingID)

	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auditrun: previous completed: %w", err)
	}
	return id, nil
}

type execFn func(ctx context.Context, query string, args ...any) (sql.Result, error)
type queryRowFn func(ctx context.Context, query string, args ...any) *sql.Row

func exec(tx *sql.Tx, db *sql.DB) execFn {
	if tx != nil {
		return tx.ExecContext
	}
	return db.ExecContext
}

func queryRow(tx *sql.Tx, db *sql.DB) queryRowFn {
	if tx != nil {
		return tx.QueryRowContext
	}
	return db.QueryRowContext
}

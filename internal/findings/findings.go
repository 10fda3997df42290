// Package findings implements the finding lifecycle engine (C8): stable
// per-project fingerprinting, per-audit instance recording, and transition
// computation between consecutive audits.
package findings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/idgen"
)

// Schema creates the findings, finding_instances, and finding_transitions
// tables.
const Schema = `
CREATE TABLE IF NOT EXISTS findings (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	current_status TEXT NOT NULL,
	first_seen_revision_id TEXT NOT NULL,
	last_seen_revision_id  TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE(project_id, fingerprint)
);
CREATE TABLE IF NOT EXISTS finding_instances (
	id            TEXT PRIMARY KEY,
	finding_id    TEXT NOT NULL,
	audit_run_id  TEXT NOT NULL,
	severity      TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	UNIQUE(finding_id, audit_run_id)
);
CREATE TABLE IF NOT EXISTS finding_transitions (
	id               TEXT PRIMARY KEY,
	finding_id       TEXT NOT NULL,
	from_audit_run_id TEXT,
	to_audit_run_id  TEXT NOT NULL,
	transition       TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_finding_instances_audit ON finding_instances(audit_run_id);
CREATE INDEX IF NOT EXISTS idx_finding_transitions_to ON finding_transitions(to_audit_run_id);
`

// Status is a Finding's current lifecycle status.
type Status string

const (
	StatusOpened   Status = "opened"
	StatusResolved Status = "resolved"
)

// Transition labels the change of a finding between two audits.
type Transition string

const (
	TransitionOpened    Transition = "opened"
	TransitionResolved  Transition = "resolved"
	TransitionRegressed Transition = "regressed"
	TransitionUnchanged Transition = "unchanged"
)

// Finding is a per-project stable identity for a recurring issue.
type Finding struct {
	ID                  string
	ProjectID           string
	Fingerprint         string
	CurrentStatus       Status
	FirstSeenRevisionID string
	LastSeenRevisionID  string
	CreatedAt           time.Time
}

// Candidate is a raw finding surfaced by one audit, before identity
// resolution.
type Candidate struct {
	Title      string
	FilePath   string
	StartLine  int
	EndLine    int
	Severity   string
	PayloadJSON string
}

// Fingerprint derives the stable per-project identity hash of a finding
// from its title, location, and severity.
func Fingerprint(c Candidate) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%s", c.Title, c.FilePath, c.StartLine, c.EndLine, c.Severity)
	return hex.EncodeToString(h.Sum(nil))
}

var ErrNotFound = errors.New("findings: not found")

// Store is the finding-lifecycle persistence layer.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// New builds a Store. Schema must already have been applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.Default}
}

// RecordInstance looks up (or inserts) the Finding for (projectID,
// fingerprint), then upserts a FindingInstance for (finding, auditRunID),
// overwriting severity and payload on replay. Returns the resolved
// Finding.
func (s *Store) RecordInstance(ctx context.Context, tx *sql.Tx, projectID, revisionID, auditRunID string, c Candidate) (*Finding, error) {
	fingerprint := Fingerprint(c)
	exec := execer(tx, s.db)
	query := queryer(tx, s.db)

	finding, err := s.findByFingerprint(ctx, tx, projectID, fingerprint)
	if errors.Is(err, ErrNotFound) {
		finding = &Finding{
			ID:                  s.newID(),
			ProjectID:           projectID,
			Fingerprint:         fingerprint,
			CurrentStatus:       StatusOpened,
			FirstSeenRevisionID: revisionID,
			LastSeenRevisionID:  revisionID,
			CreatedAt:           time.Now().UTC(),
		}
		_, err = exec(ctx, `
			INSERT INTO findings (id, project_id, fingerprint, current_status,
				first_seen_revision_id, last_seen_revision_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, finding.ID, finding.ProjectID, finding.Fingerprint, finding.CurrentStatus,
			finding.FirstSeenRevisionID, finding.LastSeenRevisionID, finding.CreatedAt.Unix())
		if err != nil {
			if data.IsUniqueViolation(err) {
				finding, err = s.findByFingerprint(ctx, tx, projectID, fingerprint)
			}
			if err != nil {
				return nil, fmt.Errorf("findings: insert finding: %w", err)
			}
		}
	} else if err != nil {
		return nil, err
	}

	_, err = exec(ctx, `
		INSERT INTO finding_instances (id, finding_id, audit_run_id, severity, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(finding_id, audit_run_id) DO UPDATE SET severity = excluded.severity, payload_json = excluded.payload_json
	`, s.newID(), finding.ID, auditRunID, c.Severity, c.PayloadJSON, time.Now().UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("findings: upsert instance: %w", err)
	}

	_, err = exec(ctx, `UPDATE findings SET last_seen_revision_id = ? WHERE id = ?`, revisionID, finding.ID)
	if err != nil {
		return nil, fmt.Errorf("findings: update last_seen: %w", err)
	}

	row := query(ctx, `SELECT id, project_id, fingerprint, current_status, first_seen_revision_id,
		last_seen_revision_id, created_at FROM findings WHERE id = ?`, finding.ID)
	return scanFinding(row)
}

func (s *Store) findByFingerprint(ctx context.Context, tx *sql.Tx, projectID, fingerprint string) (*Finding, error) {
	query := queryer(tx, s.db)
	row := query(ctx, `SELECT id, project_id, fingerprint, current_status, first_seen_revision_id,
		last_seen_revision_id, created_at FROM findings WHERE project_id = ? AND fingerprint = ?`,
		projectID, fingerprint)
	return scanFinding(row)
}

func scanFinding(row *sql.Row) (*Finding, error) {
	var f Finding
	var createdAt int64
	err := row.Scan(&f.ID, &f.ProjectID, &f.Fingerprint, &f.CurrentStatus,
		&f.FirstSeenRevisionID, &f.LastSeenRevisionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("findings: scan: %w", err)
	}
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &f, nil
}

// PriorStatus is the previous audit's recorded status for a finding id,
// keyed for transition computation.
type PriorStatus map[string]Status

// ComputedTransition is one row of the §4.8 transition table, ready to
// persist.
type ComputedTransition struct {
	FindingID string
	Status    Status
	Kind      Transition
}

// ComputeTransitions applies the §4.8 table to the previous and current
// finding-id sets.
func ComputeTransitions(previousIDs, currentIDs []string, previousStatuses PriorStatus) []ComputedTransition {
	prevSet := toSet(previousIDs)
	currSet := toSet(currentIDs)

	var out []ComputedTransition
	for id := range prevSet {
		if _, stillPresent := currSet[id]; !stillPresent {
			if previousStatuses[id] == StatusOpened {
				out = append(out, ComputedTransition{FindingID: id, Status: StatusResolved, Kind: TransitionResolved})
			}
		}
	}
	for id := range currSet {
		prevStatus := previousStatuses[id]
		_, stillTracked := prevSet[id]
		switch {
		case !stillTracked && prevStatus == StatusResolved:
			out = append(out, ComputedTransition{FindingID: id, Status: StatusOpened, Kind: TransitionRegressed})
		case !stillTracked:
			out = append(out, ComputedTransition{FindingID: id, Status: StatusOpened, Kind: TransitionOpened})
		case stillTracked:
			out = append(out, ComputedTransition{FindingID: id, Status: StatusOpened, Kind: TransitionUnchanged})
		}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// PersistTransitions inserts a FindingTransition row for each computed
// transition that has a previous audit run to compare against, and
// updates each Finding's current_status accordingly.
func (s *Store) PersistTransitions(ctx context.Context, tx *sql.Tx, previousAuditRunID, toAuditRunID string, transitions []ComputedTransition) error {
	exec := execer(tx, s.db)
	for _, t := range transitions {
		if previousAuditRunID != "" {
			var fromID any = previousAuditRunID
			_, err := exec(ctx, `
				INSERT INTO finding_transitions (id, finding_id, from_audit_run_id, to_audit_run_id, transition, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, s.newID(), t.FindingID, fromID, toAuditRunID, t.Kind, time.Now().UTC().Unix())
			if err != nil {
				return fmt.Errorf("findings: insert transition: %w", err)
			}
		}
		_, err := exec(ctx, `UPDATE findings SET current_status = ? WHERE id = ?`, t.Status, t.FindingID)
		if err != nil {
			return fmt.Errorf("findings: update status: %w", err)
		}
	}
	return nil
}

// ListFindingIDsForAuditRun returns the finding ids that have a
// FindingInstance recorded against auditRunID.
func (s *Store) ListFindingIDsForAuditRun(ctx context.Context, tx *sql.Tx, auditRunID string) ([]string, error) {
	queryRows := queryRowsFn(tx, s.db)
	rows, err := queryRows(ctx, `SELECT finding_id FROM finding_instances WHERE audit_run_id = ?`, auditRunID)
	if err != nil {
		return nil, fmt.Errorf("findings: list finding ids for audit run: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CurrentStatuses returns each id's current_status, for use as the
// "previousStatusesByFindingId" input to ComputeTransitions. Ids with no
// matching row are simply absent from the result.
func (s *Store) CurrentStatuses(ctx context.Context, tx *sql.Tx, ids []string) (PriorStatus, error) {
	out := make(PriorStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := queryer(tx, s.db)
	for _, id := range ids {
		row := query(ctx, `SELECT current_status FROM findings WHERE id = ?`, id)
		var status Status
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("findings: current status for %s: %w", id, err)
		}
		out[id] = status
	}
	return out, nil
}

type execFn func(ctx context.Context, query string, args ...any) (sql.Result, error)
type queryFn func(ctx context.Context, query string, args ...any) *sql.Row
type queryRowsFnT func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func queryRowsFn(tx *sql.Tx, db *sql.DB) queryRowsFnT {
	if tx != nil {
		return tx.QueryContext
	}
	return db.QueryContext
}

func execer(tx *sql.Tx, db *sql.DB) execFn {
	if tx != nil {
		return tx.ExecContext
	}
	return db.ExecContext
}

func queryer(tx *sql.Tx, db *sql.DB) queryFn {
	if tx != nil {
		return tx.QueryRowContext
	}
	return db.QueryRowContext
}

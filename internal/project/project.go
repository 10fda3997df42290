// Package project implements the Project entity: ownership, membership,
// and the initializing/ready/deleted lifecycle driven by ingest outcomes.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/idgen"
)

// Schema creates the projects and project_members tables.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);

CREATE TABLE IF NOT EXISTS project_members (
	project_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'member',
	added_at   INTEGER NOT NULL,
	PRIMARY KEY (project_id, user_id)
);
`

// State is a Project's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDeleted      State = "deleted"
)

// Project is identity plus lifecycle state and ownership.
type Project struct {
	ID        string
	OwnerID   string
	Name      string
	State     State
	CreatedAt time.Time
}

var ErrNotFound = errors.New("project: not found")

// Store is the project persistence layer.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// New builds a Store. Schema must already have been applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.Default}
}

// Create inserts a new project in state initializing, owned by ownerID.
func (s *Store) Create(ctx context.Context, ownerID, name string) (*Project, error) {
	p := &Project{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Name:      name,
		State:     StateInitializing,
		CreatedAt: time.Now().UTC(),
	}
	_, err := data.ExecRetry(ctx, s.db, `
		INSERT INTO projects (id, owner_id, name, state, created_at) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, p.State, p.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("project: create: %w", err)
	}
	if _, err := data.ExecRetry(ctx, s.db, `
		INSERT INTO project_members (project_id, user_id, role, added_at) VALUES (?, ?, 'owner', ?)
	`, p.ID, ownerID, p.CreatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("project: add owner membership: %w", err)
	}
	return p, nil
}

// Get returns a project by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, state, created_at FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var createdAt int64
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("project: scan: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

// MarkReadyAfterIngest transitions initializing -> ready following the
// project's first successful ingest. No-op if the project is not
// currently initializing (idempotent under stage retry).
func (s *Store) MarkReadyAfterIngest(ctx context.Context, id string) error {
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE projects SET state = ? WHERE id = ? AND state = ?
	`, StateReady, id, StateInitializing)
	if err != nil {
		return fmt.Errorf("project: mark ready after ingest: %w", err)
	}
	return nil
}

// RestoreReadyAfterIngestFailure transitions initializing -> ready when
// the project's ingest stage fails. This mirrors the source system's
// observed behavior exactly: an ingest failure never auto-deletes an
// initializing project, it returns the project to ready so the owner can
// retry ingestion. No-op if the project is not currently initializing.
func (s *Store) RestoreReadyAfterIngestFailure(ctx context.Context, id string) error {
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE projects SET state = ? WHERE id = ? AND state = ?
	`, StateReady, id, StateInitializing)
	if err != nil {
		return fmt.Errorf("project: restore ready after ingest failure: %w", err)
	}
	return nil
}

// SoftDelete transitions any state to deleted.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := data.ExecRetry(ctx, s.db, `UPDATE projects SET state = ? WHERE id = ?`, StateDeleted, id)
	if err != nil {
		return fmt.Errorf("project: soft delete: %w", err)
	}
	return nil
}

// AddMember grants user access to a project under role.
func (s *Store) AddMember(ctx context.Context, projectID, userID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := data.ExecRetry(ctx, s.db, `
		INSERT INTO project_members (project_id, user_id, role, added_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role
	`, projectID, userID, role, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("project: add member: %w", err)
	}
	return nil
}

// Member is one project membership row.
type Member struct {
	UserID string
	Role   string
}

// ListMembers returns every member of projectID, owner included.
func (s *Store) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role FROM project_members WHERE project_id = ? ORDER BY added_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("project: list members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

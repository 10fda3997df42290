// Package revision implements the revision model (C2): immutable
// file-set snapshots bound to a project, and working copies as mutable
// per-user overlays on top of a base revision.
package revision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/contentstore"
	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/idgen"
	"github.com/tonaudit/controlplane/internal/safepath"
)

// Schema creates the revisions, revision_files, and working_copies tables.
const Schema = `
CREATE TABLE IF NOT EXISTS revisions (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	parent_id   TEXT,
	source      TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revisions_project ON revisions(project_id);

CREATE TABLE IF NOT EXISTS revision_files (
	revision_id   TEXT NOT NULL,
	path          TEXT NOT NULL,
	digest        TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT '',
	is_test_file  INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (revision_id, path)
);

CREATE TABLE IF NOT EXISTS working_copies (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	base_revision_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_working_copies_active
	ON working_copies(owner_id, base_revision_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS working_copy_files (
	working_copy_id TEXT NOT NULL,
	path             TEXT NOT NULL,
	content          TEXT NOT NULL,
	language         TEXT NOT NULL DEFAULT '',
	is_test_file     INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (working_copy_id, path)
);
`

// Source distinguishes how a revision came into being.
type Source string

const (
	SourceUpload      Source = "upload"
	SourceWorkingCopy Source = "working-copy"
)

// WorkingCopyStatus is the lifecycle state of a WorkingCopy.
type WorkingCopyStatus string

const (
	WorkingCopyActive   WorkingCopyStatus = "active"
	WorkingCopyArchived WorkingCopyStatus = "archived"
)

// Revision is an immutable snapshot of files for a project.
type Revision struct {
	ID          string
	ProjectID   string
	ParentID    string
	Source      Source
	Description string
	CreatedAt   time.Time
}

// File is one (revision, path) -> blob mapping.
type File struct {
	RevisionID string
	Path       string
	Digest     string
	Language   string
	IsTestFile bool
}

// WorkingCopy is a mutable per-user overlay over a base revision.
type WorkingCopy struct {
	ID             string
	OwnerID        string
	BaseRevisionID string
	Status         WorkingCopyStatus
	CreatedAt      time.Time
}

// WorkingCopyFile is inline content held by a working copy, not a blob;
// this keeps editor round-trips low-latency.
type WorkingCopyFile struct {
	Path       string
	Content    string
	Language   string
	IsTestFile bool
}

// Model is the revision-model store.
type Model struct {
	db      *sql.DB
	blobs   *contentstore.Store
	runs    *auditrun.Store
	newID   idgen.Generator
}

// New builds a Model. blobs is C1, used to dereference and store bytes.
// runs is C10, consulted by SnapshotWorkingCopy to create the new audit
// run inside the same transaction that creates the revision.
func New(db *sql.DB, blobs *contentstore.Store, runs *auditrun.Store) *Model {
	return &Model{db: db, blobs: blobs, runs: runs, newID: idgen.Default}
}

// UpsertRevisionFile ensures content is stored as a blob via C1, then
// inserts or updates the (revision, path) mapping. path is normalized
// first; an unsafe path is rejected without touching the store.
func (m *Model) UpsertRevisionFile(ctx context.Context, revisionID, path, language string, isTestFile bool, content []byte) error {
	normalized, err := safepath.Normalize(path)
	if err != nil {
		return fmt.Errorf("revision: %w", err)
	}

	blob, err := m.blobs.PutBlob(ctx, content, mimeTypeFor(language))
	if err != nil {
		return fmt.Errorf("revision: store blob for %s: %w", normalized, err)
	}

	now := time.Now().UTC().Unix()
	_, err = data.ExecRetry(ctx, m.db, `
		INSERT INTO revision_files (revision_id, path, digest, language, is_test_file, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(revision_id, path) DO UPDATE SET
			digest = excluded.digest,
			language = excluded.language,
			is_test_file = excluded.is_test_file
	`, revisionID, normalized, blob.Digest, language, boolToInt(isTestFile), now)
	if err != nil {
		return fmt.Errorf("revision: upsert revision_file %s/%s: %w", revisionID, normalized, err)
	}
	return nil
}

// ClearRevisionFiles deletes all revision-file rows for revisionID. Blobs
// are kept; they may be shared with other revisions.
func (m *Model) ClearRevisionFiles(ctx context.Context, revisionID string) error {
	_, err := data.ExecRetry(ctx, m.db, `DELETE FROM revision_files WHERE revision_id = ?`, revisionID)
	if err != nil {
		return fmt.Errorf("revision: clear revision_files for %s: %w", revisionID, err)
	}
	return nil
}

// ListRevisionFiles returns every file in a revision.
func (m *Model) ListRevisionFiles(ctx context.Context, revisionID string) ([]File, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT revision_id, path, digest, language, is_test_file
		FROM revision_files WHERE revision_id = ? ORDER BY path
	`, revisionID)
	if err != nil {
		return nil, fmt.Errorf("revision: list revision_files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var isTest int
		if err := rows.Scan(&f.RevisionID, &f.Path, &f.Digest, &f.Language, &isTest); err != nil {
			return nil, err
		}
		f.IsTestFile = isTest != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

// SnapshotWorkingCopy creates a new revision from a working copy's
// current contents, atomically: a revision row (source=working-copy,
// parent=baseRevisionID), revision-file rows copied from the working
// copy's inline content (re-stored through C1), and a new AuditRun in
// queued. On the single-active-per-project conflict it returns
// *auditrun.ActiveAuditRunConflict and writes no revision, revision-file
// or audit-run row; blobs already stored through C1 are kept.
func (m *Model) SnapshotWorkingCopy(ctx context.Context, projectID, workingCopyID, baseRevisionID, requestedBy string, profile auditrun.Profile, primaryModelID, fallbackModelID string) (*Revision, *auditrun.AuditRun, error) {
	rev := &Revision{
		ID:        m.newID(),
		ProjectID: projectID,
		ParentID:  baseRevisionID,
		Source:    SourceWorkingCopy,
		CreatedAt: time.Now().UTC(),
	}
	var run *auditrun.AuditRun

	err := data.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revisions (id, project_id, parent_id, source, description, created_at)
			VALUES (?, ?, ?, ?, '', ?)
		`, rev.ID, rev.ProjectID, rev.ParentID, rev.Source, rev.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("revision: insert revision: %w", err)
		}

		files, err := m.listWorkingCopyFilesTx(ctx, tx, workingCopyID)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Unix()
		for _, f := range files {
			blob, err := m.blobs.PutBlob(ctx, []byte(f.Content), mimeTypeFor(f.Language))
			if err != nil {
				return fmt.Errorf("revision: store working copy file %s: %w", f.Path, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO revision_files (revision_id, path, digest, language, is_test_file, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, rev.ID, f.Path, blob.Digest, f.Language, boolToInt(f.IsTestFile), now); err != nil {
				return fmt.Errorf("revision: insert revision_file %s: %w", f.Path, err)
			}
		}

		created, err := m.runs.Create(ctx, tx, projectID, rev.ID, requestedBy, profile, primaryModelID, fallbackModelID)
		if err != nil {
			return err
		}
		run = created
		return nil
	})
	if err != nil {
		var conflict *auditrun.ActiveAuditRunConflict
		if errors.As(err, &conflict) {
			return nil, nil, conflict
		}
		return nil, nil, err
	}
	return rev, run, nil
}

// CreateUploadRevision starts a fresh upload-sourced revision and its
// AuditRun atomically: an empty revision row (ingest populates its files
// from the job payload) plus a queued AuditRun. On the single-active-
// per-project conflict it returns *auditrun.ActiveAuditRunConflict and
// performs no writes.
func (m *Model) CreateUploadRevision(ctx context.Context, projectID, requestedBy string, profile auditrun.Profile, primaryModelID, fallbackModelID string) (*Revision, *auditrun.AuditRun, error) {
	rev := &Revision{
		ID:        m.newID(),
		ProjectID: projectID,
		Source:    SourceUpload,
		CreatedAt: time.Now().UTC(),
	}
	var run *auditrun.AuditRun

	err := data.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revisions (id, project_id, parent_id, source, description, created_at)
			VALUES (?, ?, NULL, ?, '', ?)
		`, rev.ID, rev.ProjectID, rev.Source, rev.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("revision: insert revision: %w", err)
		}

		created, err := m.runs.Create(ctx, tx, projectID, rev.ID, requestedBy, profile, primaryModelID, fallbackModelID)
		if err != nil {
			return err
		}
		run = created
		return nil
	})
	if err != nil {
		var conflict *auditrun.ActiveAuditRunConflict
		if errors.As(err, &conflict) {
			return nil, nil, conflict
		}
		return nil, nil, err
	}
	return rev, run, nil
}

// CreateWorkingCopy returns the active working copy for (ownerID,
// revisionID) if one exists; otherwise it creates one, copying every
// revision file's bytes (read through C1) into inline working-copy-file
// rows. A race on the active-uniqueness index is resolved by re-reading
// the winner rather than erroring.
func (m *Model) CreateWorkingCopy(ctx context.Context, ownerID, revisionID string) (*WorkingCopy, error) {
	if existing, err := m.activeWorkingCopy(ctx, ownerID, revisionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	wc := &WorkingCopy{
		ID:             m.newID(),
		OwnerID:        ownerID,
		BaseRevisionID: revisionID,
		Status:         WorkingCopyActive,
		CreatedAt:      time.Now().UTC(),
	}

	files, err := m.ListRevisionFiles(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	contents := make([][]byte, len(files))
	for i, f := range files {
		content, err := m.blobs.GetBlobBytes(ctx, m.storageKeyFor(ctx, f.Digest))
		if err != nil {
			return nil, fmt.Errorf("revision: read blob for working copy seed %s: %w", f.Path, err)
		}
		contents[i] = content
	}

	err = data.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO working_copies (id, owner_id, base_revision_id, status, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, wc.ID, wc.OwnerID, wc.BaseRevisionID, wc.Status, wc.CreatedAt.Unix()); err != nil {
			return err
		}

		now := time.Now().UTC().Unix()
		for i, f := range files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO working_copy_files (working_copy_id, path, content, language, is_test_file, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, wc.ID, f.Path, string(contents[i]), f.Language, boolToInt(f.IsTestFile), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if data.IsUniqueViolation(err) {
			winner, lookupErr := m.activeWorkingCopy(ctx, ownerID, revisionID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("revision: create working copy: %w", err)
	}
	return wc, nil
}

func (m *Model) activeWorkingCopy(ctx context.Context, ownerID, revisionID string) (*WorkingCopy, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, owner_id, base_revision_id, status, created_at
		FROM working_copies WHERE owner_id = ? AND base_revision_id = ? AND status = ?
	`, ownerID, revisionID, WorkingCopyActive)

	var wc WorkingCopy
	var createdAt int64
	err := row.Scan(&wc.ID, &wc.OwnerID, &wc.BaseRevisionID, &wc.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("revision: lookup active working copy: %w", err)
	}
	wc.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &wc, nil
}

func (m *Model) listWorkingCopyFilesTx(ctx context.Context, tx *sql.Tx, workingCopyID string) ([]WorkingCopyFile, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT path, content, language, is_test_file
		FROM working_copy_files WHERE working_copy_id = ? ORDER BY path
	`, workingCopyID)
	if err != nil {
		return nil, fmt.Errorf("revision: list working copy files: %w", err)
	}
	defer rows.Close()

	var out []WorkingCopyFile
	for rows.Next() {
		var f WorkingCopyFile
		var isTest int
		if err := rows.Scan(&f.Path, &f.Content, &f.Language, &isTest); err != nil {
			return nil, err
		}
		f.IsTestFile = isTest != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// FileBytes reads one revision file's content through C1, resolving its
// stored digest to a storage key and fetching the bytes.
func (m *Model) FileBytes(ctx context.Context, revisionID, path string) ([]byte, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT digest FROM revision_files WHERE revision_id = ? AND path = ?
	`, revisionID, path)
	var digest string
	if err := row.Scan(&digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("revision: file not found: %s/%s", revisionID, path)
		}
		return nil, fmt.Errorf("revision: lookup file digest: %w", err)
	}
	return m.blobs.GetBlobBytes(ctx, m.storageKeyFor(ctx, digest))
}

// storageKeyFor resolves a blob's storage key from its digest via a
// direct lookup, since revision_files only stores the digest.
func (m *Model) storageKeyFor(ctx context.Context, digest string) string {
	blob, err := m.blobs.Lookup(ctx, digest)
	if err != nil || blob == nil {
		return ""
	}
	return blob.StorageKey
}

func mimeTypeFor(language string) string {
	if language == "" {
		return "text/plain"
	}
	return "text/plain; language=" + language
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

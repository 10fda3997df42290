// Package contentstore implements C1: content-addressed blob storage with
// de-duplication by cryptographic digest. Bytes are immutable once stored;
// the only deletion path is the retention sweeper (C11).
package contentstore

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
	"github.com/tonaudit/controlplane/internal/objectstore"
	"github.com/tonaudit/controlplane/internal/resilience"
)

// Schema creates the file_blobs table if absent.
const Schema = `
CREATE TABLE IF NOT EXISTS file_blobs (
	digest       TEXT PRIMARY KEY,
	storage_key  TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	mime_type    TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
`

// Blob is a FileBlob row.
type Blob struct {
	Digest     string
	StorageKey string
	SizeBytes  int64
	MimeType   string
	CreatedAt  time.Time
}

// Store is the content-addressed blob store (C1).
type Store struct {
	db        *sql.DB
	objects   objectstore.Store
	newID     idgen.Generator
	putPolicy resilience.Policy
	getPolicy resilience.Policy
}

// New builds a Store. objects is the backing object store (§6 collaborator).
func New(db *sql.DB, objects objectstore.Store) *Store {
	retryable := func(err error) bool { return objectstore.IsTransient(err) }
	return &Store{
		db:      db,
		objects: objects,
		newID:   idgen.Default,
		// "retry transient errors with linear back-off (>=3 attempts)"
		putPolicy: resilience.Linear(3, 200*time.Millisecond, retryable),
		getPolicy: resilience.Linear(3, 200*time.Millisecond, retryable),
	}
}

// Digest computes the content digest (SHA-256, 256 bits) of bytes.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PutBlob stores content, returning the existing row if a blob with the
// same digest already exists (de-duplication). A race between two
// concurrent first-writers is resolved by re-reading the winning row
// after a unique-constraint violation.
func (s *Store) PutBlob(ctx context.Context, content []byte, mimeType string) (*Blob, error) {
	digest := Digest(content)

	if existing, err := s.lookup(ctx, digest); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	storageKey := fmt.Sprintf("blobs/%s-%s.bin", digest, s.newID())

	err := s.putPolicy.Do(ctx, func(ctx context.Context) error {
		return s.objects.Put(ctx, storageKey, content, mimeType)
	})
	if err != nil {
		return nil, fmt.Errorf("contentstore: upload blob: %w", err)
	}

	blob := &Blob{
		Digest:     digest,
		StorageKey: storageKey,
		SizeBytes:  int64(len(content)),
		MimeType:   mimeType,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = data.ExecRetry(ctx, s.db, `
		INSERT INTO file_blobs (digest, storage_key, size_bytes, mime_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, blob.Digest, blob.StorageKey, blob.SizeBytes, blob.MimeType, blob.CreatedAt.Unix())
	if err != nil {
		if data.IsUniqueViolation(err) {
			// Lost the race: another writer inserted first. Return their row.
			winner, lookupErr := s.lookup(ctx, digest)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("contentstore: insert blob row: %w", err)
	}

	return blob, nil
}

// GetBlobBytes reads the bytes for an already-stored blob by storage key.
func (s *Store) GetBlobBytes(ctx context.Context, storageKey string) ([]byte, error) {
	var data []byte
	err := s.getPolicy.Do(ctx, func(ctx context.Context) error {
		b, err := s.objects.Get(ctx, storageKey)
		if err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				return err // not transient, stop retrying
			}
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, objectstore.ErrNotFound
		}
		return nil, fmt.Errorf("contentstore: get blob bytes: %w", err)
	}
	return data, nil
}

// Lookup returns the blob row for digest, or nil if absent.
func (s *Store) Lookup(ctx context.Context, digest string) (*Blob, error) {
	return s.lookup(ctx, digest)
}

func (s *Store) lookup(ctx context.Context, digest string) (*Blob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT digest, storage_key, size_bytes, mime_type, created_at
		FROM file_blobs WHERE digest = ?
	`, digest)

	var b Blob
	var createdAt int64
	err := row.Scan(&b.Digest, &b.StorageKey, &b.SizeBytes, &b.MimeType, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contentstore: lookup blob: %w", err)
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &b, nil
}

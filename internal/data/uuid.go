// Package data provides shared persistence primitives used across the
// control plane: a SQLite-friendly UUID type, safe-close helpers and
// retrying transaction runners.
package data

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// UUID wraps google/uuid.UUID for transparent BLOB storage in SQLite.
type UUID struct {
	uuid.UUID
}

// NewUUID generates a new UUIDv7. UUIDv7 is time-sortable (timestamp +
// counter), which keeps B-Tree indexes on primary keys append-mostly.
func NewUUID() UUID {
	return UUID{UUID: uuid.Must(uuid.NewV7())}
}

// ParseUUID parses a string UUID, returning an error if malformed.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("data: invalid uuid %q: %w", s, err)
	}
	return UUID{UUID: id}, nil
}

// IsZero reports whether u is the nil UUID.
func (u UUID) IsZero() bool {
	return u.UUID == uuid.Nil
}

// Value implements driver.Valuer, storing the UUID as a 16-byte BLOB.
func (u UUID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.UUID[:], nil
}

// Scan implements sql.Scanner, accepting 16-byte BLOB or 36-byte TEXT form.
func (u *UUID) Scan(src any) error {
	if src == nil {
		u.UUID = uuid.Nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		switch len(v) {
		case 16:
			id, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("data: invalid uuid bytes: %w", err)
			}
			u.UUID = id
			return nil
		case 36:
			id, err := uuid.Parse(string(v))
			if err != nil {
				return fmt.Errorf("data: invalid uuid text: %w", err)
			}
			u.UUID = id
			return nil
		default:
			return fmt.Errorf("data: unexpected uuid byte length %d", len(v))
		}
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("data: invalid uuid string: %w", err)
		}
		u.UUID = id
		return nil
	default:
		return fmt.Errorf("data: unsupported uuid scan type %T", src)
	}
}

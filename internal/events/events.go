// Package events implements the progress event bus (C9): a durable,
// append-only JobEvent log plus a live per-jobId fan-out for subscribers.
// The bus does not replay events emitted before a subscription started;
// History exists as a separate, explicit pull for callers that want it.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/idgen"
)

// Schema creates the job_events table if absent.
const Schema = `
CREATE TABLE IF NOT EXISTS job_events (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	name        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_created_at ON job_events(created_at);
`

// Event names. Queue-runtime twins bracket handler-emitted events.
const (
	Started         = "started"
	Progress        = "progress"
	SandboxStep     = "sandbox-step"
	Completed       = "completed"
	Failed          = "failed"
	WorkerStarted   = "worker-started"
	WorkerCompleted = "worker-completed"
	WorkerFailed    = "worker-failed"
	Timeout         = "timeout"
)

// Event is a single delivered or stored JobEvent.
type Event struct {
	Queue     string          `json:"queue"`
	JobID     string          `json:"jobId"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Bus is the progress event bus: durable log plus live fan-out.
type Bus struct {
	db    *sql.DB
	newID idgen.Generator

	mu   sync.Mutex
	subs map[string][]*subscription
}

type subscription struct {
	ch   chan Event
	jobID string
}

// New builds a Bus over db. Schema must already have been applied.
func New(db *sql.DB) *Bus {
	return &Bus{
		db:    db,
		newID: idgen.Default,
		subs:  make(map[string][]*subscription),
	}
}

// Publish appends an event to the durable log and forwards it to any live
// subscribers for jobID. payload is marshaled to JSON; pass one of the
// tagged variant types in this package, or nil for events with no payload.
func (b *Bus) Publish(ctx context.Context, queue, jobID, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload for %s: %w", name, err)
	}

	now := time.Now().UTC()
	_, err = data.ExecRetry(ctx, b.db, `
		INSERT INTO job_events (id, queue, job_id, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.newID(), queue, jobID, name, string(raw), now.Unix())
	if err != nil {
		return fmt.Errorf("events: append %s: %w", name, err)
	}

	b.fanout(Event{Queue: queue, JobID: jobID, Name: name, Payload: raw, CreatedAt: now})
	return nil
}

func (b *Bus) fanout(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher. Live
			// delivery is best-effort; the durable log is authoritative.
		}
	}
}

// Subscribe registers for live events on jobID. The returned channel is
// closed, and the subscription removed, by calling the returned cancel
// func. Events emitted for jobID before Subscribe is called are not
// delivered on this channel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, 32), jobID: jobID}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[jobID]
		for i, s := range list {
			if s == sub {
				b.subs[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// History returns the durable log for jobID in insertion order. It is an
// explicit pull, never an automatic replay on Subscribe.
func (b *Bus) History(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT queue, job_id, name, payload, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("events: history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		var createdAt int64
		if err := rows.Scan(&ev.Queue, &ev.JobID, &ev.Name, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("events: scan history row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TrimBefore deletes events with created_at older than cutoff, returning
// the number of rows removed. Called by the retention sweeper (C11).
func (b *Bus) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := data.ExecRetry(ctx, b.db, `DELETE FROM job_events WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("events: trim: %w", err)
	}
	return res.RowsAffected()
}

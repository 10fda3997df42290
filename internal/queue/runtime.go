package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonaudit/controlplane/internal/events"
)

// Handler processes one job's payload, returning a JSON-serializable
// result or an error. Handlers run with a context bounded by the job's
// wall-clock deadline; they should treat ctx cancellation as a signal to
// abandon outstanding I/O.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// QueueConfig configures one named queue's concurrency ceiling, retry
// policy, and default deadline.
type QueueConfig struct {
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	Deadline    time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Minute
	}
	return c
}

type registration struct {
	cfg     QueueConfig
	handler Handler
}

// Runtime drives the queue set: one poll loop per registered queue, each
// bounded by its own concurrency ceiling.
type Runtime struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	queues map[string]*registration
}

// NewRuntime builds a Runtime over store, publishing visibility events to
// bus.
func NewRuntime(store *Store, bus *events.Bus, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:  store,
		bus:    bus,
		logger: logger,
		queues: make(map[string]*registration),
	}
}

// Register attaches handler to queue with cfg. Must be called before Start.
func (r *Runtime) Register(queue string, cfg QueueConfig, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[queue] = &registration{cfg: cfg.withDefaults(), handler: handler}
}

// Submit enqueues a job on queue, applying the queue's configured
// max-attempts and deadline. Unregistered queues use the package defaults.
func (r *Runtime) Submit(ctx context.Context, queue, jobID string, payload map[string]any) error {
	r.mu.Lock()
	reg, ok := r.queues[queue]
	r.mu.Unlock()

	cfg := QueueConfig{}.withDefaults()
	if ok {
		cfg = reg.cfg
	}
	return r.store.Submit(ctx, queue, jobID, payload, cfg.MaxAttempts, cfg.Deadline)
}

// Start runs the poll loop for every registered queue until ctx is
// cancelled. It blocks.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		queue := name
		g.Go(func() error {
			r.runQueue(gctx, queue)
			return gctx.Err()
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (r *Runtime) runQueue(ctx context.Context, queue string) {
	r.mu.Lock()
	reg := r.queues[queue]
	r.mu.Unlock()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	sem := make(chan struct{}, reg.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			if n, err := r.store.ReapStale(ctx, queue, reg.cfg.BaseDelay); err != nil {
				r.logger.Error("queue: reap failed", "queue", queue, "error", err)
			} else if n > 0 {
				r.logger.Warn("queue: reaped stale jobs", "queue", queue, "count", n)
			}

			jobs, err := r.store.PollBatch(ctx, queue, reg.cfg.Concurrency)
			if err != nil {
				r.logger.Error("queue: poll failed", "queue", queue, "error", err)
				continue
			}
			for _, job := range jobs {
				sem <- struct{}{}
				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					r.process(ctx, queue, reg, j)
				}(job)
			}
		}
	}
}

func (r *Runtime) process(ctx context.Context, queue string, reg *registration, job *Job) {
	jobCtx, cancel := context.WithDeadline(ctx, job.DeadlineAt)
	defer cancel()

	_ = r.bus.Publish(ctx, queue, job.JobID, events.WorkerStarted, nil)

	done := make(chan struct {
		result map[string]any
		err    error
	}, 1)

	go func() {
		result, err := reg.handler(jobCtx, job)
		done <- struct {
			result map[string]any
			err    error
		}{result, err}
	}()

	select {
	case <-jobCtx.Done():
		if jobCtx.Err() == context.DeadlineExceeded {
			r.fail(ctx, queue, reg, job, fmt.Errorf("queue: job deadline exceeded"), events.Timeout)
			return
		}
		r.fail(ctx, queue, reg, job, jobCtx.Err(), events.WorkerFailed)
	case outcome := <-done:
		if outcome.err != nil {
			r.fail(ctx, queue, reg, job, outcome.err, events.WorkerFailed)
			return
		}
		if err := r.store.Complete(ctx, job.ID); err != nil {
			r.logger.Error("queue: complete failed", "queue", queue, "jobId", job.JobID, "error", err)
			return
		}
		_ = r.bus.Publish(ctx, queue, job.JobID, events.WorkerCompleted, nil)
	}
}

func (r *Runtime) fail(ctx context.Context, queue string, reg *registration, job *Job, cause error, eventName string) {
	if err := r.store.Fail(ctx, job, cause.Error(), reg.cfg.BaseDelay); err != nil {
		r.logger.Error("queue: fail failed", "queue", queue, "jobId", job.JobID, "error", err)
	}
	_ = r.bus.Publish(ctx, queue, job.JobID, eventName, events.Failure{Reason: cause.Error()})
}

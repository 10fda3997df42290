// Command auditpiped is the audit pipeline control plane's process
// entrypoint: it wires every core component together, starts the queue
// runtime and retention sweeper, and serves the thin HTTP surface
// clients submit work through and stream progress from.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/config"
	"github.com/tonaudit/controlplane/internal/contentstore"
	"github.com/tonaudit/controlplane/internal/dbopen"
	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/findings"
	"github.com/tonaudit/controlplane/internal/llm"
	"github.com/tonaudit/controlplane/internal/objectstore"
	"github.com/tonaudit/controlplane/internal/observability"
	"github.com/tonaudit/controlplane/internal/pipeline"
	"github.com/tonaudit/controlplane/internal/project"
	"github.com/tonaudit/controlplane/internal/queue"
	"github.com/tonaudit/controlplane/internal/ratelimit"
	"github.com/tonaudit/controlplane/internal/resilience"
	"github.com/tonaudit/controlplane/internal/retention"
	"github.com/tonaudit/controlplane/internal/revision"
	sandboxclient "github.com/tonaudit/controlplane/internal/sandbox/client"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.PrimaryDB, dbopen.WithMkdirAll(),
		dbopen.WithSchema(project.Schema),
		dbopen.WithSchema(contentstore.Schema),
		dbopen.WithSchema(auditrun.Schema),
		dbopen.WithSchema(revision.Schema),
		dbopen.WithSchema(findings.Schema),
		dbopen.WithSchema(events.Schema),
		dbopen.WithSchema(queue.Schema),
		dbopen.WithSchema(pipeline.Schema),
		dbopen.WithSchema(retention.Schema),
	)
	if err != nil {
		slog.Error("primary db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	obsDB, err := dbopen.Open(cfg.ObsDB, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}

	objects, err := objectstore.NewLocalDisk(cfg.ObjectStoreDir)
	if err != nil {
		slog.Error("object store", "error", err)
		os.Exit(1)
	}

	projects := project.New(db)
	blobs := contentstore.New(db, objects)
	runs := auditrun.New(db)
	revisions := revision.New(db, blobs, runs)
	findingsStore := findings.New(db)
	bus := events.New(db)
	queueStore := queue.NewStore(db)
	runtime := queue.NewRuntime(queueStore, bus, logger)

	sandboxBreaker := resilience.NewCircuitBreaker(resilience.WithThreshold(5), resilience.WithResetTimeout(30*time.Second))
	sandbox, err := sandboxclient.New(cfg.SandboxEndpoint, sandboxBreaker)
	if err != nil {
		slog.Error("sandbox client", "error", err)
		os.Exit(1)
	}

	completer, err := llm.NewHTTPCompleter(cfg.LLMEndpoint)
	if err != nil {
		slog.Error("llm completer", "error", err)
		os.Exit(1)
	}
	llmClient := llm.New(completer, objects)

	bundle := pipeline.NewBundle(db, runs, revisions, findingsStore, projects, bus, sandbox, llmClient, objects)
	pipeline.Register(runtime, bundle)

	sweeper := retention.NewSweeper(db, objects, bus, retention.Cutoffs{
		Uploads: time.Duration(cfg.RetentionUploadsDays) * 24 * time.Hour,
		Events:  time.Duration(cfg.RetentionEventsDays) * 24 * time.Hour,
		Audits:  time.Duration(cfg.RetentionAuditsDays) * 24 * time.Hour,
	})
	retention.Register(runtime, sweeper)
	go retention.ScheduleLoop(ctx, runtime, time.Hour)

	auditLogger := observability.NewAuditLogger(obsDB, 256)
	defer auditLogger.Close()
	metrics := observability.NewMetricsManager(obsDB, 256, 30*time.Second)
	defer metrics.Close()
	eventLogger := observability.NewEventLogger(obsDB)
	heartbeat := observability.NewHeartbeatWriter(obsDB, "auditpiped", cfg.HeartbeatInterval)
	heartbeat.Start(ctx)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	limiter := ratelimit.New(redisClient, cfg.RateLimitFallback)

	go func() {
		if err := runtime.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("queue runtime", "error", err)
			os.Exit(1)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(bundle, runtime, projects, revisions, runs, bus, limiter, auditLogger, metrics, eventLogger, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	heartbeat.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func newRouter(bundle *pipeline.Bundle, rt *queue.Runtime, projects *project.Store, revisions *revision.Model,
	runs *auditrun.Store, bus *events.Bus, limiter *ratelimit.Limiter, auditLogger *observability.AuditLogger,
	metrics *observability.MetricsManager, eventLogger *observability.EventLogger, cfg config.Config) http.Handler {

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rateLimitMiddleware(limiter, cfg.RateLimitPerMinute))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api/projects", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				OwnerID string `json:"ownerId"`
				Name    string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			start := time.Now()
			p, err := projects.Create(r.Context(), req.OwnerID, req.Name)
			auditLogger.LogAsync(auditLogger.NewAuditEntry("project", "create", "", "", req, p, err, time.Since(start)))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 201, p)
		})

		r.Post("/{projectID}/revisions", func(w http.ResponseWriter, r *http.Request) {
			projectID := chi.URLParam(r, "projectID")
			var req struct {
				RequestedBy     string               `json:"requestedBy"`
				Profile         auditrun.Profile     `json:"profile"`
				PrimaryModelID  string               `json:"primaryModelId"`
				FallbackModelID string               `json:"fallbackModelId"`
				Files           []pipeline.IngestFile `json:"files"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.Profile == "" {
				req.Profile = auditrun.ProfileFast
			}
			if req.PrimaryModelID == "" {
				req.PrimaryModelID = cfg.DefaultPrimaryModelID
			}
			if req.FallbackModelID == "" {
				req.FallbackModelID = cfg.DefaultFallbackModelID
			}

			rev, run, err := revisions.CreateUploadRevision(r.Context(), projectID, req.RequestedBy, req.Profile, req.PrimaryModelID, req.FallbackModelID)
			if err != nil {
				var conflict *auditrun.ActiveAuditRunConflict
				if errors.As(err, &conflict) {
					writeJSON(w, 409, map[string]string{"error": "active audit run exists", "auditRunId": conflict.ExistingID})
					return
				}
				writeError(w, 500, err)
				return
			}

			if err := bundle.EnqueueIngest(r.Context(), rt, projectID, run.ID, rev.ID, req.Files); err != nil {
				writeError(w, 500, err)
				return
			}
			metrics.RecordSimple("audit_runs_started", 1, "count")
			eventLogger.LogEvent(r.Context(), observability.BusinessEvent{
				EventType: "audit_run_submitted", ProjectID: projectID, EntityType: "audit_run",
				EntityID: run.ID, UserID: req.RequestedBy, Action: "submit", Success: true,
			})
			writeJSON(w, 202, map[string]string{"auditRunId": run.ID, "revisionId": rev.ID})
		})
	})

	r.Get("/api/audit-runs/{auditRunID}", func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.Get(r.Context(), chi.URLParam(r, "auditRunID"))
		if err != nil {
			writeError(w, 404, err)
			return
		}
		writeJSON(w, 200, run)
	})

	r.Get("/api/audit-runs/{auditRunID}/events", func(w http.ResponseWriter, r *http.Request) {
		auditRunID := chi.URLParam(r, "auditRunID")
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, 500, fmt.Errorf("streaming unsupported"))
			return
		}

		run, err := runs.Get(r.Context(), auditRunID)
		if err != nil {
			writeError(w, 404, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(200)

		stages := []string{pipeline.QueueIngest, pipeline.QueueVerify, pipeline.QueueAudit, pipeline.QueueFindingLifecycle, pipeline.QueuePdf}

		for _, stage := range stages {
			history, err := bus.History(r.Context(), pipeline.JobID(stage, run.ProjectID, auditRunID))
			if err != nil {
				continue
			}
			for _, ev := range history {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()

		merged := make(chan events.Event, 16)
		var unsubscribers []func()
		for _, stage := range stages {
			ch, unsubscribe := bus.Subscribe(pipeline.JobID(stage, run.ProjectID, auditRunID))
			unsubscribers = append(unsubscribers, unsubscribe)
			go func(ch <-chan events.Event) {
				for ev := range ch {
					select {
					case merged <- ev:
					case <-r.Context().Done():
						return
					}
				}
			}(ch)
		}
		defer func() {
			for _, unsubscribe := range unsubscribers {
				unsubscribe()
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-merged:
				writeSSE(w, ev)
				flusher.Flush()
			}
		}
	})

	return r
}

func rateLimitMiddleware(limiter *ratelimit.Limiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			allowed, err := limiter.Allow(r.Context(), key, perMinute, time.Minute)
			if err == nil && !allowed {
				writeError(w, 429, fmt.Errorf("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	payload, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}


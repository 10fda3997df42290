package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitCreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	tables := []string{
		"worker_heartbeats", "metrics_timeseries",
		"audit_log", "business_event_logs",
	}
	for _, table := range tables {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManagerRecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricSandboxDurationMs,
		Timestamp: time.Now(),
		Value:     42.5,
		Unit:      "ms",
		Labels:    map[string]string{"audit_run_id": "run-1"},
	})
	mm.RecordSimple(MetricGoroutinesCount, 10, "count")
	mm.Close()

	metrics, err := mm.Query(MetricSandboxDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("sandbox duration count: got %d", len(metrics))
	}
	if metrics[0].Value != 42.5 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["audit_run_id"] != "run-1" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	all, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics: got %d", len(all))
	}
}

func TestMetricsManagerFlushesOnBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple("a", 1, "")
	mm.RecordSimple("b", 2, "")

	time.Sleep(20 * time.Millisecond)
	all, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected flushed rows after hitting buffer size, got %d", len(all))
	}
}

func TestMetricsManagerCleanupDeletesOldRows(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES (?,?,?)`,
		"stale", old.Unix(), 1.0)

	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	n, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row cleaned, got %d", n)
	}
}

// --- AuditLogger ---

func TestAuditLoggerLogAndQuery(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10)
	defer al.Close()

	entry := al.NewAuditEntry("verify", "stage-run", "proj-1", "run-1", map[string]string{"k": "v"}, nil, nil, 150*time.Millisecond)
	if err := al.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	entries, err := al.Query(context.Background(), &AuditFilter{ComponentName: strPtr("verify")})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.ProjectID != "proj-1" || got.AuditRunID != "run-1" {
		t.Fatalf("unexpected entry identifiers: %+v", got)
	}
	if got.Status != "success" {
		t.Fatalf("expected success status, got %q", got.Status)
	}
	if got.DurationMs != 150 {
		t.Fatalf("duration: got %d", got.DurationMs)
	}
}

func TestAuditLoggerRecordsErrorStatus(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10)
	defer al.Close()

	entry := al.NewAuditEntry("ingest", "stage-run", "proj-2", "run-2", nil, nil, errBoom, 10*time.Millisecond)
	if err := al.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	entries, err := al.Query(context.Background(), &AuditFilter{Status: strPtr("error")})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ErrorMessage != errBoom.Error() {
		t.Fatalf("expected one error entry matching errBoom, got %+v", entries)
	}
}

func TestAuditLoggerLogAsyncFallsBackWhenBufferFull(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 1)
	defer al.Close()

	for i := 0; i < 20; i++ {
		al.LogAsync(al.NewAuditEntry("audit", "stage-run", "proj-3", "run-3", nil, nil, nil, 0))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, err := al.Query(context.Background(), &AuditFilter{ComponentName: strPtr("audit")})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 20 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("not all async entries were persisted")
}

// --- HeartbeatWriter ---

func TestHeartbeatWriterWriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "verify-worker", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	status, err := LatestHeartbeat(context.Background(), db, "verify-worker", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if status == nil {
		t.Fatal("expected a heartbeat status")
	}
	if !status.Alive {
		t.Fatal("expected fresh heartbeat to be alive")
	}
}

func TestLatestHeartbeatReturnsNilWhenNoneRecorded(t *testing.T) {
	db := setupObsDB(t)
	status, err := LatestHeartbeat(context.Background(), db, "nonexistent-worker", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Fatalf("expected nil status, got %+v", status)
	}
}

func TestLatestHeartbeatMarksStaleBeyondThreshold(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-time.Hour).Unix()
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES (?,?,?,?)`,
		"stale-worker", "host", 1, old)

	status, err := LatestHeartbeat(context.Background(), db, "stale-worker", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if status.Alive {
		t.Fatal("expected stale heartbeat to be marked not alive")
	}
	if status.StaleSince == nil {
		t.Fatal("expected StaleSince to be set")
	}
}

// --- EventLogger ---

func TestEventLoggerLogEvent(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)

	el.LogEvent(context.Background(), BusinessEvent{
		EventType:  "project.ready",
		ProjectID:  "proj-4",
		EntityType: "project",
		EntityID:   "proj-4",
		Action:     "transition",
		Success:    true,
	})

	var count int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs WHERE project_id = ?", "proj-4").Scan(&count)
	if count != 1 {
		t.Fatalf("expected 1 business event row, got %d", count)
	}
}

// --- Cleanup ---

func TestCleanupRespectsRetentionConfig(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, action, created_at) VALUES (?,?,?,?)`,
		"evt_old", "old", "test", old)
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES (?,?,?,?)`,
		"w", "h", 1, old)

	if err := Cleanup(context.Background(), db, RetentionConfig{EventLogsDays: 30, HeartbeatsDays: 30}); err != nil {
		t.Fatal(err)
	}

	var events, heartbeats int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&heartbeats)
	if events != 0 || heartbeats != 0 {
		t.Fatalf("expected retention cleanup to remove old rows, got events=%d heartbeats=%d", events, heartbeats)
	}
}

func TestCleanupSkipsTableWithZeroRetention(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, action, created_at) VALUES (?,?,?,?)`,
		"evt_old", "old", "test", old)

	if err := Cleanup(context.Background(), db, RetentionConfig{EventLogsDays: 0}); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&count)
	if count != 1 {
		t.Fatalf("expected row to survive when retention disabled, got count=%d", count)
	}
}

var errBoom = errBoomError{}

type errBoomError struct{}

func (errBoomError) Error() string { return "boom" }

func strPtr(s string) *string { return &s }

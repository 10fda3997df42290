// Package observability provides the control plane's own operational
// telemetry: a metrics timeseries, an operation-level audit trail, worker
// heartbeats, and business events — all SQLite-native, kept separate from
// the pipeline's durable job-event log (C9), which is domain data rather
// than telemetry.
package observability

import "database/sql"

// Schema contains the DDL for every observability table. Call Init(db)
// once against a dedicated observability database (kept apart from the
// control plane's primary database to avoid write contention).
const Schema = `
CREATE TABLE IF NOT EXISTS worker_heartbeats (
	heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
	worker_name TEXT NOT NULL,
	hostname TEXT NOT NULL,
	worker_pid INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	goroutines_count INTEGER,
	memory_alloc_mb REAL,
	memory_sys_mb REAL,
	gc_count INTEGER,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
	ON worker_heartbeats(worker_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
	metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
	metric_name TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	value REAL NOT NULL,
	labels TEXT,
	unit TEXT,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
	ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
	entry_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	component_name TEXT NOT NULL,
	operation_type TEXT NOT NULL,
	project_id TEXT,
	audit_run_id TEXT,
	requested_by TEXT,
	parameters TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	error_code TEXT,
	error_message TEXT,
	duration_ms INTEGER,
	status TEXT NOT NULL,
	metadata TEXT,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_log(component_name, operation_type);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(audit_run_id);

CREATE TABLE IF NOT EXISTS business_event_logs (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	project_id TEXT,
	entity_type TEXT,
	entity_id TEXT,
	user_id TEXT,
	action TEXT NOT NULL,
	details TEXT,
	success INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON business_event_logs(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_project ON business_event_logs(project_id, created_at DESC);
`

// Init applies the observability schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

package store

// migrations returns the versioned schema. Times are stored as RFC 3339
// UTC text so lexical comparison matches chronological order.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS queued_runs (
				id TEXT PRIMARY KEY,
				workflow_name TEXT NOT NULL,
				trigger_type TEXT NOT NULL,
				trigger_data TEXT,
				workflow_content TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'queued',
				attempts INTEGER NOT NULL DEFAULT 0,
				next_attempt_at TEXT NOT NULL,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				scheduled_for TEXT,
				error TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_queued_runs_claim
				ON queued_runs (status, next_attempt_at, created_at);

			CREATE TABLE IF NOT EXISTS schedules (
				id TEXT PRIMARY KEY,
				workflow_name TEXT NOT NULL,
				trigger_type TEXT NOT NULL,
				cron_expression TEXT,
				timezone TEXT,
				config TEXT,
				status TEXT NOT NULL DEFAULT 'active',
				last_run_at TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_schedules_workflow
				ON schedules (workflow_name);

			CREATE TABLE IF NOT EXISTS run_history (
				id TEXT PRIMARY KEY,
				workflow_name TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TEXT NOT NULL,
				completed_at TEXT NOT NULL,
				duration_ms INTEGER NOT NULL,
				error TEXT,
				trigger_type TEXT,
				trigger_data TEXT,
				created_at TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_run_history_workflow
				ON run_history (workflow_name, created_at);

			CREATE TABLE IF NOT EXISTS run_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL REFERENCES run_history(id) ON DELETE CASCADE,
				timestamp TEXT NOT NULL,
				level TEXT NOT NULL,
				step_id TEXT,
				message TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_run_logs_run
				ON run_logs (run_id);

			CREATE TABLE IF NOT EXISTS run_steps (
				run_id TEXT NOT NULL REFERENCES run_history(id) ON DELETE CASCADE,
				step_id TEXT NOT NULL,
				status TEXT NOT NULL,
				duration_ms INTEGER,
				error TEXT,
				output TEXT,
				PRIMARY KEY (run_id, step_id)
			);

			CREATE TABLE IF NOT EXISTS token_usage (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				input_tokens INTEGER NOT NULL,
				output_tokens INTEGER NOT NULL,
				model TEXT,
				workflow_name TEXT,
				run_id TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_token_usage_timestamp
				ON token_usage (timestamp);
		`,
	}
}

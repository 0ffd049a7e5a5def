package store

import "database/sql"

// migrateToCoreSchema creates every table this subsystem needs. Grounded
// on the column shapes of grail/crates/grail-server/src/db.rs's
// CREATE TABLE statements, translated into sqlite TEXT/INTEGER columns
// the way the teacher's sqlite.go stores timestamps (RFC3339 TEXT) and
// booleans (INTEGER 0/1).
func migrateToCoreSchema(tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			provider TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL DEFAULT '',
			event_ts TEXT NOT NULL DEFAULT '',
			conversation_key TEXT NOT NULL,
			requested_by_user_id TEXT NOT NULL DEFAULT '',
			prompt_text TEXT NOT NULL DEFAULT '',
			result_text TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			is_proactive INTEGER NOT NULL DEFAULT 0,
			reenqueue_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX idx_tasks_status_created ON tasks (status, created_at)`,
		`CREATE INDEX idx_tasks_conversation_key ON tasks (conversation_key)`,

		`CREATE TABLE sessions (
			conversation_key TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL DEFAULT '',
			memory_summary TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE conversation_locks (
			conversation_key TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			lease_until TEXT NOT NULL
		)`,

		`CREATE TABLE approvals (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			thread_ts TEXT NOT NULL DEFAULT '',
			requested_by_user_id TEXT NOT NULL DEFAULT '',
			details_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX idx_approvals_status ON approvals (status)`,

		`CREATE TABLE guardrail_rules (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			pattern_kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			action TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_guardrail_rules_kind_priority ON guardrail_rules (kind, priority, created_at)`,

		`CREATE TABLE cron_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			schedule_kind TEXT NOT NULL,
			every_seconds INTEGER NOT NULL DEFAULT 0,
			cron_expr TEXT NOT NULL DEFAULT '',
			at_ts TEXT,
			workspace_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			thread_ts TEXT NOT NULL DEFAULT '',
			prompt_text TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			next_run_at TEXT,
			last_run_at TEXT,
			last_status TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_cron_jobs_next_run ON cron_jobs (enabled, next_run_at)`,

		`CREATE TABLE processed_events (
			workspace_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			processed_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, event_id)
		)`,

		`CREATE TABLE observational_memory (
			memory_key TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			observation_log TEXT NOT NULL DEFAULT '',
			reflection_summary TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE telegram_messages (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE INDEX idx_telegram_messages_chat_received ON telegram_messages (chat_id, received_at)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

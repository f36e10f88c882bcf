package store

import "database/sql"

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS leads (
			id             TEXT PRIMARY KEY,
			broker_id      TEXT NOT NULL,
			pipeline_stage TEXT NOT NULL,
			data           TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_leads_updated
			ON leads(updated_at);
		CREATE INDEX IF NOT EXISTS idx_leads_broker
			ON leads(broker_id);

		CREATE TABLE IF NOT EXISTS conversation_states (
			lead_id    TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			lead_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_calls TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_lead
			ON messages(lead_id, id);
		CREATE INDEX IF NOT EXISTS idx_messages_created
			ON messages(created_at);

		CREATE TABLE IF NOT EXISTS appointment_slots (
			id        TEXT PRIMARY KEY,
			broker_id TEXT NOT NULL,
			start_at  TEXT NOT NULL,
			end_at    TEXT NOT NULL,
			booked    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_slots_broker
			ON appointment_slots(broker_id, booked, start_at);

		CREATE TABLE IF NOT EXISTS appointments (
			id         TEXT PRIMARY KEY,
			lead_id    TEXT NOT NULL,
			broker_id  TEXT NOT NULL,
			slot_id    TEXT NOT NULL,
			start_at   TEXT NOT NULL,
			end_at     TEXT NOT NULL,
			notes      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_appointments_lead
			ON appointments(lead_id);

		CREATE TABLE IF NOT EXISTS followup_reminders (
			id      TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			due_at  TEXT NOT NULL,
			reason  TEXT NOT NULL DEFAULT '',
			sent_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_reminders_due
			ON followup_reminders(due_at) WHERE sent_at IS NULL;

		CREATE TABLE IF NOT EXISTS provider_calls (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			provider          TEXT NOT NULL,
			model             TEXT NOT NULL,
			operation         TEXT NOT NULL,
			latency_ms        INTEGER NOT NULL,
			prompt_tokens     INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			estimated         INTEGER NOT NULL DEFAULT 0,
			failover_used     INTEGER NOT NULL DEFAULT 0,
			error_code        TEXT NOT NULL DEFAULT '',
			at                TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_provider_calls_at
			ON provider_calls(at);
	`
	_, err := db.Exec(schema)
	return err
}

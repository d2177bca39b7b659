package store

// Schemas returns the DDL executed on open. Every statement is idempotent.
func Schemas() []string {
	return []string{
		// Current state of every replicated row, payload kept as JSON for json_extract
		`CREATE TABLE IF NOT EXISTS records (
			table_name TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (table_name, id)
		)`,

		// Append-only log of local mutations, never updated
		`CREATE TABLE IF NOT EXISTS changelog (
			cursor INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			row_id TEXT NOT NULL,
			action TEXT NOT NULL,
			store_id TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			source_site_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changelog_table ON changelog(table_name, cursor)`,

		// Inbound records awaiting integration
		`CREATE TABLE IF NOT EXISTS sync_buffer (
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			action TEXT NOT NULL,
			data TEXT NOT NULL,
			source_site_id INTEGER NOT NULL DEFAULT 0,
			received_seq INTEGER NOT NULL,
			received_at INTEGER NOT NULL,
			integration_at INTEGER,
			integration_error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			dead_lettered_at INTEGER,
			PRIMARY KEY (table_name, record_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_buffer_pending ON sync_buffer(integration_at, dead_lettered_at, received_seq)`,

		// Cursors and flags
		`CREATE TABLE IF NOT EXISTS key_value_store (
			id TEXT PRIMARY KEY,
			value_int INTEGER,
			value_string TEXT
		)`,
	}
}

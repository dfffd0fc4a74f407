package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts. Every statement is
// idempotent, so the full list runs on each startup.
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id TEXT PRIMARY KEY,
					block_number INTEGER NOT NULL,
					block_hash TEXT NOT NULL,
					tx_hash TEXT NOT NULL,
					tx_index INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					event_name TEXT NOT NULL,
					event_signature TEXT NOT NULL,
					parameters TEXT NOT NULL, -- JSON
					decoded BOOLEAN NOT NULL DEFAULT TRUE,
					timestamp DATETIME NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(tx_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_block_order ON events(block_number, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_contract ON events(contract_address);
				CREATE INDEX IF NOT EXISTS idx_events_name ON events(event_name);
			`,
		},
		{
			Version:     "002",
			Description: "Create sync_status table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sync_status (
					address TEXT PRIMARY KEY,
					last_block_number INTEGER NOT NULL DEFAULT 0,
					last_sync_time DATETIME,
					is_syncing BOOLEAN NOT NULL DEFAULT FALSE
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id TEXT PRIMARY KEY,
					block_number BIGINT NOT NULL,
					block_hash TEXT NOT NULL,
					tx_hash TEXT NOT NULL,
					tx_index INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					event_name TEXT NOT NULL,
					event_signature TEXT NOT NULL,
					parameters JSONB NOT NULL,
					decoded BOOLEAN NOT NULL DEFAULT TRUE,
					timestamp TIMESTAMP WITH TIME ZONE NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(tx_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_block_order ON events(block_number, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_contract ON events(contract_address);
				CREATE INDEX IF NOT EXISTS idx_events_name ON events(event_name);
				CREATE INDEX IF NOT EXISTS idx_events_params_gin ON events USING GIN(parameters);
			`,
		},
		{
			Version:     "002",
			Description: "Create sync_status table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sync_status (
					address TEXT PRIMARY KEY,
					last_block_number BIGINT NOT NULL DEFAULT 0,
					last_sync_time TIMESTAMP WITH TIME ZONE,
					is_syncing BOOLEAN NOT NULL DEFAULT FALSE
				);
			`,
		},
	}
}

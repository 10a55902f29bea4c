package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS journals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    starting_balance REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    journal_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(journal_id) REFERENCES journals(id),
    UNIQUE(journal_id, name)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    journal_id TEXT NOT NULL,
    asset_id TEXT,
    trade_date DATETIME NOT NULL,
    risk_percent REAL,
    pl_percent REAL DEFAULT 0,
    pl_amount REAL DEFAULT 0,
    exit_reason TEXT,
    is_closed BOOLEAN DEFAULT 0,
    source TEXT,
    external_id TEXT,
    external_account_id TEXT,
    sync_status TEXT,
    last_synced_at DATETIME,
    sync_metadata TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(journal_id) REFERENCES journals(id),
    FOREIGN KEY(asset_id) REFERENCES assets(id)
);

-- Natural key for broker-sourced trades; manual trades carry NULLs and
-- are never touched by the sync engine.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_external
    ON trades(journal_id, source, external_id);

CREATE INDEX IF NOT EXISTS idx_trades_open
    ON trades(journal_id, source, is_closed);

CREATE TABLE IF NOT EXISTS broker_connections (
    id TEXT PRIMARY KEY,
    journal_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    account_id TEXT NOT NULL,
    access_token TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    last_synced_at DATETIME,
    last_sync_status TEXT DEFAULT 'pending',
    last_sync_error TEXT,
    sync_count INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(journal_id) REFERENCES journals(id)
);

-- At most one active connection per journal per provider.
CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_active
    ON broker_connections(journal_id, provider) WHERE is_active = 1;
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

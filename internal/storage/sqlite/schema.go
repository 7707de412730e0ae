package sqlite

import "github.com/steveyegge/thermal/internal/storage/migrations"

// Timestamps are stored as unix milliseconds so range deletes compare integers.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "create snapshots",
		Up: `
			CREATE TABLE IF NOT EXISTS snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tick INTEGER NOT NULL,
				recorded_at INTEGER NOT NULL,
				pressure REAL NOT NULL,
				ceiling REAL NOT NULL,
				ratio REAL NOT NULL,
				momentum REAL NOT NULL,
				overflow INTEGER NOT NULL DEFAULT 0,
				zone TEXT NOT NULL,
				coherence REAL NOT NULL,
				trend TEXT NOT NULL,
				data TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_recorded_at ON snapshots(recorded_at);
			CREATE INDEX IF NOT EXISTS idx_snapshots_tick ON snapshots(tick);
		`,
		Down: `DROP TABLE IF EXISTS snapshots;`,
	},
	{
		Version:     2,
		Description: "create alerts",
		Up: `
			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				tick INTEGER NOT NULL,
				recorded_at INTEGER NOT NULL,
				severity TEXT NOT NULL,
				from_zone TEXT NOT NULL DEFAULT '',
				to_zone TEXT NOT NULL DEFAULT '',
				level TEXT NOT NULL DEFAULT '',
				ratio REAL NOT NULL DEFAULT 0,
				message TEXT NOT NULL,
				data TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_alerts_recorded_at ON alerts(recorded_at);
			CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(type);
			CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
		`,
		Down: `DROP TABLE IF EXISTS alerts;`,
	},
	{
		Version:     3,
		Description: "create metadata",
		Up: `
			CREATE TABLE IF NOT EXISTS metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`,
		Down: `DROP TABLE IF EXISTS metadata;`,
	},
}

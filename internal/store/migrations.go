package store

import "database/sql"

// migrate runs all database migrations
func migrate(db *sql.DB) error {
	migrations := []string{
		// Tenants (one row per configured athlete; client credentials are
		// unique across tenants)
		`CREATE TABLE IF NOT EXISTS tenants (
			athlete_id INTEGER PRIMARY KEY,
			client_id TEXT NOT NULL UNIQUE,
			client_secret TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			distance_unit TEXT NOT NULL DEFAULT 'metric',
			import_photos INTEGER NOT NULL DEFAULT 0,
			callback_url TEXT NOT NULL DEFAULT '',
			subscription_id INTEGER NOT NULL DEFAULT 0,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		// OAuth sessions (one per tenant)
		`CREATE TABLE IF NOT EXISTS sessions (
			athlete_id INTEGER PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (athlete_id) REFERENCES tenants(athlete_id) ON DELETE CASCADE
		)`,

		// Activity snapshots (replaced wholesale on refetch)
		`CREATE TABLE IF NOT EXISTS activities (
			athlete_id INTEGER NOT NULL,
			id INTEGER NOT NULL,
			name TEXT NOT NULL,
			sport_type TEXT NOT NULL,
			start_date TEXT NOT NULL,
			distance REAL NOT NULL,
			moving_time INTEGER NOT NULL,
			elapsed_time INTEGER NOT NULL,
			total_elevation_gain REAL,
			average_heartrate REAL,
			max_heartrate REAL,
			average_watts REAL,
			device_name TEXT,
			gear_id TEXT,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (athlete_id, id),
			FOREIGN KEY (athlete_id) REFERENCES tenants(athlete_id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_activities_start_date ON activities(athlete_id, start_date)`,

		// Gear catalog (position preserves upstream order)
		`CREATE TABLE IF NOT EXISTS gear (
			athlete_id INTEGER NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			distance REAL NOT NULL DEFAULT 0,
			retired INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (athlete_id, id),
			FOREIGN KEY (athlete_id) REFERENCES tenants(athlete_id) ON DELETE CASCADE
		)`,

		// Pod to shoe mappings (bijective per tenant)
		`CREATE TABLE IF NOT EXISTS pod_mappings (
			athlete_id INTEGER NOT NULL,
			pod_id TEXT NOT NULL,
			gear_id TEXT NOT NULL,
			PRIMARY KEY (athlete_id, pod_id),
			UNIQUE (athlete_id, gear_id),
			FOREIGN KEY (athlete_id) REFERENCES tenants(athlete_id) ON DELETE CASCADE
		)`,

		// Summary stats (stored wholesale as JSON per tenant)
		`CREATE TABLE IF NOT EXISTS summary_stats (
			athlete_id INTEGER PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (athlete_id) REFERENCES tenants(athlete_id) ON DELETE CASCADE
		)`,

		// Sync State (key-value store for sync tracking)
		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	return nil
}

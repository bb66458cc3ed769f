package db

import "database/sql"

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "session preferences (permission mode, allowed tools)",
		Up: func(db *sql.DB) error {
			_, err := db.Exec(`
				CREATE TABLE IF NOT EXISTS session_prefs (
					session_id TEXT PRIMARY KEY,
					permission_mode TEXT NOT NULL DEFAULT '',
					allowed_tools TEXT NOT NULL DEFAULT '[]',
					updated_at TEXT NOT NULL
				)
			`)
			return err
		},
	})
}

package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/claudedeck/claudedeck/config"
	"github.com/claudedeck/claudedeck/log"
	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
	mu   sync.RWMutex
)

// GetDB returns the singleton database connection
func GetDB() *sql.DB {
	once.Do(func() {
		cfg := config.Get()

		if err := ensureDatabaseDirectory(cfg.DatabasePath); err != nil {
			log.Fatal().Err(err).Msg("failed to create database directory")
		}

		// WAL mode, foreign keys, and a busy timeout: SQLite works best here
		// with a single writer
		dsn := cfg.DatabasePath + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

		var err error
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
		}

		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := db.Ping(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}

		if err := runMigrations(db); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}

		log.Info().Str("path", cfg.DatabasePath).Msg("database initialized")
	})

	return db
}

// Close closes the database connection
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if db != nil {
		return db.Close()
	}
	return nil
}

// ensureDatabaseDirectory creates the directory for the database file if it doesn't exist
func ensureDatabaseDirectory(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		log.Info().Str("dir", dir).Msg("created database directory")
	}
	return nil
}

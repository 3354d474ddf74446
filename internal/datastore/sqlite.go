package datastore

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
)

// SQLiteStore implements the ledger on SQLite.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open creates the database file if needed and migrates the schema.
func (store *SQLiteStore) Open() error {
	path := store.Settings.Output.SQLite.Path
	if path == "" {
		return errors.Newf("sqlite path is empty").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.New(err).
					Component("datastore").
					Category(errors.CategoryFileIO).
					Context("path", path).
					Build()
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.NewGormLogger(store.log, DefaultSlowQueryThreshold),
	})
	if err != nil {
		store.log.Error("failed to open SQLite database", logger.String("path", path), logger.Error(err))
		return dbError(err, "open").Context("db_type", "sqlite").Build()
	}

	// one connection keeps an in-memory database alive and serializes writers
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open").Context("db_type", "sqlite").Build()
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	return performAutoMigration(db, store.log, "SQLite", path)
}

// Close closes the database.
func (store *SQLiteStore) Close() error {
	err := closeDB(store.DB)
	store.DB = nil
	return err
}

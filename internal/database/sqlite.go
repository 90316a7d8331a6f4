// Package database owns the embedded storage substrate: connection setup,
// pragma configuration, and the forward-only migration registry that every
// other component's GORM models are AutoMigrated against.
package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options configures how the embedded store is opened.
type Options struct {
	Path              string
	PragmaJournalMode string
	PragmaSynchronous string
	AllowInMemory     bool
	TestMode          bool
}

// Open establishes the SQLite connection, applies durability pragmas, and
// runs schema migrations. It owns the one storage handle every component
// in the process borrows.
func Open(opts Options, logger *zap.Logger) (*gorm.DB, error) {
	path := strings.TrimSpace(opts.Path)
	inMemory := path == "" || path == ":memory:" || strings.HasPrefix(path, "file::memory:")

	if inMemory {
		if !opts.TestMode && !opts.AllowInMemory {
			return nil, fmt.Errorf("database: in-memory storage requires ALLOW_IN_MEMORY=true outside test mode")
		}
		if path == "" {
			path = "file::memory:?cache=shared"
		}
		if !opts.TestMode && logger != nil {
			logger.Warn("database opened as ephemeral in-memory store; all data is lost on restart")
		}
	}

	dsn := withTxLockImmediate(path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers regardless of pool size; a single reserved
	// writer connection is what lets push's IMMEDIATE transaction behave
	// as the one coordination point the counter allocation and idempotency
	// checks rely on.
	sqlDB.SetMaxOpenConns(1)

	journalMode := defaultIfEmpty(opts.PragmaJournalMode, "WAL")
	synchronous := defaultIfEmpty(opts.PragmaSynchronous, "NORMAL")
	if !inMemory {
		if err := db.Exec(fmt.Sprintf("PRAGMA journal_mode=%s;", journalMode)).Error; err != nil {
			return nil, err
		}
	}
	if err := db.Exec(fmt.Sprintf("PRAGMA synchronous=%s;", synchronous)).Error; err != nil {
		return nil, err
	}
	if err := db.Exec("PRAGMA foreign_keys=ON;").Error; err != nil {
		return nil, err
	}

	if err := autoMigrate(db); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.Bool("in_memory", inMemory))
	}

	return db, nil
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// withTxLockImmediate attaches the modernc.org/sqlite DSN option that
// upgrades every BEGIN issued by GORM's Transaction to BEGIN IMMEDIATE,
// giving push its reserved-writer slot without hand-rolling SQLite's
// locking in application code.
func withTxLockImmediate(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + "_txlock=immediate"
}

package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open creates a GORM *DB backed by a SQLite file in WAL mode.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir %q: %w", dir, err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	return open(dsn)
}

// OpenMemory creates an in-memory SQLite database. Each distinct name is a
// separate database; an empty name is replaced by a random one.
func OpenMemory(name string) (*gorm.DB, error) {
	if name == "" {
		name = uuid.NewString()
	}
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name))
}

func open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer; a single pooled connection serializes
	// transactions instead of failing them with SQLITE_BUSY. It also keeps
	// an in-memory database alive for the lifetime of the handle.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return db, nil
}

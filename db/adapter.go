package db

import (
	"fmt"

	"github.com/kasuganosora/friendsync/config"
	dbmysql "github.com/kasuganosora/friendsync/db/mysql"
	dbsqlite "github.com/kasuganosora/friendsync/db/sqlite"
	"gorm.io/gorm"
)

const (
	ModeSQLite       = "sqlite"
	ModeSQLiteMemory = "sqlite_memory"
	ModeMySQL        = "mysql"
)

// Open returns a *gorm.DB for the configured database mode.
// For ModeSQLiteMemory, SQLitePath names the in-memory database; an empty
// name gets a private database that no other handle can see.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Mode {
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath)
	case ModeSQLiteMemory:
		return dbsqlite.OpenMemory(cfg.SQLitePath)
	case ModeMySQL:
		return dbmysql.Open(cfg.MySQLDSN, cfg.MySQLMaxOpen, cfg.MySQLMaxIdle, cfg.MySQLMaxLife)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}

package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if needed) the sqlite database at path and migrates
// the chat tables. ":memory:" opens a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if path == ":memory:" {
		// Each new connection would see its own empty in-memory database.
		sqlDB, err := database.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(database); err != nil {
		return nil, err
	}
	return database, nil
}

// AutoMigrate creates database tables
func AutoMigrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&Conversation{}, &Message{}, &User{}, &Document{}); err != nil {
		return fmt.Errorf("migrate chat tables: %w", err)
	}
	return nil
}

package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tradelink/tradelink-api/internal/bots"
	"github.com/tradelink/tradelink-api/internal/signals"
)

// NewDatabase opens the datastore and migrates the core schema: bot
// configurations and the signal queue.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&bots.Bot{},
		&signals.Signal{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

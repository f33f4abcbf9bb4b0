package db

import (
	"fmt"

	"github.com/zulandar/stealthchat/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model used by the local transport.
func AllModels() []interface{} {
	return []interface{}{
		&models.Channel{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

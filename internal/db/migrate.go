package db

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/cinechat/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the archive models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.SessionRecord{},
		&models.StatusEntry{},
	}
}

// AutoMigrate creates or updates the archive tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

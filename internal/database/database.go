package database

import (
	"xray-back/internal/config"
	"xray-back/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitDB opens the PostgreSQL connection.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

// MigrateDB runs auto-migration for all persistent models.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.XrayImage{},
		&models.DiseaseDetection{},
		&models.DetectionHistory{},
	)
}

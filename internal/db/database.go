package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"facestream/config"
	"facestream/internal/core/models"

	"github.com/glebarez/sqlite" // pure Go SQLite driver
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the process-wide face log connection.
var DB *gorm.DB

// Initialize opens the configured database and stores it in DB.
func Initialize(cfg config.DBConfig) error {
	database, err := Open(cfg.File)
	if err != nil {
		return err
	}
	DB = database
	return nil
}

// Open connects to the SQLite file at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			log.Errorf("Failed to create database directory '%s': %v", dir, err)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", path)

	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Errorf("Failed to connect to database: %v", err)
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// SQLite serializes writers; a single connection avoids "database is locked".
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Running database migrations...")
	if err := database.AutoMigrate(
		&models.CaptureRun{},
		&models.FaceEntry{},
		&models.PendingUpload{},
	); err != nil {
		log.Errorf("Database migration failed: %v", err)
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("Database ready")
	return database, nil
}

// GetDB returns the initialized connection.
func GetDB() (*gorm.DB, error) {
	if DB == nil {
		return nil, fmt.Errorf("database is not initialized")
	}
	return DB, nil
}

// Close closes the connection held in DB.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	DB = nil
	return sqlDB.Close()
}

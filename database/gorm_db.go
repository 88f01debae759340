package database

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/camden-git/footfallbackend/models"
)

// DefaultDSN keeps the customer census in a named in-memory database that
// lives as long as the process holds its connection open.
const DefaultDSN = "file:footfall?mode=memory&cache=shared"

// InitGormDB initializes and returns a GORM database instance
func InitGormDB(dataSourceName string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dataSourceName), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}

	// a single connection serialises every store call; for in-memory
	// databases it must also never be recycled or the data goes with it
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if IsInMemory(dataSourceName) {
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Println("GORM Database initialized successfully at", dataSourceName)
	return db, nil
}

// IsInMemory reports whether the DSN names an in-memory SQLite database.
func IsInMemory(dataSourceName string) bool {
	return strings.Contains(dataSourceName, ":memory:") || strings.Contains(dataSourceName, "mode=memory")
}

// AutoMigrateModels migrates the customer census schema.
func AutoMigrateModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Customer{},
		&models.CustomerPosition{},
	)
	if err != nil {
		return fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	log.Println("GORM AutoMigrate completed successfully.")
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}
	return sqlDB.Close()
}

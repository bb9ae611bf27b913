package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// hypertables lists the time-partitioned tables; both use "time"
var hypertables = []string{
	"virtual_tag_results",
	"sensor_history",
}

// Database wraps a GORM DB connection with additional functionality
type Database struct {
	*gorm.DB
	logger *utils.Logger
	config *config.DatabaseConfig
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.DatabaseConfig, log *utils.Logger) (*Database, error) {
	dbLogger := log.Named("database")

	// Queries slower than a second are logged as warnings
	gormLogger := logger.New(
		&logAdapter{logger: dbLogger},
		logger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gormConfig := &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dbLogger.Info("Opening sqlite database", zap.String("path", cfg.GetDSN()))
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		dbLogger.Info("Connecting to database",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("dbname", cfg.DBName),
			zap.String("user", cfg.User),
		)
		dialector = postgres.Open(cfg.GetDSN())
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite serializes writers; one connection avoids "database is locked"
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	database := &Database{
		DB:     db,
		logger: dbLogger,
		config: cfg,
	}

	if err := database.VerifyConnection(context.Background()); err != nil {
		return nil, err
	}

	return database, nil
}

// NewFromGorm wraps an already opened connection
func NewFromGorm(db *gorm.DB, cfg *config.DatabaseConfig, log *utils.Logger) *Database {
	return &Database{DB: db, logger: log.Named("database"), config: cfg}
}

// CommandTimeout is the per-statement deadline applied by repositories
func (db *Database) CommandTimeout() time.Duration {
	if db.config == nil || db.config.CommandTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(db.config.CommandTimeout) * time.Second
}

// VerifyConnection checks if the database connection is working
func (db *Database) VerifyConnection(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, db.CommandTimeout())
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	db.logger.Info("Successfully connected to database")
	return nil
}

// AutoMigrate creates or updates the engine tables
func (db *Database) AutoMigrate() error {
	db.logger.Info("Running auto migrations")

	postgresDB := db.isPostgres()
	if postgresDB {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;").Error; err != nil {
			db.logger.Warn("Failed to create TimescaleDB extension, time-series optimization disabled", zap.Error(err))
		}
	}

	if err := db.DB.AutoMigrate(
		&models.VirtualTag{},
		&models.TagDependency{},
		&models.CalculationResult{},
		&models.SensorReading{},
	); err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}

	if postgresDB {
		if err := db.CreateHypertables(); err != nil {
			db.logger.Warn("Failed to create hypertables", zap.Error(err))
		}
	}

	return nil
}

// CreateHypertables converts the history tables into TimescaleDB hypertables
func (db *Database) CreateHypertables() error {
	var extensionExists bool
	if err := db.DB.Raw("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'timescaledb');").Scan(&extensionExists).Error; err != nil {
		return fmt.Errorf("failed to check TimescaleDB extension: %w", err)
	}

	if !extensionExists {
		return fmt.Errorf("TimescaleDB extension not installed")
	}

	for _, table := range hypertables {
		var hypertableExists bool
		if err := db.DB.Raw("SELECT EXISTS(SELECT 1 FROM timescaledb_information.hypertables WHERE hypertable_name = ?);", table).Scan(&hypertableExists).Error; err != nil {
			return fmt.Errorf("failed to check if hypertable exists for %s: %w", table, err)
		}

		if hypertableExists {
			continue
		}

		if err := db.DB.Exec("SELECT create_hypertable(?, 'time', migrate_data => true);", table).Error; err != nil {
			return fmt.Errorf("failed to create hypertable for %s: %w", table, err)
		}
		db.logger.Info("Created hypertable", zap.String("table", table))
	}

	return nil
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	db.logger.Info("Database connection closed")
	return nil
}

func (db *Database) isPostgres() bool {
	return db.DB.Dialector.Name() == "postgres"
}

// logAdapter adapts our logger to GORM's logger interface
type logAdapter struct {
	logger *utils.Logger
}

// Printf implements GORM's logger interface
func (l *logAdapter) Printf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

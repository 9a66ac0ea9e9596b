package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/gatherly/feedkit/pkg/impressions"
	"github.com/gatherly/feedkit/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// BatchSize bounds the rows sent in a single INSERT
const BatchSize = 100

// GormSink writes impressions straight to a SQL database
type GormSink struct {
	db *gorm.DB
}

// Open connects to postgres or sqlite and installs the tracing plugin.
// driver is "postgres" or "sqlite".
func Open(driver, dsn string, verbose bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sink driver %q", driver)
	}

	gormLogger := gormlogger.Default.LogMode(gormlogger.Silent)
	if verbose {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Use(TracingPlugin()); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// sqlite serializes writers, and an in-memory database lives on one connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}

// Migrate creates the impression tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&EventImpressionRecord{},
		&PostImpressionRecord{},
		&AdImpressionRecord{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Debug("Impression tables migrated", "dialect", db.Dialector.Name())
	return nil
}

// NewGormSink wraps an open database
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

// DB exposes the underlying connection
func (s *GormSink) DB() *gorm.DB {
	return s.db
}

// InsertEventImpressions writes event rows in batches
func (s *GormSink) InsertEventImpressions(ctx context.Context, rows []impressions.EventImpression) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]EventImpressionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, eventRecord(row))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&records, BatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert %d event impressions: %w", len(records), err)
	}
	return nil
}

// InsertPostImpressions writes post rows in batches
func (s *GormSink) InsertPostImpressions(ctx context.Context, rows []impressions.PostImpression) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]PostImpressionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, postRecord(row))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&records, BatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert %d post impressions: %w", len(records), err)
	}
	return nil
}

// EmitAdImpression records one billing event
func (s *GormSink) EmitAdImpression(ctx context.Context, imp impressions.AdImpression) error {
	rec := adRecord(imp)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record ad impression: %w", err)
	}
	return nil
}

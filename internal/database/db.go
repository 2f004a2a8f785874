package database

import (
	"fmt"
	"strings"
	"time"

	"crm/internal/config"
	"crm/internal/logger"
	"crm/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Models lists every persisted type, in migration order.
func Models() []interface{} {
	return []interface{}{
		&model.Client{},
		&model.ClientTag{},
		&model.Interaction{},
		&model.ClientOrder{},
		&model.Task{},
		&model.PaymentPlan{},
		&model.Installment{},
		&model.Invoice{},
		&model.InvoiceItem{},
		&model.InvoiceReminder{},
		&model.NumberSequence{},
		&model.ReconciliationTask{},
		&model.BulkDispatch{},
		&model.AuditLog{},
		&model.TaxRule{},
	}
}

// NewConnection opens the configured database. Unique violations surface as gorm.ErrDuplicatedKey.
func NewConnection(cfg config.DBConfig, log *logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path + "?_foreign_keys=on&_busy_timeout=5000")
	default:
		dialector = postgres.Open(cfg.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         NewGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.SugaredLogger.Warnf(format, args...)
}

// NewGormLogger reports slow queries and errors through the service logger.
func NewGormLogger(log *logger.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{log: log.With("component", "gorm")}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

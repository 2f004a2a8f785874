package cli

import (
	"context"
	"fmt"

	"crm/internal/config"
	"crm/internal/database"
	"crm/internal/handler"
	"crm/internal/logger"
	"crm/internal/messaging"
	"crm/internal/realtime"
	"crm/internal/repository"
	"crm/internal/service"

	"gorm.io/gorm"
)

// app is the wired process shared by every subcommand.
type app struct {
	cfg *config.Config
	log *logger.Logger
	db  *gorm.DB
}

func bootstrap() (*app, error) {
	var files []string
	if envFile != "" {
		files = []string{envFile}
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	db, err := database.NewConnection(cfg.DB, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	log.Info("database connected", "driver", cfg.DB.Driver)
	return &app{cfg: cfg, log: log, db: db}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.log.Sync()
}

// channel picks Twilio when credentials are present and the logging channel otherwise.
func (a *app) channel() (messaging.Channel, error) {
	if !a.cfg.TwilioEnabled() {
		a.log.Warn("twilio credentials missing, outbound messages are only logged")
		return messaging.NewLogChannel(a.log), nil
	}
	ch, err := messaging.NewTwilioChannel(a.log, a.cfg.Twilio)
	if err != nil {
		return nil, fmt.Errorf("init twilio channel: %w", err)
	}
	return ch, nil
}

// services wires repositories into services (Repository -> Service).
func (a *app) services(channel messaging.Channel, publisher realtime.Publisher) handler.Services {
	clientRepo := repository.NewClientRepository(a.db)
	invoiceRepo := repository.NewInvoiceRepository(a.db)
	planRepo := repository.NewPaymentPlanRepository(a.db)
	taskRepo := repository.NewReconciliationRepository(a.db)
	auditRepo := repository.NewAuditRepository(a.db)
	taxRepo := repository.NewTaxRuleRepository(a.db)
	txManager := repository.NewTransactionManager(a.db)
	numbers := service.NewNumberAllocator(repository.NewSequenceRepository(a.db))

	reconciler := service.NewReconciler(taskRepo, planRepo, txManager, publisher,
		a.log.With("service", "Reconciler"), a.cfg.Reconcile)

	return handler.Services{
		Clients: service.NewClientService(clientRepo, invoiceRepo, planRepo, auditRepo, numbers, publisher, txManager,
			a.log.With("service", "ClientService"), a.cfg.Invoice),
		Invoices: service.NewInvoiceService(invoiceRepo, clientRepo, planRepo, taxRepo, auditRepo, numbers, reconciler, channel,
			publisher, txManager, a.log.With("service", "InvoiceService"), a.cfg.Invoice),
		Dispatch: service.NewDispatchService(clientRepo, repository.NewDispatchRepository(a.db), auditRepo, channel, publisher,
			a.log.With("service", "DispatchService"), a.cfg.BulkSendDelay),
		Reconciler: reconciler,
		Statistics: service.NewStatisticsService(repository.NewStatisticsRepository(a.db), taskRepo),
		Audit:      service.NewAuditService(auditRepo),
		Tax:        service.NewTaxService(taxRepo, auditRepo, a.log.With("service", "TaxService")),
	}
}

// jobServices wires services for one-shot commands, which never push events.
func (a *app) jobServices() (handler.Services, error) {
	ch, err := a.channel()
	if err != nil {
		return handler.Services{}, err
	}
	return a.services(ch, realtime.Nop{}), nil
}

func migrate(ctx context.Context, a *app) error {
	if err := database.Migrate(a.db.WithContext(ctx)); err != nil {
		return err
	}
	a.log.Info("database migrated")
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crm/internal/config"
	"crm/internal/messaging"
	"crm/internal/model"
	"crm/internal/realtime"
	"crm/internal/repository"
	"crm/internal/testutil"

	"gorm.io/gorm"
)

type fixture struct {
	t   *testing.T
	db  *gorm.DB
	now time.Time

	clientRepo  repository.ClientRepository
	invoiceRepo repository.InvoiceRepository
	planRepo    *flakyPlanRepo
	taskRepo    repository.ReconciliationRepository
	auditRepo   repository.AuditRepository

	channel *fakeChannel
	events  *recordingPublisher

	clients    *clientService
	invoices   *invoiceService
	reconciler *reconciler
	dispatcher *dispatchService
	taxes      *taxService
	stats      *statisticsService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	f := &fixture{
		t:           t,
		db:          db,
		now:         time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		clientRepo:  repository.NewClientRepository(db),
		invoiceRepo: repository.NewInvoiceRepository(db),
		planRepo:    &flakyPlanRepo{PaymentPlanRepository: repository.NewPaymentPlanRepository(db)},
		taskRepo:    repository.NewReconciliationRepository(db),
		auditRepo:   repository.NewAuditRepository(db),
		channel:     newFakeChannel(),
		events:      &recordingPublisher{},
	}
	clock := func() time.Time { return f.now }

	txManager := repository.NewTransactionManager(db)
	taxRepo := repository.NewTaxRuleRepository(db)
	numbers := NewNumberAllocator(repository.NewSequenceRepository(db))

	f.reconciler = NewReconciler(f.taskRepo, f.planRepo, txManager, f.events, log, config.ReconcileConfig{MaxAttempts: 3, BatchSize: 10}).(*reconciler)
	f.reconciler.now = clock

	f.invoices = NewInvoiceService(f.invoiceRepo, f.clientRepo, f.planRepo, taxRepo, f.auditRepo, numbers, f.reconciler,
		f.channel, f.events, txManager, log, config.InvoiceConfig{DefaultDueDays: 14, NumberRetries: 3}).(*invoiceService)
	f.invoices.now = clock

	f.clients = NewClientService(f.clientRepo, f.invoiceRepo, f.planRepo, f.auditRepo, numbers, f.events, txManager, log,
		config.InvoiceConfig{NumberRetries: 3}).(*clientService)
	f.clients.now = clock

	f.dispatcher = NewDispatchService(f.clientRepo, repository.NewDispatchRepository(db), f.auditRepo, f.channel, f.events, log, 0).(*dispatchService)
	f.dispatcher.now = clock

	f.taxes = NewTaxService(taxRepo, f.auditRepo, log).(*taxService)
	f.taxes.now = clock

	f.stats = NewStatisticsService(repository.NewStatisticsRepository(db), f.taskRepo).(*statisticsService)
	f.stats.now = clock
	return f
}

func (f *fixture) ctx() context.Context { return context.Background() }

func (f *fixture) createClient(name, phone, status string) ClientResponse {
	f.t.Helper()
	c, err := f.clients.CreateClient(f.ctx(), CreateClientRequest{Name: name, Phone: phone, Status: status}, "op-1")
	if err != nil {
		f.t.Fatalf("create client %s: %v", name, err)
	}
	return c
}

func (f *fixture) createInvoice(req CreateInvoiceRequest) InvoiceResponse {
	f.t.Helper()
	inv, err := f.invoices.CreateInvoice(f.ctx(), req, "op-1")
	if err != nil {
		f.t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func vat(s string) *string { return &s }

func simpleItems(price string) []InvoiceItemRequest {
	return []InvoiceItemRequest{{Description: "Website build", Quantity: "1", UnitPrice: price, VATRatePercent: vat("0")}}
}

// flakyPlanRepo fails installment writes while fail is set.
type flakyPlanRepo struct {
	repository.PaymentPlanRepository
	mu   sync.Mutex
	fail bool
}

func (r *flakyPlanRepo) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *flakyPlanRepo) SaveInstallment(ctx context.Context, inst *model.Installment) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("installment store unavailable")
	}
	return r.PaymentPlanRepository.SaveInstallment(ctx, inst)
}

type sentMessage struct {
	Phone string
	Text  string
	At    time.Time
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []sentMessage
	failFor  map[string]bool
	failAll  bool
	statusOK bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{failFor: map[string]bool{}, statusOK: true}
}

func (c *fakeChannel) SendMessage(_ context.Context, phone, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll || c.failFor[phone] {
		return fmt.Errorf("channel rejected %s", phone)
	}
	c.sent = append(c.sent, sentMessage{Phone: phone, Text: text, At: time.Now()})
	return nil
}

func (c *fakeChannel) SendTemplate(ctx context.Context, phone, templateName string, params map[string]string) error {
	return c.SendMessage(ctx, phone, templateName+":"+params["name"])
}

func (c *fakeChannel) Status(context.Context) (messaging.ChannelStatus, error) {
	if !c.statusOK {
		return messaging.ChannelStatus{}, errors.New("down")
	}
	return messaging.ChannelStatus{Provider: "fake", Connected: true}, nil
}

func (c *fakeChannel) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

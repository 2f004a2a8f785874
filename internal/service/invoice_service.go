package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crm/internal/apperr"
	"crm/internal/billing"
	"crm/internal/config"
	"crm/internal/logger"
	"crm/internal/messaging"
	"crm/internal/model"
	"crm/internal/observability"
	"crm/internal/realtime"
	"crm/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// --- DTOs ---

type InvoiceItemRequest struct {
	Description     string  `json:"description" binding:"required"`
	Quantity        string  `json:"quantity" binding:"required"`
	UnitPrice       string  `json:"unit_price" binding:"required"`
	DiscountPercent string  `json:"discount_percent"`
	VATRatePercent  *string `json:"vat_rate_percent"` // omitted: active standard VAT rule
}

type CreateInvoiceRequest struct {
	ClientID      string               `json:"client_id"`
	IssueDate     string               `json:"issue_date"`
	DueDate       string               `json:"due_date"`
	Status        string               `json:"status" binding:"omitempty,oneof=draft sent"`
	Items         []InvoiceItemRequest `json:"items" binding:"dive"`
	Notes         string               `json:"notes"`
	InstallmentID string               `json:"installment_id"`
}

// UpdateInvoiceRequest edits an invoice that has no recorded payment.
type UpdateInvoiceRequest struct {
	IssueDate *string               `json:"issue_date"`
	DueDate   *string               `json:"due_date"`
	Items     *[]InvoiceItemRequest `json:"items"`
	Notes     *string               `json:"notes"`
}

type MarkPaidRequest struct {
	Amount        string `json:"amount"` // omitted: invoice total
	Method        string `json:"method" binding:"omitempty,oneof=cash bank_transfer card online other"`
	TransactionID string `json:"transaction_id"`
	PaidDate      string `json:"paid_date"`
}

type ReminderRequest struct {
	Method  string `json:"method" binding:"required,oneof=email whatsapp phone manual"`
	Notes   string `json:"notes"`
	Deliver bool   `json:"deliver"`
	Message string `json:"message"`
}

type InvoiceFilter struct {
	Status        string
	ClientID      string
	InvoiceNumber string
	Page          int
	Limit         int
}

type InvoiceItemResponse struct {
	Position        int    `json:"position"`
	Description     string `json:"description"`
	Quantity        string `json:"quantity"`
	UnitPrice       string `json:"unit_price"`
	DiscountPercent string `json:"discount_percent"`
	VATRatePercent  string `json:"vat_rate_percent"`
	Subtotal        string `json:"subtotal"`
	TotalPrice      string `json:"total_price"`
}

type PaymentDetailsResponse struct {
	Method        string  `json:"method"`
	PaidAmount    string  `json:"paid_amount"`
	PaidDate      *string `json:"paid_date"`
	TransactionID string  `json:"transaction_id"`
}

type ReminderResponse struct {
	ID       string `json:"id"`
	SentDate string `json:"sent_date"`
	Method   string `json:"method"`
	Notes    string `json:"notes"`
}

type InvoiceResponse struct {
	ID              string                 `json:"id"`
	InvoiceNumber   string                 `json:"invoice_number"`
	ClientID        *string                `json:"client_id"`
	IssueDate       string                 `json:"issue_date"`
	DueDate         string                 `json:"due_date"`
	Items           []InvoiceItemResponse  `json:"items"`
	Subtotal        string                 `json:"subtotal"`
	DiscountAmount  string                 `json:"discount_amount"`
	VATAmount       string                 `json:"vat_amount"`
	TotalAmount     string                 `json:"total_amount"`
	Status          string                 `json:"status"`
	LifecycleStatus string                 `json:"lifecycle_status"`
	IsOverdue       bool                   `json:"is_overdue"`
	PaymentDetails  PaymentDetailsResponse `json:"payment_details"`
	Reminders       []ReminderResponse     `json:"reminders"`
	Notes           string                 `json:"notes"`
	CreatedBy       string                 `json:"created_by"`
	CreatedAt       string                 `json:"created_at"`
}

type MarkPaidResponse struct {
	Invoice        InvoiceResponse       `json:"invoice"`
	Reconciliation ReconciliationOutcome `json:"reconciliation"`
}

type AddReminderResponse struct {
	Reminder  ReminderResponse `json:"reminder"`
	Delivered bool             `json:"delivered"`
}

type SweepResult struct {
	Invoices     int   `json:"invoices"`
	Installments int64 `json:"installments"`
}

// --- Interface ---

type InvoiceService interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest, actorID string) (InvoiceResponse, error)
	CreateClientInvoice(ctx context.Context, clientID string, req CreateInvoiceRequest, actorID string) (InvoiceResponse, error)
	GetInvoice(ctx context.Context, id string) (InvoiceResponse, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]InvoiceResponse, int64, error)
	UpdateInvoice(ctx context.Context, id string, req UpdateInvoiceRequest) (InvoiceResponse, error)
	MarkSent(ctx context.Context, id string) (InvoiceResponse, error)
	MarkViewed(ctx context.Context, id string) (InvoiceResponse, error)
	Cancel(ctx context.Context, id string, actorID string) (InvoiceResponse, error)
	MarkPaid(ctx context.Context, id string, req MarkPaidRequest, actorID string) (MarkPaidResponse, error)
	AddReminder(ctx context.Context, id string, req ReminderRequest) (AddReminderResponse, error)
	SweepOverdue(ctx context.Context) (SweepResult, error)
}

type invoiceService struct {
	invoiceRepo repository.InvoiceRepository
	clientRepo  repository.ClientRepository
	planRepo    repository.PaymentPlanRepository
	taxRuleRepo repository.TaxRuleRepository
	auditRepo   repository.AuditRepository
	numbers     NumberAllocator
	reconciler  Reconciler
	channel     messaging.Channel
	publisher   realtime.Publisher
	txManager   repository.TransactionManager
	log         *logger.Logger
	cfg         config.InvoiceConfig
	now         Clock
}

func NewInvoiceService(
	invoiceRepo repository.InvoiceRepository,
	clientRepo repository.ClientRepository,
	planRepo repository.PaymentPlanRepository,
	taxRuleRepo repository.TaxRuleRepository,
	auditRepo repository.AuditRepository,
	numbers NumberAllocator,
	reconciler Reconciler,
	channel messaging.Channel,
	publisher realtime.Publisher,
	txManager repository.TransactionManager,
	log *logger.Logger,
	cfg config.InvoiceConfig,
) InvoiceService {
	if cfg.DefaultDueDays <= 0 {
		cfg.DefaultDueDays = 14
	}
	if cfg.NumberRetries <= 0 {
		cfg.NumberRetries = 5
	}
	return &invoiceService{
		invoiceRepo: invoiceRepo,
		clientRepo:  clientRepo,
		planRepo:    planRepo,
		taxRuleRepo: taxRuleRepo,
		auditRepo:   auditRepo,
		numbers:     numbers,
		reconciler:  reconciler,
		channel:     channel,
		publisher:   publisher,
		txManager:   txManager,
		log:         log,
		cfg:         cfg,
		now:         systemClock,
	}
}

// --- Implementation ---

func (s *invoiceService) CreateInvoice(ctx context.Context, req CreateInvoiceRequest, actorID string) (InvoiceResponse, error) {
	if req.InstallmentID != "" && req.ClientID == "" {
		return InvoiceResponse{}, apperr.Validation("installment_id", "an installment can only be linked to a client invoice")
	}
	return s.create(ctx, req, actorID)
}

func (s *invoiceService) CreateClientInvoice(ctx context.Context, clientID string, req CreateInvoiceRequest, actorID string) (InvoiceResponse, error) {
	req.ClientID = clientID
	return s.create(ctx, req, actorID)
}

func (s *invoiceService) create(ctx context.Context, req CreateInvoiceRequest, actorID string) (InvoiceResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "invoice.create")
	defer span.End()

	now := s.now()

	var clientID *uuid.UUID
	if req.ClientID != "" {
		id, err := parseID("client_id", req.ClientID)
		if err != nil {
			return InvoiceResponse{}, err
		}
		if _, err := s.clientRepo.FindByID(ctx, id); err != nil {
			return InvoiceResponse{}, err
		}
		clientID = &id
	}

	issue := truncateDay(now)
	if req.IssueDate != "" {
		d, err := parseDate("issue_date", req.IssueDate)
		if err != nil {
			return InvoiceResponse{}, err
		}
		issue = d
	}
	due := issue.AddDate(0, 0, s.cfg.DefaultDueDays)
	if req.DueDate != "" {
		d, err := parseDate("due_date", req.DueDate)
		if err != nil {
			return InvoiceResponse{}, err
		}
		due = d
	}
	if due.Before(issue) {
		return InvoiceResponse{}, apperr.Validation("due_date", "due date must not be before the issue date")
	}

	var installmentID *uuid.UUID
	if req.InstallmentID != "" {
		id, err := parseID("installment_id", req.InstallmentID)
		if err != nil {
			return InvoiceResponse{}, err
		}
		installmentID = &id
	}

	items, err := s.buildItems(ctx, req.Items, issue)
	if err != nil {
		return InvoiceResponse{}, err
	}

	lifecycle := model.InvoiceDraft
	if req.Status != "" {
		lifecycle = req.Status
	}

	invoice := model.Invoice{
		ClientID:        clientID,
		IssueDate:       issue,
		DueDate:         due,
		Items:           items,
		LifecycleStatus: lifecycle,
		Notes:           req.Notes,
		CreatedBy:       actorID,
	}
	billing.Recalculate(&invoice, now)

	err = withNumberRetry(ctx, s.txManager, s.cfg.NumberRetries, s.log, func(txCtx context.Context) error {
		number, err := s.numbers.Next(txCtx, model.SequenceInvoice, now.Year())
		if err != nil {
			return err
		}
		invoice.InvoiceNumber = number

		if err := s.invoiceRepo.Create(txCtx, &invoice); err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}

		if installmentID != nil {
			inst, err := s.planRepo.FindInstallment(txCtx, *installmentID)
			if err != nil {
				return err
			}
			if inst.ClientID != *clientID {
				return apperr.Validation("installment_id", "installment belongs to another client")
			}
			if inst.InvoiceID != nil {
				return apperr.Conflict("installment is already linked to an invoice")
			}
			if err := s.planRepo.LinkInvoice(txCtx, inst.ID, invoice.ID); err != nil {
				return fmt.Errorf("failed to link installment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return InvoiceResponse{}, err
	}
	span.SetAttributes(attribute.String("invoice_number", invoice.InvoiceNumber))

	s.log.Info("invoice created", "invoice_id", invoice.ID, "invoice_number", invoice.InvoiceNumber, "total", invoice.TotalAmount.StringFixed(2))
	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionCreateInvoice, invoice.ID.String(), invoice.InvoiceNumber, map[string]any{
		"total":          invoice.TotalAmount.StringFixed(2),
		"installment_id": req.InstallmentID,
	})
	publish(ctx, s.log, s.publisher, realtime.EventInvoiceCreated, map[string]any{
		"invoice_id":     invoice.ID.String(),
		"invoice_number": invoice.InvoiceNumber,
		"total":          invoice.TotalAmount.StringFixed(2),
	})

	return s.reload(ctx, invoice.ID)
}

func (s *invoiceService) GetInvoice(ctx context.Context, id string) (InvoiceResponse, error) {
	invoiceID, err := parseID("id", id)
	if err != nil {
		return InvoiceResponse{}, err
	}
	return s.reload(ctx, invoiceID)
}

func (s *invoiceService) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]InvoiceResponse, int64, error) {
	filter.Page, filter.Limit = normalizePage(filter.Page, filter.Limit)

	repoFilter := repository.InvoiceListFilter{
		Status:        filter.Status,
		InvoiceNumber: filter.InvoiceNumber,
		Page:          filter.Page,
		Limit:         filter.Limit,
	}
	if filter.ClientID != "" {
		id, err := parseID("client_id", filter.ClientID)
		if err != nil {
			return nil, 0, err
		}
		repoFilter.ClientID = &id
	}

	invoices, total, err := s.invoiceRepo.List(ctx, repoFilter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch invoices: %w", err)
	}

	now := s.now()
	result := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		result = append(result, toInvoiceResponse(inv, now))
	}
	return result, total, nil
}

func (s *invoiceService) UpdateInvoice(ctx context.Context, id string, req UpdateInvoiceRequest) (InvoiceResponse, error) {
	invoiceID, err := parseID("id", id)
	if err != nil {
		return InvoiceResponse{}, err
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, err := s.invoiceRepo.FindByIDForUpdate(txCtx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Payment.PaidDate != nil || invoice.LifecycleStatus == model.InvoiceCancelled {
			return apperr.Conflict(fmt.Sprintf("cannot edit a %s invoice", invoice.Status))
		}

		if req.IssueDate != nil {
			d, err := parseDate("issue_date", *req.IssueDate)
			if err != nil {
				return err
			}
			invoice.IssueDate = d
		}
		if req.DueDate != nil {
			d, err := parseDate("due_date", *req.DueDate)
			if err != nil {
				return err
			}
			invoice.DueDate = d
		}
		if invoice.DueDate.Before(invoice.IssueDate) {
			return apperr.Validation("due_date", "due date must not be before the issue date")
		}
		if req.Notes != nil {
			invoice.Notes = *req.Notes
		}
		if req.Items != nil {
			items, err := s.buildItems(txCtx, *req.Items, invoice.IssueDate)
			if err != nil {
				return err
			}
			invoice.Items = items
		}

		billing.Recalculate(invoice, s.now())
		if err := s.invoiceRepo.SaveWithItems(txCtx, invoice); err != nil {
			return fmt.Errorf("failed to update invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return InvoiceResponse{}, err
	}
	return s.reload(ctx, invoiceID)
}

func (s *invoiceService) MarkSent(ctx context.Context, id string) (InvoiceResponse, error) {
	return s.transition(ctx, id, func(inv *model.Invoice) error {
		if inv.Payment.PaidDate != nil || inv.LifecycleStatus == model.InvoiceCancelled {
			return apperr.Conflict(fmt.Sprintf("cannot send a %s invoice", inv.Status))
		}
		if inv.LifecycleStatus == model.InvoiceDraft {
			inv.LifecycleStatus = model.InvoiceSent
		}
		return nil
	})
}

func (s *invoiceService) MarkViewed(ctx context.Context, id string) (InvoiceResponse, error) {
	return s.transition(ctx, id, func(inv *model.Invoice) error {
		if inv.LifecycleStatus == model.InvoiceCancelled {
			return apperr.Conflict("cannot view a cancelled invoice")
		}
		if inv.LifecycleStatus == model.InvoiceDraft || inv.LifecycleStatus == model.InvoiceSent {
			inv.LifecycleStatus = model.InvoiceViewed
		}
		return nil
	})
}

func (s *invoiceService) Cancel(ctx context.Context, id string, actorID string) (InvoiceResponse, error) {
	resp, err := s.transition(ctx, id, func(inv *model.Invoice) error {
		if inv.Payment.PaidDate != nil || inv.Payment.PaidAmount.IsPositive() {
			return apperr.Conflict("cannot cancel an invoice with a recorded payment")
		}
		inv.LifecycleStatus = model.InvoiceCancelled
		return nil
	})
	if err != nil {
		return InvoiceResponse{}, err
	}
	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionCancelInvoice, resp.ID, resp.InvoiceNumber, nil)
	return resp, nil
}

func (s *invoiceService) transition(ctx context.Context, id string, mutate func(inv *model.Invoice) error) (InvoiceResponse, error) {
	invoiceID, err := parseID("id", id)
	if err != nil {
		return InvoiceResponse{}, err
	}
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, err := s.invoiceRepo.FindByIDForUpdate(txCtx, invoiceID)
		if err != nil {
			return err
		}
		if err := mutate(invoice); err != nil {
			return err
		}
		billing.Recalculate(invoice, s.now())
		return s.invoiceRepo.Save(txCtx, invoice)
	})
	if err != nil {
		return InvoiceResponse{}, err
	}
	return s.reload(ctx, invoiceID)
}

// MarkPaid commits the payment first. Installment propagation runs afterwards
// and its failure leaves a pending reconciliation task instead of an error.
func (s *invoiceService) MarkPaid(ctx context.Context, id string, req MarkPaidRequest, actorID string) (MarkPaidResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "invoice.mark_paid")
	defer span.End()

	invoiceID, err := parseID("id", id)
	if err != nil {
		return MarkPaidResponse{}, err
	}
	var amount *decimal.Decimal
	if req.Amount != "" {
		v, err := parseDecimal("amount", req.Amount)
		if err != nil {
			return MarkPaidResponse{}, err
		}
		if v.IsNegative() {
			return MarkPaidResponse{}, apperr.Validation("amount", "amount must not be negative")
		}
		amount = &v
	}
	now := s.now()
	paidAt := now
	if req.PaidDate != "" {
		d, err := parseDate("paid_date", req.PaidDate)
		if err != nil {
			return MarkPaidResponse{}, err
		}
		paidAt = d
	}

	var (
		invoice *model.Invoice
		task    *model.ReconciliationTask
	)
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		invoice, err = s.invoiceRepo.FindByIDForUpdate(txCtx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.LifecycleStatus == model.InvoiceCancelled {
			return apperr.Conflict("cannot record a payment on a cancelled invoice")
		}

		paid := invoice.TotalAmount
		if amount != nil {
			paid = *amount
		}
		invoice.Payment.PaidAmount = paid
		invoice.Payment.PaidDate = &paidAt
		invoice.Payment.Method = req.Method
		invoice.Payment.TransactionID = req.TransactionID
		billing.Recalculate(invoice, now)

		if err := s.invoiceRepo.Save(txCtx, invoice); err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
		task, err = s.reconciler.Enqueue(txCtx, invoice)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return MarkPaidResponse{}, err
	}

	outcome := ReconciliationOutcome{Status: OutcomeNotLinked}
	if task != nil {
		outcome = s.reconciler.ApplyNow(ctx, task.ID)
	}
	span.SetAttributes(attribute.String("reconciliation", outcome.Status))

	s.log.Info("invoice payment recorded",
		"invoice_id", invoice.ID,
		"invoice_number", invoice.InvoiceNumber,
		"paid", invoice.Payment.PaidAmount.StringFixed(2),
		"status", invoice.Status,
		"reconciliation", outcome.Status,
	)
	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionMarkInvoicePaid, invoice.ID.String(), invoice.InvoiceNumber, map[string]any{
		"amount":         invoice.Payment.PaidAmount.StringFixed(2),
		"status":         invoice.Status,
		"reconciliation": outcome.Status,
	})
	publish(ctx, s.log, s.publisher, realtime.EventInvoicePaid, map[string]any{
		"invoice_id":     invoice.ID.String(),
		"invoice_number": invoice.InvoiceNumber,
		"status":         invoice.Status,
	})

	resp, err := s.reload(ctx, invoiceID)
	if err != nil {
		return MarkPaidResponse{}, err
	}
	return MarkPaidResponse{Invoice: resp, Reconciliation: outcome}, nil
}

func (s *invoiceService) AddReminder(ctx context.Context, id string, req ReminderRequest) (AddReminderResponse, error) {
	invoiceID, err := parseID("id", id)
	if err != nil {
		return AddReminderResponse{}, err
	}
	invoice, err := s.invoiceRepo.FindByID(ctx, invoiceID)
	if err != nil {
		return AddReminderResponse{}, err
	}
	if invoice.Status == model.InvoicePaid || invoice.Status == model.InvoiceCancelled {
		return AddReminderResponse{}, apperr.Conflict(fmt.Sprintf("cannot remind about a %s invoice", invoice.Status))
	}

	reminder := model.InvoiceReminder{
		InvoiceID: invoice.ID,
		SentDate:  s.now(),
		Method:    req.Method,
		Notes:     req.Notes,
	}

	delivered := false
	if req.Deliver && req.Method == model.InteractionWhatsApp {
		if err := s.deliverReminder(ctx, invoice, req.Message); err != nil {
			s.log.Warn("reminder delivery failed", "invoice_id", invoice.ID, "error", err)
			reminder.Notes = strings.TrimSpace(reminder.Notes + "\ndelivery failed: " + err.Error())
		} else {
			delivered = true
		}
	}

	if err := s.invoiceRepo.AddReminder(ctx, &reminder); err != nil {
		return AddReminderResponse{}, fmt.Errorf("failed to record reminder: %w", err)
	}
	return AddReminderResponse{Reminder: toReminderResponse(reminder), Delivered: delivered}, nil
}

func (s *invoiceService) deliverReminder(ctx context.Context, invoice *model.Invoice, message string) error {
	if s.channel == nil {
		return fmt.Errorf("no messaging channel configured")
	}
	if invoice.ClientID == nil {
		return fmt.Errorf("invoice has no client")
	}
	client, err := s.clientRepo.FindByID(ctx, *invoice.ClientID)
	if err != nil {
		return err
	}
	phone := client.WhatsAppPhone
	if phone == "" {
		phone = client.Phone
	}
	if !messaging.ValidPhone(phone) {
		return fmt.Errorf("client has no valid phone number")
	}
	if message == "" {
		message = fmt.Sprintf("Hello {name}, a reminder that invoice %s of %s is due on %s.",
			invoice.InvoiceNumber, invoice.TotalAmount.StringFixed(2), invoice.DueDate.Format(dateLayout))
	}
	return s.channel.SendMessage(ctx, messaging.NormalizePhone(phone), messaging.Personalize(message, client.Name))
}

// SweepOverdue refreshes the derived status of past-due invoices and flags
// past-due installments.
func (s *invoiceService) SweepOverdue(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	invoices, err := s.invoiceRepo.FindPastDue(ctx, now, 500)
	if err != nil {
		return res, fmt.Errorf("failed to list past-due invoices: %w", err)
	}
	for i := range invoices {
		inv := &invoices[i]
		status := billing.DeriveStatus(inv.LifecycleStatus, inv.TotalAmount, inv.Payment.PaidAmount, inv.Payment.PaidDate != nil, inv.DueDate, now)
		if status == inv.Status {
			continue
		}
		inv.Status = status
		if err := s.invoiceRepo.Save(ctx, inv); err != nil {
			return res, fmt.Errorf("failed to update invoice %s: %w", inv.InvoiceNumber, err)
		}
		res.Invoices++
	}

	res.Installments, err = s.planRepo.MarkOverdue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to flag overdue installments: %w", err)
	}
	if res.Invoices > 0 || res.Installments > 0 {
		s.log.Info("overdue sweep finished", "invoices", res.Invoices, "installments", res.Installments)
	}
	return res, nil
}

// --- Helpers ---

func (s *invoiceService) reload(ctx context.Context, id uuid.UUID) (InvoiceResponse, error) {
	invoice, err := s.invoiceRepo.FindByID(ctx, id)
	if err != nil {
		return InvoiceResponse{}, err
	}
	return toInvoiceResponse(*invoice, s.now()), nil
}

func (s *invoiceService) buildItems(ctx context.Context, reqs []InvoiceItemRequest, issue time.Time) ([]model.InvoiceItem, error) {
	var defaultVAT *decimal.Decimal
	items := make([]model.InvoiceItem, 0, len(reqs))
	for i, r := range reqs {
		field := fmt.Sprintf("items[%d]", i)
		qty, err := parseDecimal(field+".quantity", r.Quantity)
		if err != nil {
			return nil, err
		}
		price, err := parseDecimal(field+".unit_price", r.UnitPrice)
		if err != nil {
			return nil, err
		}
		discount, err := parseOptionalDecimal(field+".discount_percent", r.DiscountPercent, decimal.Zero)
		if err != nil {
			return nil, err
		}

		var vat decimal.Decimal
		if r.VATRatePercent != nil {
			vat, err = parseDecimal(field+".vat_rate_percent", *r.VATRatePercent)
			if err != nil {
				return nil, err
			}
		} else {
			if defaultVAT == nil {
				v, err := s.standardVAT(ctx, issue)
				if err != nil {
					return nil, err
				}
				defaultVAT = &v
			}
			vat = *defaultVAT
		}

		items = append(items, model.InvoiceItem{
			Description:     strings.TrimSpace(r.Description),
			Quantity:        qty,
			UnitPrice:       price,
			DiscountPercent: discount,
			VATRatePercent:  vat,
		})
	}
	if err := billing.ValidateItems(items); err != nil {
		return nil, err
	}
	return items, nil
}

// standardVAT returns the VAT_STANDARD rate active on date, or zero when none is configured.
func (s *invoiceService) standardVAT(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	if s.taxRuleRepo == nil {
		return decimal.Zero, nil
	}
	rule, err := s.taxRuleRepo.RateOn(ctx, model.TaxTypeVATStandard, date)
	if err != nil {
		if apperr.IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to look up VAT rate: %w", err)
	}
	return rule.RatePercent, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// --- Mapping ---

func toInvoiceResponse(inv model.Invoice, now time.Time) InvoiceResponse {
	resp := InvoiceResponse{
		ID:              inv.ID.String(),
		InvoiceNumber:   inv.InvoiceNumber,
		IssueDate:       inv.IssueDate.Format(dateLayout),
		DueDate:         inv.DueDate.Format(dateLayout),
		Items:           make([]InvoiceItemResponse, 0, len(inv.Items)),
		Subtotal:        inv.Subtotal.StringFixed(2),
		DiscountAmount:  inv.DiscountAmount.StringFixed(2),
		VATAmount:       inv.VATAmount.StringFixed(2),
		TotalAmount:     inv.TotalAmount.StringFixed(2),
		Status:          inv.Status,
		LifecycleStatus: inv.LifecycleStatus,
		IsOverdue:       billing.IsOverdue(inv.Status, inv.DueDate, now),
		PaymentDetails: PaymentDetailsResponse{
			Method:        inv.Payment.Method,
			PaidAmount:    inv.Payment.PaidAmount.StringFixed(2),
			PaidDate:      formatTime(inv.Payment.PaidDate),
			TransactionID: inv.Payment.TransactionID,
		},
		Reminders: make([]ReminderResponse, 0, len(inv.Reminders)),
		Notes:     inv.Notes,
		CreatedBy: inv.CreatedBy,
		CreatedAt: inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.ClientID != nil {
		id := inv.ClientID.String()
		resp.ClientID = &id
	}
	for _, it := range inv.Items {
		resp.Items = append(resp.Items, InvoiceItemResponse{
			Position:        it.Position,
			Description:     it.Description,
			Quantity:        it.Quantity.String(),
			UnitPrice:       it.UnitPrice.StringFixed(2),
			DiscountPercent: it.DiscountPercent.String(),
			VATRatePercent:  it.VATRatePercent.String(),
			Subtotal:        it.Subtotal.StringFixed(2),
			TotalPrice:      it.TotalPrice.StringFixed(2),
		})
	}
	for _, r := range inv.Reminders {
		resp.Reminders = append(resp.Reminders, toReminderResponse(r))
	}
	return resp
}

func toReminderResponse(r model.InvoiceReminder) ReminderResponse {
	return ReminderResponse{
		ID:       r.ID.String(),
		SentDate: r.SentDate.Format(time.RFC3339),
		Method:   r.Method,
		Notes:    r.Notes,
	}
}

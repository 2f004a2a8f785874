package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crm/internal/apperr"
	"crm/internal/config"
	"crm/internal/logger"
	"crm/internal/messaging"
	"crm/internal/model"
	"crm/internal/pipeline"
	"crm/internal/realtime"
	"crm/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- DTOs ---

type CreateClientRequest struct {
	Name          string   `json:"name" binding:"required,max=255"`
	Email         string   `json:"email" binding:"omitempty,email"`
	Phone         string   `json:"phone"`
	WhatsAppPhone string   `json:"whatsapp_phone"`
	Company       string   `json:"company"`
	LeadSource    string   `json:"lead_source" binding:"omitempty,oneof=website referral whatsapp form social ads manual other"`
	Status        string   `json:"status"`
	LeadScore     int      `json:"lead_score" binding:"min=0,max=100"`
	Notes         string   `json:"notes"`
	Tags          []string `json:"tags"`
}

// UpdateClientRequest lists the only fields a client update may touch.
// Status changes go through OverrideStatus.
type UpdateClientRequest struct {
	Name          *string `json:"name" binding:"omitempty,max=255"`
	Email         *string `json:"email" binding:"omitempty,email"`
	Phone         *string `json:"phone"`
	WhatsAppPhone *string `json:"whatsapp_phone"`
	Company       *string `json:"company"`
	LeadSource    *string `json:"lead_source" binding:"omitempty,oneof=website referral whatsapp form social ads manual other"`
	LeadScore     *int    `json:"lead_score" binding:"omitempty,min=0,max=100"`
	Notes         *string `json:"notes"`
}

type StatusOverrideRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type TagsRequest struct {
	Tags []string `json:"tags"`
}

type ClientFilter struct {
	View       string
	Statuses   []string
	Tags       []string
	LeadSource string
	Search     string
	MinScore   *int
	SortBy     string
	Page       int
	Limit      int
}

type InteractionRequest struct {
	Type       string `json:"type" binding:"required,oneof=note call email whatsapp meeting"`
	Direction  string `json:"direction" binding:"omitempty,oneof=inbound outbound"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	OccurredAt string `json:"occurred_at"`
}

type OrderLineRequest struct {
	Description string `json:"description" binding:"required"`
	Quantity    string `json:"quantity" binding:"required"`
	UnitPrice   string `json:"unit_price" binding:"required"`
}

type CreateOrderRequest struct {
	Description            string             `json:"description"`
	Lines                  []OrderLineRequest `json:"lines" binding:"dive"`
	Amount                 string             `json:"amount"` // used when no lines are given
	OrderDate              string             `json:"order_date"`
	ExpectedCompletionDate string             `json:"expected_completion_date"`
}

type OrderStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=pending in_progress completed cancelled"`
}

type CreateTaskRequest struct {
	Title       string `json:"title" binding:"required,max=255"`
	Description string `json:"description"`
	Priority    string `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	DueDate     string `json:"due_date"`
	AssignedTo  string `json:"assigned_to"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title" binding:"omitempty,max=255"`
	Description *string `json:"description"`
	Status      *string `json:"status" binding:"omitempty,oneof=pending in_progress completed cancelled"`
	Priority    *string `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	DueDate     *string `json:"due_date"`
	AssignedTo  *string `json:"assigned_to"`
}

type InstallmentRequest struct {
	Amount  string `json:"amount" binding:"required"`
	DueDate string `json:"due_date" binding:"required"`
}

type PaymentPlanRequest struct {
	Notes        string               `json:"notes"`
	Installments []InstallmentRequest `json:"installments" binding:"required,min=1,dive"`
}

type AssessmentRequest struct {
	Answers map[string]any `json:"answers" binding:"required"`
	Notes   string         `json:"notes"`
}

// InboundMessage is a message received on the WhatsApp channel.
type InboundMessage struct {
	From        string
	ProfileName string
	Body        string
	MessageID   string
}

type InboundResult struct {
	ClientID string `json:"client_id"`
	Created  bool   `json:"created"`
}

type ClientResponse struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Email                 string   `json:"email"`
	Phone                 string   `json:"phone"`
	WhatsAppPhone         string   `json:"whatsapp_phone"`
	Company               string   `json:"company"`
	LeadSource            string   `json:"lead_source"`
	Status                string   `json:"status"`
	LeadScore             int      `json:"lead_score"`
	Notes                 string   `json:"notes"`
	Tags                  []string `json:"tags"`
	AssessmentCompletedAt *string  `json:"assessment_completed_at"`
	CreatedAt             string   `json:"created_at"`
	UpdatedAt             string   `json:"updated_at"`
}

type InteractionResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Direction   string  `json:"direction"`
	Subject     string  `json:"subject"`
	Content     string  `json:"content"`
	OccurredAt  string  `json:"occurred_at"`
	CreatedBy   string  `json:"created_by"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at"`
}

type OrderResponse struct {
	ID                     string            `json:"id"`
	OrderNumber            string            `json:"order_number"`
	Description            string            `json:"description"`
	Lines                  []model.OrderLine `json:"lines"`
	Amount                 string            `json:"amount"`
	Status                 string            `json:"status"`
	OrderDate              string            `json:"order_date"`
	ExpectedCompletionDate *string           `json:"expected_completion_date"`
	ActualCompletionDate   *string           `json:"actual_completion_date"`
}

type CreateOrderResponse struct {
	Order        OrderResponse `json:"order"`
	ClientStatus string        `json:"client_status"`
	Transitioned bool          `json:"transitioned"`
}

type TaskResponse struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Status        string  `json:"status"`
	Priority      string  `json:"priority"`
	DueDate       *string `json:"due_date"`
	CompletedDate *string `json:"completed_date"`
	AssignedTo    string  `json:"assigned_to"`
}

type InstallmentResponse struct {
	ID         string  `json:"id"`
	Sequence   int     `json:"sequence"`
	Amount     string  `json:"amount"`
	DueDate    string  `json:"due_date"`
	Status     string  `json:"status"`
	PaidDate   *string `json:"paid_date"`
	PaidAmount *string `json:"paid_amount"`
	InvoiceID  *string `json:"invoice_id"`
}

type PaymentPlanResponse struct {
	ID           string                `json:"id"`
	TotalAmount  string                `json:"total_amount"`
	Notes        string                `json:"notes"`
	Installments []InstallmentResponse `json:"installments"`
}

type ClientDetailResponse struct {
	ClientResponse
	Assessment   json.RawMessage       `json:"assessment,omitempty"`
	Interactions []InteractionResponse `json:"interactions"`
	Orders       []OrderResponse       `json:"orders"`
	Tasks        []TaskResponse        `json:"tasks"`
	PaymentPlan  *PaymentPlanResponse  `json:"payment_plan"`
	InvoiceIDs   []string              `json:"invoice_ids"`
}

// --- Interface ---

type ClientService interface {
	CreateClient(ctx context.Context, req CreateClientRequest, actorID string) (ClientResponse, error)
	GetClient(ctx context.Context, id string) (ClientDetailResponse, error)
	ListClients(ctx context.Context, filter ClientFilter) ([]ClientResponse, int64, error)
	UpdateClient(ctx context.Context, id string, req UpdateClientRequest) (ClientResponse, error)
	OverrideStatus(ctx context.Context, id string, req StatusOverrideRequest, actorID string) (ClientResponse, error)
	DeleteClient(ctx context.Context, id string, actorID string) error
	ReplaceTags(ctx context.Context, id string, req TagsRequest) (ClientResponse, error)

	AddInteraction(ctx context.Context, id string, req InteractionRequest, actorID string) (InteractionResponse, error)
	CompleteInteraction(ctx context.Context, id, interactionID string) (InteractionResponse, error)

	CreateOrder(ctx context.Context, id string, req CreateOrderRequest, actorID string) (CreateOrderResponse, error)
	UpdateOrderStatus(ctx context.Context, id, orderID string, req OrderStatusRequest) (OrderResponse, error)

	AddTask(ctx context.Context, id string, req CreateTaskRequest) (TaskResponse, error)
	UpdateTask(ctx context.Context, id, taskID string, req UpdateTaskRequest) (TaskResponse, error)

	SetPaymentPlan(ctx context.Context, id string, req PaymentPlanRequest, actorID string) (PaymentPlanResponse, error)
	FillAssessment(ctx context.Context, id string, req AssessmentRequest, actorID string) (ClientResponse, error)

	HandleInboundMessage(ctx context.Context, msg InboundMessage) (InboundResult, error)
}

type clientService struct {
	clientRepo  repository.ClientRepository
	invoiceRepo repository.InvoiceRepository
	planRepo    repository.PaymentPlanRepository
	auditRepo   repository.AuditRepository
	numbers     NumberAllocator
	publisher   realtime.Publisher
	txManager   repository.TransactionManager
	log         *logger.Logger
	cfg         config.InvoiceConfig
	now         Clock
}

func NewClientService(
	clientRepo repository.ClientRepository,
	invoiceRepo repository.InvoiceRepository,
	planRepo repository.PaymentPlanRepository,
	auditRepo repository.AuditRepository,
	numbers NumberAllocator,
	publisher realtime.Publisher,
	txManager repository.TransactionManager,
	log *logger.Logger,
	cfg config.InvoiceConfig,
) ClientService {
	if cfg.NumberRetries <= 0 {
		cfg.NumberRetries = 5
	}
	return &clientService{
		clientRepo:  clientRepo,
		invoiceRepo: invoiceRepo,
		planRepo:    planRepo,
		auditRepo:   auditRepo,
		numbers:     numbers,
		publisher:   publisher,
		txManager:   txManager,
		log:         log,
		cfg:         cfg,
		now:         systemClock,
	}
}

// --- Clients ---

func (s *clientService) CreateClient(ctx context.Context, req CreateClientRequest, actorID string) (ClientResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return ClientResponse{}, apperr.Validation("name", "name is required")
	}
	status := pipeline.Lead
	if req.Status != "" {
		if !pipeline.Valid(req.Status) {
			return ClientResponse{}, apperr.Validation("status", fmt.Sprintf("unknown pipeline stage %q", req.Status))
		}
		status = req.Status
	}
	leadSource := req.LeadSource
	if leadSource == "" {
		leadSource = model.LeadSourceManual
	}

	client := model.Client{
		Name:          name,
		Email:         strings.TrimSpace(req.Email),
		Phone:         strings.TrimSpace(req.Phone),
		WhatsAppPhone: strings.TrimSpace(req.WhatsAppPhone),
		Company:       req.Company,
		LeadSource:    leadSource,
		Status:        status,
		LeadScore:     req.LeadScore,
		Notes:         req.Notes,
	}
	if err := setNormalizedPhone(&client); err != nil {
		return ClientResponse{}, err
	}

	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.ensurePhonesFree(txCtx, &client); err != nil {
			return err
		}
		if err := s.clientRepo.Create(txCtx, &client); err != nil {
			if repository.IsDuplicateKey(err) {
				return apperr.Wrap(apperr.KindConflict, "a client with this phone number already exists", err)
			}
			return fmt.Errorf("failed to create client: %w", err)
		}
		if tags := cleanTags(req.Tags); len(tags) > 0 {
			return s.clientRepo.ReplaceTags(txCtx, client.ID, tags)
		}
		return nil
	})
	if err != nil {
		return ClientResponse{}, err
	}

	s.log.Info("client created", "client_id", client.ID, "status", client.Status, "lead_source", client.LeadSource, "actor", actorID)
	publish(ctx, s.log, s.publisher, realtime.EventClientCreated, map[string]any{
		"client_id": client.ID.String(),
		"name":      client.Name,
		"status":    client.Status,
	})
	return s.reloadSummary(ctx, client.ID)
}

func (s *clientService) GetClient(ctx context.Context, id string) (ClientDetailResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return ClientDetailResponse{}, err
	}
	client, err := s.clientRepo.FindWithDetails(ctx, clientID)
	if err != nil {
		return ClientDetailResponse{}, err
	}
	invoiceIDs, err := s.invoiceRepo.IDsByClient(ctx, clientID)
	if err != nil {
		return ClientDetailResponse{}, fmt.Errorf("failed to fetch client invoices: %w", err)
	}
	return toClientDetailResponse(*client, invoiceIDs), nil
}

func (s *clientService) ListClients(ctx context.Context, filter ClientFilter) ([]ClientResponse, int64, error) {
	filter.Page, filter.Limit = normalizePage(filter.Page, filter.Limit)

	statuses, err := resolveStatuses(filter.View, filter.Statuses)
	if err != nil {
		return nil, 0, err
	}
	clients, total, err := s.clientRepo.List(ctx, repository.ClientListFilter{
		Statuses:   statuses,
		Tags:       cleanTags(filter.Tags),
		LeadSource: filter.LeadSource,
		Search:     filter.Search,
		MinScore:   filter.MinScore,
		SortBy:     filter.SortBy,
		Page:       filter.Page,
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch clients: %w", err)
	}

	result := make([]ClientResponse, 0, len(clients))
	for _, c := range clients {
		result = append(result, toClientResponse(c))
	}
	return result, total, nil
}

func (s *clientService) UpdateClient(ctx context.Context, id string, req UpdateClientRequest) (ClientResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return ClientResponse{}, err
	}
	client, err := s.clientRepo.FindByID(ctx, clientID)
	if err != nil {
		return ClientResponse{}, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return ClientResponse{}, apperr.Validation("name", "name must not be empty")
		}
		client.Name = name
	}
	if req.Email != nil {
		client.Email = strings.TrimSpace(*req.Email)
	}
	if req.Phone != nil {
		client.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.WhatsAppPhone != nil {
		client.WhatsAppPhone = strings.TrimSpace(*req.WhatsAppPhone)
	}
	if req.Company != nil {
		client.Company = *req.Company
	}
	if req.LeadSource != nil {
		client.LeadSource = *req.LeadSource
	}
	if req.LeadScore != nil {
		client.LeadScore = *req.LeadScore
	}
	if req.Notes != nil {
		client.Notes = *req.Notes
	}
	if err := setNormalizedPhone(client); err != nil {
		return ClientResponse{}, err
	}
	if err := s.ensurePhonesFree(ctx, client); err != nil {
		return ClientResponse{}, err
	}

	if err := s.clientRepo.Update(ctx, client); err != nil {
		if repository.IsDuplicateKey(err) {
			return ClientResponse{}, apperr.Wrap(apperr.KindConflict, "a client with this phone number already exists", err)
		}
		return ClientResponse{}, fmt.Errorf("failed to update client: %w", err)
	}
	return s.reloadSummary(ctx, clientID)
}

// OverrideStatus replaces the status outright. It bypasses the pipeline triggers.
func (s *clientService) OverrideStatus(ctx context.Context, id string, req StatusOverrideRequest, actorID string) (ClientResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return ClientResponse{}, err
	}
	if !pipeline.Valid(req.Status) {
		return ClientResponse{}, apperr.Validation("status", fmt.Sprintf("unknown pipeline stage %q", req.Status))
	}
	client, err := s.clientRepo.FindByID(ctx, clientID)
	if err != nil {
		return ClientResponse{}, err
	}
	from := client.Status
	if err := s.clientRepo.UpdateStatus(ctx, clientID, req.Status); err != nil {
		return ClientResponse{}, fmt.Errorf("failed to update status: %w", err)
	}

	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionOverrideClientStatus, clientID.String(), client.Name, map[string]any{
		"from":   from,
		"to":     req.Status,
		"reason": req.Reason,
	})
	s.publishStatusChange(ctx, clientID, from, req.Status, "override")
	return s.reloadSummary(ctx, clientID)
}

// DeleteClient refuses while invoices still reference the client.
func (s *clientService) DeleteClient(ctx context.Context, id string, actorID string) error {
	clientID, err := parseID("id", id)
	if err != nil {
		return err
	}
	client, err := s.clientRepo.FindByID(ctx, clientID)
	if err != nil {
		return err
	}
	count, err := s.invoiceRepo.CountByClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to count client invoices: %w", err)
	}
	if count > 0 {
		return apperr.Conflict(fmt.Sprintf("client still has %d invoice(s)", count))
	}
	if err := s.clientRepo.SoftDelete(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionDeleteClient, clientID.String(), client.Name, nil)
	return nil
}

func (s *clientService) ReplaceTags(ctx context.Context, id string, req TagsRequest) (ClientResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return ClientResponse{}, err
	}
	if _, err := s.clientRepo.FindByID(ctx, clientID); err != nil {
		return ClientResponse{}, err
	}
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		return s.clientRepo.ReplaceTags(txCtx, clientID, cleanTags(req.Tags))
	})
	if err != nil {
		return ClientResponse{}, fmt.Errorf("failed to replace tags: %w", err)
	}
	return s.reloadSummary(ctx, clientID)
}

// --- Interactions ---

func (s *clientService) AddInteraction(ctx context.Context, id string, req InteractionRequest, actorID string) (InteractionResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return InteractionResponse{}, err
	}
	if _, err := s.clientRepo.FindByID(ctx, clientID); err != nil {
		return InteractionResponse{}, err
	}
	occurred := s.now()
	if req.OccurredAt != "" {
		if occurred, err = parseDate("occurred_at", req.OccurredAt); err != nil {
			return InteractionResponse{}, err
		}
	}
	direction := req.Direction
	if direction == "" {
		direction = model.DirectionOutbound
	}
	it := model.Interaction{
		ClientID:   clientID,
		Type:       req.Type,
		Direction:  direction,
		Subject:    req.Subject,
		Content:    req.Content,
		OccurredAt: occurred,
		CreatedBy:  actorID,
	}
	if err := s.clientRepo.AddInteraction(ctx, &it); err != nil {
		return InteractionResponse{}, fmt.Errorf("failed to add interaction: %w", err)
	}
	return toInteractionResponse(it), nil
}

func (s *clientService) CompleteInteraction(ctx context.Context, id, interactionID string) (InteractionResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return InteractionResponse{}, err
	}
	itID, err := parseID("interaction_id", interactionID)
	if err != nil {
		return InteractionResponse{}, err
	}
	it, err := s.clientRepo.FindInteraction(ctx, clientID, itID)
	if err != nil {
		return InteractionResponse{}, err
	}
	if !it.Completed {
		now := s.now()
		it.Completed = true
		it.CompletedAt = &now
		if err := s.clientRepo.SaveInteraction(ctx, it); err != nil {
			return InteractionResponse{}, fmt.Errorf("failed to complete interaction: %w", err)
		}
	}
	return toInteractionResponse(*it), nil
}

// --- Orders ---

// CreateOrder stores the order and, for a client's first order, applies the
// first-order pipeline trigger in the same transaction.
func (s *clientService) CreateOrder(ctx context.Context, id string, req CreateOrderRequest, actorID string) (CreateOrderResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return CreateOrderResponse{}, err
	}
	if _, err := s.clientRepo.FindByID(ctx, clientID); err != nil {
		return CreateOrderResponse{}, err
	}

	order, err := s.buildOrder(clientID, req)
	if err != nil {
		return CreateOrderResponse{}, err
	}

	var (
		transition pipeline.Transition
		changed    bool
		status     string
	)
	err = withNumberRetry(ctx, s.txManager, s.cfg.NumberRetries, s.log, func(txCtx context.Context) error {
		// the row lock serializes concurrent orders so only one sees prior == 0
		client, err := s.clientRepo.FindByIDForUpdate(txCtx, clientID)
		if err != nil {
			return err
		}
		prior, err := s.clientRepo.CountOrders(txCtx, clientID)
		if err != nil {
			return fmt.Errorf("failed to count orders: %w", err)
		}

		number, err := s.numbers.Next(txCtx, model.SequenceOrder, s.now().Year())
		if err != nil {
			return err
		}
		order.OrderNumber = number
		if err := s.clientRepo.CreateOrder(txCtx, &order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		status = client.Status
		transition, changed = pipeline.Apply(client.Status, pipeline.TriggerFirstOrder, prior)
		if changed {
			status = transition.To
			return s.applyTransition(txCtx, clientID, transition, actorID)
		}
		return nil
	})
	if err != nil {
		return CreateOrderResponse{}, err
	}

	s.log.Info("order created", "client_id", clientID, "order_number", order.OrderNumber, "amount", order.Amount.StringFixed(2))
	if changed {
		s.publishStatusChange(ctx, clientID, transition.From, transition.To, string(transition.Trigger))
	}
	return CreateOrderResponse{
		Order:        toOrderResponse(order),
		ClientStatus: status,
		Transitioned: changed,
	}, nil
}

func (s *clientService) buildOrder(clientID uuid.UUID, req CreateOrderRequest) (model.ClientOrder, error) {
	order := model.ClientOrder{
		ClientID:    clientID,
		Description: req.Description,
		Status:      model.OrderPending,
		OrderDate:   s.now(),
	}
	if req.OrderDate != "" {
		d, err := parseDate("order_date", req.OrderDate)
		if err != nil {
			return order, err
		}
		order.OrderDate = d
	}
	expected, err := parseOptionalDate("expected_completion_date", req.ExpectedCompletionDate)
	if err != nil {
		return order, err
	}
	order.ExpectedCompletionDate = expected

	if len(req.Lines) == 0 {
		if req.Amount == "" {
			return order, apperr.Validation("amount", "amount is required when no lines are given")
		}
		amount, err := parseDecimal("amount", req.Amount)
		if err != nil {
			return order, err
		}
		if amount.IsNegative() {
			return order, apperr.Validation("amount", "amount must not be negative")
		}
		order.Amount = amount
		return order, nil
	}

	total := decimal.Zero
	for i, l := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		qty, err := parseDecimal(field+".quantity", l.Quantity)
		if err != nil {
			return order, err
		}
		price, err := parseDecimal(field+".unit_price", l.UnitPrice)
		if err != nil {
			return order, err
		}
		if qty.IsNegative() || price.IsNegative() {
			return order, apperr.Validation(field, "quantity and unit price must not be negative")
		}
		order.Lines = append(order.Lines, model.OrderLine{Description: l.Description, Quantity: qty, UnitPrice: price})
		total = total.Add(qty.Mul(price))
	}
	order.Amount = total.Round(4)
	return order, nil
}

func (s *clientService) UpdateOrderStatus(ctx context.Context, id, orderID string, req OrderStatusRequest) (OrderResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return OrderResponse{}, err
	}
	oid, err := parseID("order_id", orderID)
	if err != nil {
		return OrderResponse{}, err
	}
	order, err := s.clientRepo.FindOrder(ctx, clientID, oid)
	if err != nil {
		return OrderResponse{}, err
	}
	order.Status = req.Status
	if req.Status == model.OrderCompleted && order.ActualCompletionDate == nil {
		now := s.now()
		order.ActualCompletionDate = &now
	}
	if err := s.clientRepo.SaveOrder(ctx, order); err != nil {
		return OrderResponse{}, fmt.Errorf("failed to update order: %w", err)
	}
	return toOrderResponse(*order), nil
}

// --- Tasks ---

func (s *clientService) AddTask(ctx context.Context, id string, req CreateTaskRequest) (TaskResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return TaskResponse{}, err
	}
	if _, err := s.clientRepo.FindByID(ctx, clientID); err != nil {
		return TaskResponse{}, err
	}
	due, err := parseOptionalDate("due_date", req.DueDate)
	if err != nil {
		return TaskResponse{}, err
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	task := model.Task{
		ClientID:    clientID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      model.TaskPending,
		Priority:    priority,
		DueDate:     due,
		AssignedTo:  req.AssignedTo,
	}
	if task.Title == "" {
		return TaskResponse{}, apperr.Validation("title", "title is required")
	}
	if err := s.clientRepo.CreateTask(ctx, &task); err != nil {
		return TaskResponse{}, fmt.Errorf("failed to create task: %w", err)
	}
	return toTaskResponse(task), nil
}

func (s *clientService) UpdateTask(ctx context.Context, id, taskID string, req UpdateTaskRequest) (TaskResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return TaskResponse{}, err
	}
	tid, err := parseID("task_id", taskID)
	if err != nil {
		return TaskResponse{}, err
	}
	task, err := s.clientRepo.FindTask(ctx, clientID, tid)
	if err != nil {
		return TaskResponse{}, err
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return TaskResponse{}, apperr.Validation("title", "title must not be empty")
		}
		task.Title = title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.AssignedTo != nil {
		task.AssignedTo = *req.AssignedTo
	}
	if req.DueDate != nil {
		if task.DueDate, err = parseOptionalDate("due_date", *req.DueDate); err != nil {
			return TaskResponse{}, err
		}
	}
	if req.Status != nil {
		task.Status = *req.Status
		switch {
		case task.Status == model.TaskCompleted && task.CompletedDate == nil:
			now := s.now()
			task.CompletedDate = &now
		case task.Status != model.TaskCompleted:
			task.CompletedDate = nil
		}
	}

	if err := s.clientRepo.SaveTask(ctx, task); err != nil {
		return TaskResponse{}, fmt.Errorf("failed to update task: %w", err)
	}
	return toTaskResponse(*task), nil
}

// --- Payment plan ---

// SetPaymentPlan replaces the client's plan. A plan with a paid installment is kept.
func (s *clientService) SetPaymentPlan(ctx context.Context, id string, req PaymentPlanRequest, actorID string) (PaymentPlanResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return PaymentPlanResponse{}, err
	}
	client, err := s.clientRepo.FindByID(ctx, clientID)
	if err != nil {
		return PaymentPlanResponse{}, err
	}

	plan := model.PaymentPlan{ClientID: clientID, Notes: req.Notes}
	for i, r := range req.Installments {
		field := fmt.Sprintf("installments[%d]", i)
		amount, err := parseDecimal(field+".amount", r.Amount)
		if err != nil {
			return PaymentPlanResponse{}, err
		}
		if !amount.IsPositive() {
			return PaymentPlanResponse{}, apperr.Validation(field+".amount", "amount must be positive")
		}
		due, err := parseDate(field+".due_date", r.DueDate)
		if err != nil {
			return PaymentPlanResponse{}, err
		}
		plan.Installments = append(plan.Installments, model.Installment{
			ClientID: clientID,
			Sequence: i + 1,
			Amount:   amount,
			DueDate:  due,
			Status:   model.InstallmentPending,
		})
		plan.TotalAmount = plan.TotalAmount.Add(amount)
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.planRepo.FindByClient(txCtx, clientID)
		if err != nil && !apperr.IsNotFound(err) {
			return err
		}
		if existing != nil {
			for _, inst := range existing.Installments {
				if inst.Status == model.InstallmentPaid {
					return apperr.Conflict("payment plan has paid installments and cannot be replaced")
				}
			}
		}
		return s.planRepo.Replace(txCtx, &plan)
	})
	if err != nil {
		return PaymentPlanResponse{}, err
	}

	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionReplacePaymentPlan, clientID.String(), client.Name, map[string]any{
		"installments": len(plan.Installments),
		"total":        plan.TotalAmount.StringFixed(2),
	})
	return toPaymentPlanResponse(plan), nil
}

// --- Assessment ---

// FillAssessment stores the answers and applies the assessment trigger. A
// repeated call overwrites the answers without moving the client again.
func (s *clientService) FillAssessment(ctx context.Context, id string, req AssessmentRequest, actorID string) (ClientResponse, error) {
	clientID, err := parseID("id", id)
	if err != nil {
		return ClientResponse{}, err
	}
	if len(req.Answers) == 0 {
		return ClientResponse{}, apperr.Validation("answers", "at least one answer is required")
	}
	payload := map[string]any{"answers": req.Answers}
	if req.Notes != "" {
		payload["notes"] = req.Notes
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ClientResponse{}, apperr.Validation("answers", "answers must be JSON serializable")
	}

	var (
		transition pipeline.Transition
		changed    bool
	)
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		client, err := s.clientRepo.FindByIDForUpdate(txCtx, clientID)
		if err != nil {
			return err
		}
		client.Assessment = raw
		if client.AssessmentCompletedAt == nil {
			now := s.now()
			client.AssessmentCompletedAt = &now
		}
		if err := s.clientRepo.Update(txCtx, client); err != nil {
			return fmt.Errorf("failed to store assessment: %w", err)
		}

		transition, changed = pipeline.Apply(client.Status, pipeline.TriggerAssessmentCompleted, 0)
		if changed {
			return s.applyTransition(txCtx, clientID, transition, actorID)
		}
		return nil
	})
	if err != nil {
		return ClientResponse{}, err
	}
	if changed {
		s.publishStatusChange(ctx, clientID, transition.From, transition.To, string(transition.Trigger))
	}
	return s.reloadSummary(ctx, clientID)
}

// --- Inbound channel ---

// HandleInboundMessage files an inbound WhatsApp message on the sender's client,
// creating a new_lead client for an unknown number.
func (s *clientService) HandleInboundMessage(ctx context.Context, msg InboundMessage) (InboundResult, error) {
	from := strings.TrimPrefix(strings.TrimSpace(msg.From), "whatsapp:")
	if !messaging.ValidPhone(from) {
		return InboundResult{}, apperr.Validation("From", "sender phone number is invalid")
	}
	digits := messaging.NormalizePhone(from)

	interaction := func(clientID uuid.UUID) model.Interaction {
		return model.Interaction{
			ClientID:   clientID,
			Type:       model.InteractionWhatsApp,
			Direction:  model.DirectionInbound,
			Subject:    "WhatsApp message",
			Content:    msg.Body,
			OccurredAt: s.now(),
			CreatedBy:  "whatsapp",
		}
	}

	existing, err := s.clientRepo.FindByPhone(ctx, digits)
	if err != nil && !apperr.IsNotFound(err) {
		return InboundResult{}, err
	}
	if existing != nil {
		it := interaction(existing.ID)
		if err := s.clientRepo.AddInteraction(ctx, &it); err != nil {
			return InboundResult{}, fmt.Errorf("failed to record inbound message: %w", err)
		}
		return InboundResult{ClientID: existing.ID.String()}, nil
	}

	name := strings.TrimSpace(msg.ProfileName)
	if name == "" {
		name = "+" + digits
	}
	client := model.Client{
		Name:            name,
		WhatsAppPhone:   "+" + digits,
		PhoneNormalized: &digits,
		LeadSource:      model.LeadSourceWhatsApp,
		Status:          pipeline.NewLead,
	}
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.clientRepo.Create(txCtx, &client); err != nil {
			return err
		}
		it := interaction(client.ID)
		return s.clientRepo.AddInteraction(txCtx, &it)
	})
	if err != nil {
		if repository.IsDuplicateKey(err) {
			// another message from the same number created the client first
			return s.HandleInboundMessage(ctx, msg)
		}
		return InboundResult{}, fmt.Errorf("failed to create lead from inbound message: %w", err)
	}

	s.log.Info("lead created from inbound message", "client_id", client.ID, "message_id", msg.MessageID)
	publish(ctx, s.log, s.publisher, realtime.EventClientCreated, map[string]any{
		"client_id": client.ID.String(),
		"name":      client.Name,
		"status":    client.Status,
	})
	return InboundResult{ClientID: client.ID.String(), Created: true}, nil
}

// --- Helpers ---

// applyTransition writes the new status and its note. ctx must carry the transaction.
func (s *clientService) applyTransition(ctx context.Context, clientID uuid.UUID, t pipeline.Transition, actorID string) error {
	if err := s.clientRepo.UpdateStatus(ctx, clientID, t.To); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	note := model.Interaction{
		ClientID:   clientID,
		Type:       model.InteractionNote,
		Direction:  model.DirectionOutbound,
		Subject:    "Status change",
		Content:    t.Summary(),
		OccurredAt: s.now(),
		CreatedBy:  actorID,
	}
	if err := s.clientRepo.AddInteraction(ctx, &note); err != nil {
		return fmt.Errorf("failed to record status change: %w", err)
	}
	return nil
}

func (s *clientService) publishStatusChange(ctx context.Context, clientID uuid.UUID, from, to, reason string) {
	s.log.Info("client status changed", "client_id", clientID, "from", from, "to", to, "reason", reason)
	publish(ctx, s.log, s.publisher, realtime.EventClientStatusChanged, map[string]any{
		"client_id": clientID.String(),
		"from":      from,
		"to":        to,
		"reason":    reason,
	})
}

func (s *clientService) reloadSummary(ctx context.Context, id uuid.UUID) (ClientResponse, error) {
	client, err := s.clientRepo.FindByID(ctx, id)
	if err != nil {
		return ClientResponse{}, err
	}
	return toClientResponse(*client), nil
}

// setNormalizedPhone keys phone uniqueness on the WhatsApp number, falling back
// to the phone. A different phone is kept as the alternate number.
func setNormalizedPhone(c *model.Client) error {
	c.PhoneNormalized, c.AltPhoneNormalized = nil, nil

	whatsapp, err := normalizedField(c.WhatsAppPhone, "whatsapp_phone")
	if err != nil {
		return err
	}
	phone, err := normalizedField(c.Phone, "phone")
	if err != nil {
		return err
	}
	switch {
	case whatsapp == nil:
		c.PhoneNormalized = phone
	case phone == nil || *phone == *whatsapp:
		c.PhoneNormalized = whatsapp
	default:
		c.PhoneNormalized, c.AltPhoneNormalized = whatsapp, phone
	}
	return nil
}

func normalizedField(raw, field string) (*string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if !messaging.ValidPhone(raw) {
		return nil, apperr.Validation(field, fmt.Sprintf("must contain at least %d digits", messaging.MinPhoneDigits))
	}
	digits := messaging.NormalizePhone(raw)
	return &digits, nil
}

// ensurePhonesFree rejects numbers already held by another client under either column.
func (s *clientService) ensurePhonesFree(ctx context.Context, c *model.Client) error {
	for _, n := range []*string{c.PhoneNormalized, c.AltPhoneNormalized} {
		if n == nil {
			continue
		}
		other, err := s.clientRepo.FindByPhone(ctx, *n)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if other.ID != c.ID {
			return apperr.Conflict("a client with this phone number already exists")
		}
	}
	return nil
}

func cleanTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// resolveStatuses intersects a pipeline view with an explicit status list.
func resolveStatuses(view string, statuses []string) ([]string, error) {
	for _, st := range statuses {
		if !pipeline.Valid(st) {
			return nil, apperr.Validation("status", fmt.Sprintf("unknown pipeline stage %q", st))
		}
	}
	viewStages, err := pipeline.ViewStages(view)
	if err != nil {
		return nil, apperr.Validation("view", err.Error())
	}
	if viewStages == nil {
		return statuses, nil
	}
	if len(statuses) == 0 {
		return viewStages, nil
	}
	allowed := make(map[string]struct{}, len(viewStages))
	for _, st := range viewStages {
		allowed[st] = struct{}{}
	}
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if _, ok := allowed[st]; ok {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		// a view/status combination that selects nothing must not widen to everything
		return []string{"-"}, nil
	}
	return out, nil
}

// --- Mapping ---

func toClientResponse(c model.Client) ClientResponse {
	tags := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		tags = append(tags, t.Tag)
	}
	return ClientResponse{
		ID:                    c.ID.String(),
		Name:                  c.Name,
		Email:                 c.Email,
		Phone:                 c.Phone,
		WhatsAppPhone:         c.WhatsAppPhone,
		Company:               c.Company,
		LeadSource:            c.LeadSource,
		Status:                c.Status,
		LeadScore:             c.LeadScore,
		Notes:                 c.Notes,
		Tags:                  tags,
		AssessmentCompletedAt: formatTime(c.AssessmentCompletedAt),
		CreatedAt:             c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             c.UpdatedAt.Format(time.RFC3339),
	}
}

func toClientDetailResponse(c model.Client, invoiceIDs []uuid.UUID) ClientDetailResponse {
	resp := ClientDetailResponse{
		ClientResponse: toClientResponse(c),
		Interactions:   make([]InteractionResponse, 0, len(c.Interactions)),
		Orders:         make([]OrderResponse, 0, len(c.Orders)),
		Tasks:          make([]TaskResponse, 0, len(c.Tasks)),
		InvoiceIDs:     make([]string, 0, len(invoiceIDs)),
	}
	if len(c.Assessment) > 0 {
		resp.Assessment = json.RawMessage(c.Assessment)
	}
	for _, it := range c.Interactions {
		resp.Interactions = append(resp.Interactions, toInteractionResponse(it))
	}
	for _, o := range c.Orders {
		resp.Orders = append(resp.Orders, toOrderResponse(o))
	}
	for _, t := range c.Tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(t))
	}
	if c.PaymentPlan != nil {
		plan := toPaymentPlanResponse(*c.PaymentPlan)
		resp.PaymentPlan = &plan
	}
	for _, id := range invoiceIDs {
		resp.InvoiceIDs = append(resp.InvoiceIDs, id.String())
	}
	return resp
}

func toInteractionResponse(it model.Interaction) InteractionResponse {
	return InteractionResponse{
		ID:          it.ID.String(),
		Type:        it.Type,
		Direction:   it.Direction,
		Subject:     it.Subject,
		Content:     it.Content,
		OccurredAt:  it.OccurredAt.Format(time.RFC3339),
		CreatedBy:   it.CreatedBy,
		Completed:   it.Completed,
		CompletedAt: formatTime(it.CompletedAt),
	}
}

func toOrderResponse(o model.ClientOrder) OrderResponse {
	lines := []model.OrderLine(o.Lines)
	if lines == nil {
		lines = []model.OrderLine{}
	}
	return OrderResponse{
		ID:                     o.ID.String(),
		OrderNumber:            o.OrderNumber,
		Description:            o.Description,
		Lines:                  lines,
		Amount:                 o.Amount.StringFixed(2),
		Status:                 o.Status,
		OrderDate:              o.OrderDate.Format(dateLayout),
		ExpectedCompletionDate: formatTime(o.ExpectedCompletionDate),
		ActualCompletionDate:   formatTime(o.ActualCompletionDate),
	}
}

func toTaskResponse(t model.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID.String(),
		Title:         t.Title,
		Description:   t.Description,
		Status:        t.Status,
		Priority:      t.Priority,
		DueDate:       formatTime(t.DueDate),
		CompletedDate: formatTime(t.CompletedDate),
		AssignedTo:    t.AssignedTo,
	}
}

func toPaymentPlanResponse(p model.PaymentPlan) PaymentPlanResponse {
	resp := PaymentPlanResponse{
		ID:           p.ID.String(),
		TotalAmount:  p.TotalAmount.StringFixed(2),
		Notes:        p.Notes,
		Installments: make([]InstallmentResponse, 0, len(p.Installments)),
	}
	for _, inst := range p.Installments {
		ir := InstallmentResponse{
			ID:         inst.ID.String(),
			Sequence:   inst.Sequence,
			Amount:     inst.Amount.StringFixed(2),
			DueDate:    inst.DueDate.Format(dateLayout),
			Status:     inst.Status,
			PaidDate:   formatTime(inst.PaidDate),
			PaidAmount: formatDecimalPtr(inst.PaidAmount),
		}
		if inst.InvoiceID != nil {
			id := inst.InvoiceID.String()
			ir.InvoiceID = &id
		}
		resp.Installments = append(resp.Installments, ir)
	}
	return resp
}

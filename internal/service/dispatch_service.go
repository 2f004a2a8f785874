package service

import (
	"context"
	"fmt"
	"time"

	"crm/internal/apperr"
	"crm/internal/logger"
	"crm/internal/messaging"
	"crm/internal/model"
	"crm/internal/observability"
	"crm/internal/realtime"
	"crm/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

// maxDispatchErrors caps the per-recipient errors returned and stored.
const maxDispatchErrors = 20

// --- DTOs ---

type DispatchFilterRequest struct {
	ClientIDs []string `json:"client_ids"`
	View      string   `json:"view" binding:"omitempty,oneof=leads clients all"`
	Statuses  []string `json:"statuses"`
	Tags      []string `json:"tags"`
}

type SendBulkRequest struct {
	Message        string                `json:"message"` // optional when a template is given
	Template       string                `json:"template"`
	TemplateParams map[string]string     `json:"template_params"`
	Filter         DispatchFilterRequest `json:"filter"`
}

type DispatchErrorResponse struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Error    string `json:"error"`
}

type BulkDispatchResponse struct {
	ID         string                  `json:"id"`
	Message    string                  `json:"message"`
	Template   string                  `json:"template,omitempty"`
	Total      int                     `json:"total"`
	Sent       int                     `json:"sent"`
	Failed     int                     `json:"failed"`
	Errors     []DispatchErrorResponse `json:"errors"`
	CreatedBy  string                  `json:"created_by"`
	StartedAt  string                  `json:"started_at"`
	FinishedAt *string                 `json:"finished_at"`
}

// --- Interface ---

type DispatchService interface {
	SendBulk(ctx context.Context, req SendBulkRequest, actorID string) (BulkDispatchResponse, error)
	ListDispatches(ctx context.Context, page, limit int) ([]BulkDispatchResponse, int64, error)
	ChannelStatus(ctx context.Context) (messaging.ChannelStatus, error)
}

type dispatchService struct {
	clientRepo   repository.ClientRepository
	dispatchRepo repository.DispatchRepository
	auditRepo    repository.AuditRepository
	channel      messaging.Channel
	publisher    realtime.Publisher
	log          *logger.Logger
	delay        time.Duration
	now          Clock
}

func NewDispatchService(
	clientRepo repository.ClientRepository,
	dispatchRepo repository.DispatchRepository,
	auditRepo repository.AuditRepository,
	channel messaging.Channel,
	publisher realtime.Publisher,
	log *logger.Logger,
	delay time.Duration,
) DispatchService {
	return &dispatchService{
		clientRepo:   clientRepo,
		dispatchRepo: dispatchRepo,
		auditRepo:    auditRepo,
		channel:      channel,
		publisher:    publisher,
		log:          log,
		delay:        delay,
		now:          systemClock,
	}
}

type recipient struct {
	id    uuid.UUID
	name  string
	phone string
}

// SendBulk delivers one message per recipient, one at a time. Once recipients
// are resolved the batch runs to completion even if the caller goes away, and
// a single recipient's failure never stops it.
func (s *dispatchService) SendBulk(ctx context.Context, req SendBulkRequest, actorID string) (BulkDispatchResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "dispatch.send_bulk")
	defer span.End()

	if req.Message == "" && req.Template == "" {
		return BulkDispatchResponse{}, apperr.Validation("message", "message or template is required")
	}
	filter, repoFilter, err := s.resolveFilter(req.Filter)
	if err != nil {
		return BulkDispatchResponse{}, err
	}

	candidates, err := s.clientRepo.FindRecipients(ctx, repoFilter)
	if err != nil {
		return BulkDispatchResponse{}, fmt.Errorf("failed to resolve recipients: %w", err)
	}
	recipients := make([]recipient, 0, len(candidates))
	for _, c := range candidates {
		phone := c.WhatsAppPhone
		if !messaging.ValidPhone(phone) {
			phone = c.Phone
		}
		if !messaging.ValidPhone(phone) {
			continue
		}
		recipients = append(recipients, recipient{id: c.ID, name: c.Name, phone: messaging.NormalizePhone(phone)})
	}
	if len(recipients) == 0 {
		return BulkDispatchResponse{}, apperr.ErrNoRecipients
	}
	span.SetAttributes(attribute.Int("recipients", len(recipients)))

	runCtx := context.WithoutCancel(ctx)
	record := model.BulkDispatch{
		Message:   req.Message,
		Template:  req.Template,
		Filter:    datatypes.NewJSONType(filter),
		Total:     len(recipients),
		Errors:    datatypes.JSONSlice[model.DispatchError]{},
		CreatedBy: actorID,
		StartedAt: s.now(),
	}
	if err := s.dispatchRepo.Create(runCtx, &record); err != nil {
		return BulkDispatchResponse{}, fmt.Errorf("failed to record dispatch: %w", err)
	}
	s.log.Info("bulk dispatch started", "dispatch_id", record.ID, "recipients", record.Total, "actor", actorID)

	limiter := rate.NewLimiter(rate.Every(s.delay), 1)
	if s.delay <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	for i, r := range recipients {
		if err := limiter.Wait(runCtx); err != nil {
			return BulkDispatchResponse{}, fmt.Errorf("dispatch pacing: %w", err)
		}

		text := messaging.Personalize(req.Message, r.name)
		if sendErr := s.send(runCtx, r, req, text); sendErr != nil {
			record.Failed++
			if len(record.Errors) < maxDispatchErrors {
				record.Errors = append(record.Errors, model.DispatchError{ClientID: r.id, Name: r.name, Error: sendErr.Error()})
			}
			s.log.Warn("bulk message failed", "dispatch_id", record.ID, "client_id", r.id, "error", sendErr)
		} else {
			record.Sent++
			s.logDelivery(runCtx, r, text, actorID)
		}

		publish(runCtx, s.log, s.publisher, realtime.EventDispatchProgress, map[string]any{
			"dispatch_id": record.ID.String(),
			"done":        i + 1,
			"total":       record.Total,
			"sent":        record.Sent,
			"failed":      record.Failed,
		})
	}

	finished := s.now()
	record.FinishedAt = &finished
	if err := s.dispatchRepo.Save(runCtx, &record); err != nil {
		s.log.Error("failed to store dispatch result", "dispatch_id", record.ID, "error", err)
	}

	s.log.Info("bulk dispatch finished", "dispatch_id", record.ID, "total", record.Total, "sent", record.Sent, "failed", record.Failed)
	auditor{s.auditRepo, s.log}.write(runCtx, actorID, model.ActionBulkDispatch, record.ID.String(), "bulk dispatch", map[string]any{
		"total":  record.Total,
		"sent":   record.Sent,
		"failed": record.Failed,
	})
	publish(runCtx, s.log, s.publisher, realtime.EventDispatchCompleted, map[string]any{
		"dispatch_id": record.ID.String(),
		"total":       record.Total,
		"sent":        record.Sent,
		"failed":      record.Failed,
	})
	return toBulkDispatchResponse(record), nil
}

func (s *dispatchService) send(ctx context.Context, r recipient, req SendBulkRequest, text string) error {
	if req.Template == "" {
		return s.channel.SendMessage(ctx, r.phone, text)
	}
	params := make(map[string]string, len(req.TemplateParams)+1)
	for k, v := range req.TemplateParams {
		params[k] = messaging.Personalize(v, r.name)
	}
	if _, ok := params["name"]; !ok {
		params["name"] = r.name
	}
	return s.channel.SendTemplate(ctx, r.phone, req.Template, params)
}

// logDelivery appends the outbound message to the recipient's interactions.
func (s *dispatchService) logDelivery(ctx context.Context, r recipient, text, actorID string) {
	it := model.Interaction{
		ClientID:   r.id,
		Type:       model.InteractionWhatsApp,
		Direction:  model.DirectionOutbound,
		Subject:    "Bulk WhatsApp message",
		Content:    text,
		OccurredAt: s.now(),
		CreatedBy:  actorID,
	}
	if err := s.clientRepo.AddInteraction(ctx, &it); err != nil {
		s.log.Warn("failed to log bulk message interaction", "client_id", r.id, "error", err)
	}
}

func (s *dispatchService) resolveFilter(req DispatchFilterRequest) (model.DispatchFilter, repository.ClientListFilter, error) {
	var filter model.DispatchFilter
	var repoFilter repository.ClientListFilter

	if len(req.ClientIDs) > 0 {
		for i, raw := range req.ClientIDs {
			id, err := parseID(fmt.Sprintf("filter.client_ids[%d]", i), raw)
			if err != nil {
				return filter, repoFilter, err
			}
			filter.ClientIDs = append(filter.ClientIDs, id)
		}
		repoFilter.IDs = filter.ClientIDs
		return filter, repoFilter, nil
	}

	if req.View == "" && len(req.Statuses) == 0 && len(req.Tags) == 0 {
		return filter, repoFilter, apperr.Validation("filter", "client_ids, view, statuses or tags is required")
	}
	statuses, err := resolveStatuses(req.View, req.Statuses)
	if err != nil {
		return filter, repoFilter, err
	}
	filter.View = req.View
	filter.Statuses = req.Statuses
	filter.Tags = cleanTags(req.Tags)
	repoFilter.Statuses = statuses
	repoFilter.Tags = filter.Tags
	return filter, repoFilter, nil
}

func (s *dispatchService) ListDispatches(ctx context.Context, page, limit int) ([]BulkDispatchResponse, int64, error) {
	page, limit = normalizePage(page, limit)
	rows, total, err := s.dispatchRepo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch dispatches: %w", err)
	}
	result := make([]BulkDispatchResponse, 0, len(rows))
	for _, d := range rows {
		result = append(result, toBulkDispatchResponse(d))
	}
	return result, total, nil
}

func (s *dispatchService) ChannelStatus(ctx context.Context) (messaging.ChannelStatus, error) {
	st, err := s.channel.Status(ctx)
	if err != nil {
		return st, apperr.Wrap(apperr.KindUnavailable, "messaging channel unavailable", err)
	}
	return st, nil
}

// --- Mapping ---

func toBulkDispatchResponse(d model.BulkDispatch) BulkDispatchResponse {
	resp := BulkDispatchResponse{
		ID:         d.ID.String(),
		Message:    d.Message,
		Template:   d.Template,
		Total:      d.Total,
		Sent:       d.Sent,
		Failed:     d.Failed,
		Errors:     make([]DispatchErrorResponse, 0, len(d.Errors)),
		CreatedBy:  d.CreatedBy,
		StartedAt:  d.StartedAt.Format(time.RFC3339),
		FinishedAt: formatTime(d.FinishedAt),
	}
	for _, e := range d.Errors {
		resp.Errors = append(resp.Errors, DispatchErrorResponse{ClientID: e.ClientID.String(), Name: e.Name, Error: e.Error})
	}
	return resp
}

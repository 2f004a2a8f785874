package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crm/internal/repository"
)

type AuditLogResponse struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	EntityID   string          `json:"entity_id"`
	EntityName string          `json:"entity_name"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

type AuditQuery struct {
	Action   string
	EntityID string
	ActorID  string
	Page     int
	Limit    int
}

type AuditService interface {
	GetAuditLogs(ctx context.Context, q AuditQuery) ([]AuditLogResponse, int64, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
}

func NewAuditService(auditRepo repository.AuditRepository) AuditService {
	return &auditService{auditRepo: auditRepo}
}

// GetAuditLogs returns entries newest first.
func (s *auditService) GetAuditLogs(ctx context.Context, q AuditQuery) ([]AuditLogResponse, int64, error) {
	q.Page, q.Limit = normalizePage(q.Page, q.Limit)
	logs, total, err := s.auditRepo.List(ctx, repository.AuditFilter{
		Action:   strings.ToUpper(strings.TrimSpace(q.Action)),
		EntityID: q.EntityID,
		ActorID:  q.ActorID,
		Page:     q.Page,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	res := make([]AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		entry := AuditLogResponse{
			ID:         l.ID.String(),
			ActorID:    l.ActorID,
			Action:     l.Action,
			EntityID:   l.EntityID,
			EntityName: l.EntityName,
			CreatedAt:  l.CreatedAt.Format(time.RFC3339),
		}
		if len(l.Details) > 0 && string(l.Details) != "null" {
			entry.Details = json.RawMessage(l.Details)
		}
		res = append(res, entry)
	}
	return res, total, nil
}

package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"crm/internal/apperr"
	"crm/internal/logger"
	"crm/internal/model"
	"crm/internal/realtime"
	"crm/internal/repository"
	"crm/pkg/pagination"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

const dateLayout = "2006-01-02"

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperr.Validation(field, "must be a valid id")
	}
	return id, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, apperr.Validation(field, "must be a decimal number")
	}
	return v, nil
}

func parseOptionalDecimal(field, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parseDecimal(field, raw)
}

// parseDate accepts YYYY-MM-DD or RFC3339.
func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperr.Validation(field, "must be a date (YYYY-MM-DD or RFC3339)")
}

func parseOptionalDate(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := parseDate(field, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func normalizePage(page, limit int) (int, int) {
	p := pagination.Normalize(page, limit)
	return p.Page, p.Limit
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func formatDecimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}

// auditor writes best-effort audit entries; a failed write never fails the operation.
type auditor struct {
	repo repository.AuditRepository
	log  *logger.Logger
}

func (a auditor) write(ctx context.Context, actorID, action, entityID, entityName string, details interface{}) {
	if a.repo == nil {
		return
	}
	raw, _ := json.Marshal(details)
	entry := model.AuditLog{
		ActorID:    actorID,
		Action:     action,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    raw,
	}
	if err := a.repo.Log(ctx, &entry); err != nil {
		a.log.Warn("audit log write failed", "action", action, "entity_id", entityID, "error", err)
	}
}

func publish(ctx context.Context, log *logger.Logger, pub realtime.Publisher, typ string, data any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, realtime.NewEvent(typ, data)); err != nil {
		log.Warn("event publish failed", "event", typ, "error", err)
	}
}

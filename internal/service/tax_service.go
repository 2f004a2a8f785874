package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crm/internal/apperr"
	"crm/internal/logger"
	"crm/internal/model"
	"crm/internal/repository"

	"github.com/shopspring/decimal"
)

// --- DTOs ---

type CreateTaxRuleRequest struct {
	TaxType       string `json:"tax_type" binding:"required,oneof=VAT_STANDARD VAT_REDUCED VAT_ZERO"`
	RatePercent   string `json:"rate_percent" binding:"required"`   // e.g. "21" for 21%
	EffectiveFrom string `json:"effective_from" binding:"required"` // YYYY-MM-DD
	EffectiveTo   string `json:"effective_to"`                      // YYYY-MM-DD, nullable
	Description   string `json:"description"`
}

type TaxRuleResponse struct {
	ID            string  `json:"id"`
	TaxType       string  `json:"tax_type"`
	RatePercent   string  `json:"rate_percent"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to"`
	Description   string  `json:"description"`
	CreatedAt     string  `json:"created_at"`
}

type ActiveTaxRateResponse struct {
	TaxType     string `json:"tax_type"`
	RatePercent string `json:"rate_percent"`
	RuleID      string `json:"rule_id"`
}

type TaxRuleQuery struct {
	TaxType  string
	ActiveOn string // YYYY-MM-DD
	Page     int
	Limit    int
}

// --- Interface ---

type TaxService interface {
	GetTaxRules(ctx context.Context, q TaxRuleQuery) ([]TaxRuleResponse, int64, error)
	CreateTaxRule(ctx context.Context, req CreateTaxRuleRequest, actorID string) (TaxRuleResponse, error)
	GetActiveTaxRate(ctx context.Context, taxType string) (*ActiveTaxRateResponse, error)
}

type taxService struct {
	taxRuleRepo repository.TaxRuleRepository
	auditRepo   repository.AuditRepository
	log         *logger.Logger
	now         Clock
}

func NewTaxService(taxRuleRepo repository.TaxRuleRepository, auditRepo repository.AuditRepository, log *logger.Logger) TaxService {
	return &taxService{taxRuleRepo: taxRuleRepo, auditRepo: auditRepo, log: log, now: systemClock}
}

// --- Implementation ---

func (s *taxService) GetTaxRules(ctx context.Context, q TaxRuleQuery) ([]TaxRuleResponse, int64, error) {
	filter := repository.TaxRuleFilter{TaxType: strings.ToUpper(strings.TrimSpace(q.TaxType))}
	filter.Page, filter.Limit = normalizePage(q.Page, q.Limit)
	if filter.TaxType != "" && !model.ValidTaxType(filter.TaxType) {
		return nil, 0, apperr.Validation("tax_type", "must be VAT_STANDARD, VAT_REDUCED or VAT_ZERO")
	}
	activeOn, err := parseOptionalDate("active_on", q.ActiveOn)
	if err != nil {
		return nil, 0, err
	}
	filter.ActiveOn = activeOn

	rules, total, err := s.taxRuleRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch tax rules: %w", err)
	}

	res := make([]TaxRuleResponse, 0, len(rules))
	for _, r := range rules {
		res = append(res, toTaxRuleResponse(r))
	}
	return res, total, nil
}

func (s *taxService) CreateTaxRule(ctx context.Context, req CreateTaxRuleRequest, actorID string) (TaxRuleResponse, error) {
	rate, effectiveFrom, effectiveTo, err := parseTaxRuleFields(req.RatePercent, req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		return TaxRuleResponse{}, err
	}

	overlapping, err := s.taxRuleRepo.Overlaps(ctx, req.TaxType, effectiveFrom, effectiveTo)
	if err != nil {
		return TaxRuleResponse{}, fmt.Errorf("failed to check overlap: %w", err)
	}
	if overlapping {
		return TaxRuleResponse{}, apperr.Conflict(fmt.Sprintf("a %s rule already exists with overlapping effective dates", req.TaxType))
	}

	rule := model.TaxRule{
		TaxType:       req.TaxType,
		RatePercent:   rate,
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   effectiveTo,
		Description:   req.Description,
	}
	if err := s.taxRuleRepo.Create(ctx, &rule); err != nil {
		return TaxRuleResponse{}, fmt.Errorf("failed to create tax rule: %w", err)
	}

	auditor{s.auditRepo, s.log}.write(ctx, actorID, model.ActionCreateTaxRule, rule.ID.String(), req.TaxType+" "+rate.String()+"%", req)
	return toTaxRuleResponse(rule), nil
}

// GetActiveTaxRate returns nil when no rule of that type is active today.
func (s *taxService) GetActiveTaxRate(ctx context.Context, taxType string) (*ActiveTaxRateResponse, error) {
	if !model.ValidTaxType(taxType) {
		return nil, apperr.Validation("tax_type", "must be VAT_STANDARD, VAT_REDUCED or VAT_ZERO")
	}
	rule, err := s.taxRuleRepo.RateOn(ctx, taxType, s.now())
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active tax rate: %w", err)
	}
	return &ActiveTaxRateResponse{
		TaxType:     rule.TaxType,
		RatePercent: rule.RatePercent.String(),
		RuleID:      rule.ID.String(),
	}, nil
}

// --- Helpers ---

func parseTaxRuleFields(rateStr, fromStr, toStr string) (decimal.Decimal, time.Time, *time.Time, error) {
	rate, err := parseDecimal("rate_percent", rateStr)
	if err != nil {
		return decimal.Zero, time.Time{}, nil, err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, time.Time{}, nil, apperr.Validation("rate_percent", "rate must be between 0 and 100")
	}

	effectiveFrom, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return decimal.Zero, time.Time{}, nil, apperr.Validation("effective_from", "expected YYYY-MM-DD")
	}

	var effectiveTo *time.Time
	if toStr != "" {
		t, err := time.Parse(dateLayout, toStr)
		if err != nil {
			return decimal.Zero, time.Time{}, nil, apperr.Validation("effective_to", "expected YYYY-MM-DD")
		}
		if t.Before(effectiveFrom) {
			return decimal.Zero, time.Time{}, nil, apperr.Validation("effective_to", "must not be before effective_from")
		}
		effectiveTo = &t
	}

	return rate, effectiveFrom, effectiveTo, nil
}

func toTaxRuleResponse(r model.TaxRule) TaxRuleResponse {
	resp := TaxRuleResponse{
		ID:            r.ID.String(),
		TaxType:       r.TaxType,
		RatePercent:   r.RatePercent.String(),
		EffectiveFrom: r.EffectiveFrom.Format(dateLayout),
		Description:   r.Description,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
	if r.EffectiveTo != nil {
		s := r.EffectiveTo.Format(dateLayout)
		resp.EffectiveTo = &s
	}
	return resp
}

package repository

import (
	"context"
	"time"

	"crm/internal/model"

	"gorm.io/gorm"
)

// TaxRuleFilter narrows the VAT rule listing. A nil ActiveOn lists every period.
type TaxRuleFilter struct {
	TaxType  string
	ActiveOn *time.Time
	Page     int
	Limit    int
}

type TaxRuleRepository interface {
	Create(ctx context.Context, rule *model.TaxRule) error
	List(ctx context.Context, filter TaxRuleFilter) ([]model.TaxRule, int64, error)
	// RateOn returns the rule of taxType in force on the calendar day of at.
	RateOn(ctx context.Context, taxType string, at time.Time) (*model.TaxRule, error)
	// Overlaps reports whether a rule of taxType already covers any day in [from, to].
	// A nil to means open ended.
	Overlaps(ctx context.Context, taxType string, from time.Time, to *time.Time) (bool, error)
}

type taxRuleRepository struct {
	db *gorm.DB
}

func NewTaxRuleRepository(db *gorm.DB) TaxRuleRepository {
	return &taxRuleRepository{db: db}
}

// inForceOn keeps rules whose period contains the day of at. effective_to is
// stored as a date, so the whole last day still counts.
func inForceOn(at time.Time) func(*gorm.DB) *gorm.DB {
	y, m, d := at.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, at.Location())
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)", at, day)
	}
}

func (r *taxRuleRepository) Create(ctx context.Context, rule *model.TaxRule) error {
	return GetDB(ctx, r.db).Create(rule).Error
}

func (r *taxRuleRepository) List(ctx context.Context, filter TaxRuleFilter) ([]model.TaxRule, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if filter.TaxType != "" {
			db = db.Where("tax_type = ?", filter.TaxType)
		}
		if filter.ActiveOn != nil {
			db = db.Scopes(inForceOn(*filter.ActiveOn))
		}
		return db
	}

	var total int64
	if err := GetDB(ctx, r.db).Model(&model.TaxRule{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rules []model.TaxRule
	err := GetDB(ctx, r.db).Scopes(scope).
		Order("tax_type asc").
		Order("effective_from desc").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&rules).Error
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

func (r *taxRuleRepository) RateOn(ctx context.Context, taxType string, at time.Time) (*model.TaxRule, error) {
	var rule model.TaxRule
	err := GetDB(ctx, r.db).
		Scopes(inForceOn(at)).
		Where("tax_type = ?", taxType).
		Order("effective_from desc").
		First(&rule).Error
	if err != nil {
		return nil, notFound(err, "tax rule in force", taxType)
	}
	return &rule, nil
}

func (r *taxRuleRepository) Overlaps(ctx context.Context, taxType string, from time.Time, to *time.Time) (bool, error) {
	query := GetDB(ctx, r.db).Model(&model.TaxRule{}).
		Where("tax_type = ?", taxType).
		Where("(effective_to IS NULL OR effective_to >= ?)", from)
	if to != nil {
		query = query.Where("effective_from <= ?", *to)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

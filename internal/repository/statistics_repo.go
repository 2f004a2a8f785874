package repository

import (
	"context"
	"fmt"
	"time"

	"crm/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type StatisticsRepository interface {
	ClientsByStatus(ctx context.Context) ([]model.StatusCount, error)
	InvoicesByStatus(ctx context.Context) ([]model.StatusAmount, error)
	Outstanding(ctx context.Context) (decimal.Decimal, error)
	CountOverdue(ctx context.Context, now time.Time) (int64, error)
}

type statisticsRepository struct {
	db *gorm.DB
}

func NewStatisticsRepository(db *gorm.DB) StatisticsRepository {
	return &statisticsRepository{db: db}
}

func (r *statisticsRepository) ClientsByStatus(ctx context.Context) ([]model.StatusCount, error) {
	var rows []model.StatusCount
	if err := GetDB(ctx, r.db).Model(&model.Client{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Order("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count clients by status: %w", err)
	}
	return rows, nil
}

func (r *statisticsRepository) InvoicesByStatus(ctx context.Context) ([]model.StatusAmount, error) {
	var rows []model.StatusAmount
	if err := GetDB(ctx, r.db).Model(&model.Invoice{}).
		Select("status, COUNT(*) as count, COALESCE(SUM(total_amount), 0) as total, COALESCE(SUM(payment_paid_amount), 0) as paid").
		Group("status").
		Order("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to sum invoices by status: %w", err)
	}
	return rows, nil
}

// Outstanding is the unpaid remainder across every invoice that is neither paid nor cancelled.
func (r *statisticsRepository) Outstanding(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Value decimal.Decimal
	}
	if err := GetDB(ctx, r.db).Model(&model.Invoice{}).
		Select("COALESCE(SUM(total_amount - payment_paid_amount), 0) as value").
		Where("status NOT IN ?", []string{model.InvoicePaid, model.InvoiceCancelled}).
		Scan(&result).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum outstanding: %w", err)
	}
	return result.Value, nil
}

func (r *statisticsRepository) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := GetDB(ctx, r.db).Model(&model.Invoice{}).
		Where("status NOT IN ? AND due_date < ?", []string{model.InvoicePaid, model.InvoiceCancelled}, now).
		Count(&count).Error
	return count, err
}

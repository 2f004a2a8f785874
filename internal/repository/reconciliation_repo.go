package repository

import (
	"context"
	"time"

	"crm/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ReconciliationRepository interface {
	Create(ctx context.Context, task *model.ReconciliationTask) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ReconciliationTask, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.ReconciliationTask, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.ReconciliationTask, error)
	List(ctx context.Context, status string, page, limit int) ([]model.ReconciliationTask, int64, error)
	Save(ctx context.Context, task *model.ReconciliationTask) error
	CountByStatus(ctx context.Context, status string) (int64, error)
	SupersedeOpen(ctx context.Context, invoiceID uuid.UUID, at time.Time) (int64, error)
}

type reconciliationRepository struct {
	db *gorm.DB
}

func NewReconciliationRepository(db *gorm.DB) ReconciliationRepository {
	return &reconciliationRepository{db: db}
}

func (r *reconciliationRepository) Create(ctx context.Context, task *model.ReconciliationTask) error {
	return GetDB(ctx, r.db).Create(task).Error
}

func (r *reconciliationRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ReconciliationTask, error) {
	var task model.ReconciliationTask
	if err := GetDB(ctx, r.db).First(&task, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "reconciliation task", id)
	}
	return &task, nil
}

func (r *reconciliationRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.ReconciliationTask, error) {
	var task model.ReconciliationTask
	if err := forUpdate(GetDB(ctx, r.db)).First(&task, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "reconciliation task", id)
	}
	return &task, nil
}

func (r *reconciliationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.ReconciliationTask, error) {
	var tasks []model.ReconciliationTask
	err := GetDB(ctx, r.db).
		Where("status = ? AND next_attempt_at <= ?", model.ReconcilePending, now).
		Order("next_attempt_at asc").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *reconciliationRepository) List(ctx context.Context, status string, page, limit int) ([]model.ReconciliationTask, int64, error) {
	var tasks []model.ReconciliationTask
	var total int64

	db := GetDB(ctx, r.db)
	query := db.Model(&model.ReconciliationTask{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	fetch := db.Order("created_at desc")
	if status != "" {
		fetch = fetch.Where("status = ?", status)
	}
	offset := (page - 1) * limit
	if err := fetch.Offset(offset).Limit(limit).Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (r *reconciliationRepository) Save(ctx context.Context, task *model.ReconciliationTask) error {
	return GetDB(ctx, r.db).Save(task).Error
}

func (r *reconciliationRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := GetDB(ctx, r.db).Model(&model.ReconciliationTask{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// SupersedeOpen closes every pending or failed task of an invoice. A newer
// payment carries the amount that must reach the installments.
func (r *reconciliationRepository) SupersedeOpen(ctx context.Context, invoiceID uuid.UUID, at time.Time) (int64, error) {
	res := GetDB(ctx, r.db).Model(&model.ReconciliationTask{}).
		Where("invoice_id = ? AND status IN ?", invoiceID, []string{model.ReconcilePending, model.ReconcileFailed}).
		Updates(map[string]any{
			"status":       model.ReconcileDone,
			"last_error":   "superseded by a later payment",
			"completed_at": at,
		})
	return res.RowsAffected, res.Error
}

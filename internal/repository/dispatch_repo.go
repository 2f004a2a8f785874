package repository

import (
	"context"

	"crm/internal/model"

	"gorm.io/gorm"
)

type DispatchRepository interface {
	Create(ctx context.Context, d *model.BulkDispatch) error
	Save(ctx context.Context, d *model.BulkDispatch) error
	List(ctx context.Context, page, limit int) ([]model.BulkDispatch, int64, error)
}

type dispatchRepository struct {
	db *gorm.DB
}

func NewDispatchRepository(db *gorm.DB) DispatchRepository {
	return &dispatchRepository{db: db}
}

func (r *dispatchRepository) Create(ctx context.Context, d *model.BulkDispatch) error {
	return GetDB(ctx, r.db).Create(d).Error
}

func (r *dispatchRepository) Save(ctx context.Context, d *model.BulkDispatch) error {
	return GetDB(ctx, r.db).Save(d).Error
}

func (r *dispatchRepository) List(ctx context.Context, page, limit int) ([]model.BulkDispatch, int64, error) {
	var rows []model.BulkDispatch
	var total int64

	db := GetDB(ctx, r.db)
	if err := db.Model(&model.BulkDispatch{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	if err := db.Order("created_at desc").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

package repository

import (
	"context"
	"time"

	"crm/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentPlanRepository interface {
	FindByClient(ctx context.Context, clientID uuid.UUID) (*model.PaymentPlan, error)
	Replace(ctx context.Context, plan *model.PaymentPlan) error
	FindInstallment(ctx context.Context, id uuid.UUID) (*model.Installment, error)
	FindInstallmentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]model.Installment, error)
	SaveInstallment(ctx context.Context, inst *model.Installment) error
	LinkInvoice(ctx context.Context, installmentID, invoiceID uuid.UUID) error
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

type paymentPlanRepository struct {
	db *gorm.DB
}

func NewPaymentPlanRepository(db *gorm.DB) PaymentPlanRepository {
	return &paymentPlanRepository{db: db}
}

func (r *paymentPlanRepository) FindByClient(ctx context.Context, clientID uuid.UUID) (*model.PaymentPlan, error) {
	var plan model.PaymentPlan
	err := GetDB(ctx, r.db).
		Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
		First(&plan, "client_id = ?", clientID).Error
	if err != nil {
		return nil, notFound(err, "payment plan for client", clientID)
	}
	return &plan, nil
}

// Replace drops the client's existing plan and stores plan with its installments.
func (r *paymentPlanRepository) Replace(ctx context.Context, plan *model.PaymentPlan) error {
	db := GetDB(ctx, r.db)
	if err := db.Where("client_id = ?", plan.ClientID).Delete(&model.Installment{}).Error; err != nil {
		return err
	}
	if err := db.Where("client_id = ?", plan.ClientID).Delete(&model.PaymentPlan{}).Error; err != nil {
		return err
	}
	return db.Create(plan).Error
}

func (r *paymentPlanRepository) FindInstallment(ctx context.Context, id uuid.UUID) (*model.Installment, error) {
	var inst model.Installment
	if err := GetDB(ctx, r.db).First(&inst, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "installment", id)
	}
	return &inst, nil
}

func (r *paymentPlanRepository) FindInstallmentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]model.Installment, error) {
	var insts []model.Installment
	err := forUpdate(GetDB(ctx, r.db)).Where("invoice_id = ?", invoiceID).Order("sequence asc").Find(&insts).Error
	return insts, err
}

func (r *paymentPlanRepository) SaveInstallment(ctx context.Context, inst *model.Installment) error {
	return GetDB(ctx, r.db).Omit(clause.Associations).Save(inst).Error
}

func (r *paymentPlanRepository) LinkInvoice(ctx context.Context, installmentID, invoiceID uuid.UUID) error {
	return GetDB(ctx, r.db).Model(&model.Installment{}).Where("id = ?", installmentID).Update("invoice_id", invoiceID).Error
}

// MarkOverdue flags pending installments whose due date has passed.
func (r *paymentPlanRepository) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := GetDB(ctx, r.db).Model(&model.Installment{}).
		Where("status = ? AND due_date < ?", model.InstallmentPending, now).
		Update("status", model.InstallmentOverdue)
	return res.RowsAffected, res.Error
}

package repository

import (
	"context"
	"time"

	"crm/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InvoiceListFilter struct {
	Status        string
	ClientID      *uuid.UUID
	InvoiceNumber string // partial match
	Page          int
	Limit         int
}

type InvoiceRepository interface {
	Create(ctx context.Context, invoice *model.Invoice) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	List(ctx context.Context, filter InvoiceListFilter) ([]model.Invoice, int64, error)
	Save(ctx context.Context, invoice *model.Invoice) error
	SaveWithItems(ctx context.Context, invoice *model.Invoice) error
	AddReminder(ctx context.Context, reminder *model.InvoiceReminder) error
	CountByClient(ctx context.Context, clientID uuid.UUID) (int64, error)
	IDsByClient(ctx context.Context, clientID uuid.UUID) ([]uuid.UUID, error)
	FindPastDue(ctx context.Context, now time.Time, limit int) ([]model.Invoice, error)
}

type invoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	return GetDB(ctx, r.db).Create(invoice).Error
}

func preloadInvoice(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Reminders", func(db *gorm.DB) *gorm.DB { return db.Order("sent_date asc") })
}

func (r *invoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	var invoice model.Invoice
	if err := preloadInvoice(GetDB(ctx, r.db)).First(&invoice, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "invoice", id)
	}
	return &invoice, nil
}

// FindByIDForUpdate locks the invoice row for the rest of the surrounding transaction.
func (r *invoiceRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	var invoice model.Invoice
	if err := forUpdate(GetDB(ctx, r.db)).First(&invoice, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "invoice", id)
	}
	if err := GetDB(ctx, r.db).Where("invoice_id = ?", id).Order("position asc").Find(&invoice.Items).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) List(ctx context.Context, f InvoiceListFilter) ([]model.Invoice, int64, error) {
	var invoices []model.Invoice
	var total int64

	db := GetDB(ctx, r.db)
	apply := func(q *gorm.DB) *gorm.DB {
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.ClientID != nil {
			q = q.Where("client_id = ?", *f.ClientID)
		}
		if f.InvoiceNumber != "" {
			q = q.Where("invoice_number LIKE ?", "%"+f.InvoiceNumber+"%")
		}
		return q
	}

	if err := apply(db.Model(&model.Invoice{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (f.Page - 1) * f.Limit
	if err := apply(preloadInvoice(db)).Order("issue_date desc, invoice_number desc").Offset(offset).Limit(f.Limit).Find(&invoices).Error; err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

// Save updates the invoice row only.
func (r *invoiceRepository) Save(ctx context.Context, invoice *model.Invoice) error {
	return GetDB(ctx, r.db).Omit(clause.Associations).Save(invoice).Error
}

// SaveWithItems updates the invoice row and replaces its items.
func (r *invoiceRepository) SaveWithItems(ctx context.Context, invoice *model.Invoice) error {
	db := GetDB(ctx, r.db)
	if err := db.Omit(clause.Associations).Save(invoice).Error; err != nil {
		return err
	}
	if err := db.Where("invoice_id = ?", invoice.ID).Delete(&model.InvoiceItem{}).Error; err != nil {
		return err
	}
	if len(invoice.Items) == 0 {
		return nil
	}
	for i := range invoice.Items {
		invoice.Items[i].ID = uuid.Nil
		invoice.Items[i].InvoiceID = invoice.ID
	}
	return db.Create(&invoice.Items).Error
}

func (r *invoiceRepository) AddReminder(ctx context.Context, reminder *model.InvoiceReminder) error {
	return GetDB(ctx, r.db).Create(reminder).Error
}

func (r *invoiceRepository) CountByClient(ctx context.Context, clientID uuid.UUID) (int64, error) {
	var count int64
	err := GetDB(ctx, r.db).Model(&model.Invoice{}).Where("client_id = ?", clientID).Count(&count).Error
	return count, err
}

func (r *invoiceRepository) IDsByClient(ctx context.Context, clientID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := GetDB(ctx, r.db).Model(&model.Invoice{}).
		Where("client_id = ?", clientID).
		Order("issue_date asc").
		Pluck("id", &ids).Error
	return ids, err
}

// FindPastDue returns unsettled invoices whose due date has passed but whose stored status is not yet overdue.
func (r *invoiceRepository) FindPastDue(ctx context.Context, now time.Time, limit int) ([]model.Invoice, error) {
	var invoices []model.Invoice
	err := GetDB(ctx, r.db).
		Where("due_date < ? AND status IN ?", now, []string{model.InvoiceDraft, model.InvoiceSent, model.InvoiceViewed}).
		Order("due_date asc").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}

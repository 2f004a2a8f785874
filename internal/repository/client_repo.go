package repository

import (
	"context"
	"errors"
	"strings"

	"crm/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClientListFilter narrows client listings. Empty fields do not filter.
type ClientListFilter struct {
	IDs        []uuid.UUID
	Statuses   []string
	Tags       []string
	LeadSource string
	Search     string
	MinScore   *int
	SortBy     string // created_at (default) | lead_score | name
	Page       int
	Limit      int
}

type ClientRepository interface {
	Create(ctx context.Context, client *model.Client) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Client, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Client, error)
	FindWithDetails(ctx context.Context, id uuid.UUID) (*model.Client, error)
	FindByPhone(ctx context.Context, normalized string) (*model.Client, error)
	Update(ctx context.Context, client *model.Client) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ClientListFilter) ([]model.Client, int64, error)
	FindRecipients(ctx context.Context, filter ClientListFilter) ([]model.Client, error)

	AddInteraction(ctx context.Context, it *model.Interaction) error
	FindInteraction(ctx context.Context, clientID, id uuid.UUID) (*model.Interaction, error)
	SaveInteraction(ctx context.Context, it *model.Interaction) error

	CountOrders(ctx context.Context, clientID uuid.UUID) (int64, error)
	CreateOrder(ctx context.Context, order *model.ClientOrder) error
	FindOrder(ctx context.Context, clientID, id uuid.UUID) (*model.ClientOrder, error)
	SaveOrder(ctx context.Context, order *model.ClientOrder) error

	CreateTask(ctx context.Context, task *model.Task) error
	FindTask(ctx context.Context, clientID, id uuid.UUID) (*model.Task, error)
	SaveTask(ctx context.Context, task *model.Task) error

	ReplaceTags(ctx context.Context, clientID uuid.UUID, tags []string) error
}

type clientRepository struct {
	db *gorm.DB
}

func NewClientRepository(db *gorm.DB) ClientRepository {
	return &clientRepository{db: db}
}

func (r *clientRepository) Create(ctx context.Context, client *model.Client) error {
	return GetDB(ctx, r.db).Create(client).Error
}

func (r *clientRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	var client model.Client
	if err := GetDB(ctx, r.db).Preload("Tags").First(&client, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "client", id)
	}
	return &client, nil
}

// FindByIDForUpdate locks the client row for the rest of the transaction. Tags are not loaded.
func (r *clientRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	var client model.Client
	if err := forUpdate(GetDB(ctx, r.db)).First(&client, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "client", id)
	}
	return &client, nil
}

func (r *clientRepository) FindWithDetails(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	var client model.Client
	err := GetDB(ctx, r.db).
		Preload("Tags").
		Preload("Interactions", func(db *gorm.DB) *gorm.DB { return db.Order("occurred_at asc, created_at asc") }).
		Preload("Orders", func(db *gorm.DB) *gorm.DB { return db.Order("order_date asc") }).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		Preload("PaymentPlan.Installments", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
		First(&client, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "client", id)
	}
	return &client, nil
}

// FindByPhone matches either of a client's numbers, preferring the primary one.
func (r *clientRepository) FindByPhone(ctx context.Context, normalized string) (*model.Client, error) {
	var client model.Client
	err := GetDB(ctx, r.db).First(&client, "phone_normalized = ?", normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = GetDB(ctx, r.db).Order("created_at asc").First(&client, "alt_phone_normalized = ?", normalized).Error
	}
	if err != nil {
		return nil, notFound(err, "client with phone", normalized)
	}
	return &client, nil
}

func (r *clientRepository) Update(ctx context.Context, client *model.Client) error {
	return GetDB(ctx, r.db).Omit(clause.Associations).Save(client).Error
}

func (r *clientRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return GetDB(ctx, r.db).Model(&model.Client{}).Where("id = ?", id).Update("status", status).Error
}

// SoftDelete releases the phone number so it can be registered again.
func (r *clientRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	db := GetDB(ctx, r.db)
	if err := db.Model(&model.Client{}).Where("id = ?", id).Updates(map[string]any{"phone_normalized": nil, "alt_phone_normalized": nil}).Error; err != nil {
		return err
	}
	return db.Delete(&model.Client{}, "id = ?", id).Error
}

func (r *clientRepository) applyFilter(query *gorm.DB, f ClientListFilter) *gorm.DB {
	if len(f.IDs) > 0 {
		query = query.Where("id IN ?", f.IDs)
	}
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	if len(f.Tags) > 0 {
		query = query.Where("id IN (?)", r.db.Model(&model.ClientTag{}).Select("client_id").Where("tag IN ?", f.Tags))
	}
	if f.LeadSource != "" {
		query = query.Where("lead_source = ?", f.LeadSource)
	}
	if f.MinScore != nil {
		query = query.Where("lead_score >= ?", *f.MinScore)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(company) LIKE ? OR phone_normalized LIKE ?", like, like, like, like)
	}
	return query
}

func (r *clientRepository) List(ctx context.Context, f ClientListFilter) ([]model.Client, int64, error) {
	var clients []model.Client
	var total int64

	db := GetDB(ctx, r.db)
	if err := r.applyFilter(db.Model(&model.Client{}), f).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at desc"
	switch f.SortBy {
	case "lead_score":
		order = "lead_score desc, created_at desc"
	case "name":
		order = "name asc"
	}

	offset := (f.Page - 1) * f.Limit
	if err := r.applyFilter(db.Preload("Tags"), f).Order(order).Offset(offset).Limit(f.Limit).Find(&clients).Error; err != nil {
		return nil, 0, err
	}
	return clients, total, nil
}

// FindRecipients returns the unpaginated projection used by bulk dispatch.
func (r *clientRepository) FindRecipients(ctx context.Context, f ClientListFilter) ([]model.Client, error) {
	var clients []model.Client
	err := r.applyFilter(GetDB(ctx, r.db).Select("id", "name", "phone", "whatsapp_phone", "status"), f).
		Order("created_at asc").
		Find(&clients).Error
	return clients, err
}

func (r *clientRepository) AddInteraction(ctx context.Context, it *model.Interaction) error {
	return GetDB(ctx, r.db).Create(it).Error
}

func (r *clientRepository) FindInteraction(ctx context.Context, clientID, id uuid.UUID) (*model.Interaction, error) {
	var it model.Interaction
	if err := GetDB(ctx, r.db).First(&it, "id = ? AND client_id = ?", id, clientID).Error; err != nil {
		return nil, notFound(err, "interaction", id)
	}
	return &it, nil
}

func (r *clientRepository) SaveInteraction(ctx context.Context, it *model.Interaction) error {
	return GetDB(ctx, r.db).Save(it).Error
}

func (r *clientRepository) CountOrders(ctx context.Context, clientID uuid.UUID) (int64, error) {
	var count int64
	err := GetDB(ctx, r.db).Model(&model.ClientOrder{}).Where("client_id = ?", clientID).Count(&count).Error
	return count, err
}

func (r *clientRepository) CreateOrder(ctx context.Context, order *model.ClientOrder) error {
	return GetDB(ctx, r.db).Create(order).Error
}

func (r *clientRepository) FindOrder(ctx context.Context, clientID, id uuid.UUID) (*model.ClientOrder, error) {
	var order model.ClientOrder
	if err := GetDB(ctx, r.db).First(&order, "id = ? AND client_id = ?", id, clientID).Error; err != nil {
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

func (r *clientRepository) SaveOrder(ctx context.Context, order *model.ClientOrder) error {
	return GetDB(ctx, r.db).Save(order).Error
}

func (r *clientRepository) CreateTask(ctx context.Context, task *model.Task) error {
	return GetDB(ctx, r.db).Create(task).Error
}

func (r *clientRepository) FindTask(ctx context.Context, clientID, id uuid.UUID) (*model.Task, error) {
	var task model.Task
	if err := GetDB(ctx, r.db).First(&task, "id = ? AND client_id = ?", id, clientID).Error; err != nil {
		return nil, notFound(err, "task", id)
	}
	return &task, nil
}

func (r *clientRepository) SaveTask(ctx context.Context, task *model.Task) error {
	return GetDB(ctx, r.db).Save(task).Error
}

func (r *clientRepository) ReplaceTags(ctx context.Context, clientID uuid.UUID, tags []string) error {
	db := GetDB(ctx, r.db)
	if err := db.Where("client_id = ?", clientID).Delete(&model.ClientTag{}).Error; err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	rows := make([]model.ClientTag, 0, len(tags))
	for _, t := range tags {
		rows = append(rows, model.ClientTag{ClientID: clientID, Tag: t})
	}
	return db.Create(&rows).Error
}

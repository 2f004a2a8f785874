package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LeadSource enum constants
const (
	LeadSourceWebsite  = "website"
	LeadSourceReferral = "referral"
	LeadSourceWhatsApp = "whatsapp"
	LeadSourceForm     = "form"
	LeadSourceSocial   = "social"
	LeadSourceAds      = "ads"
	LeadSourceManual   = "manual"
	LeadSourceOther    = "other"
)

// Client represents a lead or a converted client. Status is a pipeline stage.
type Client struct {
	Base
	Name            string  `gorm:"type:varchar(255);not null" json:"name"`
	Email           string  `gorm:"type:varchar(255);index" json:"email"`
	Phone           string  `gorm:"type:varchar(32)" json:"phone"`
	WhatsAppPhone   string  `gorm:"type:varchar(32)" json:"whatsapp_phone"`
	PhoneNormalized *string `gorm:"type:varchar(32);uniqueIndex" json:"-"` // digits only; NULL when no phone
	// AltPhoneNormalized holds the phone digits when the client also has a different WhatsApp number.
	AltPhoneNormalized *string `gorm:"type:varchar(32);index" json:"-"`
	Company         string  `gorm:"type:varchar(255)" json:"company"`
	LeadSource      string  `gorm:"type:varchar(20);not null;default:'manual';index" json:"lead_source"`
	Status          string  `gorm:"type:varchar(30);not null;default:'lead';index" json:"status"`
	LeadScore       int     `gorm:"not null;default:0;index" json:"lead_score"`
	Notes           string  `gorm:"type:text" json:"notes"`

	Assessment            datatypes.JSON `json:"assessment,omitempty"`
	AssessmentCompletedAt *time.Time     `json:"assessment_completed_at"`

	Tags         []ClientTag   `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"tags,omitempty"`
	Interactions []Interaction `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"interactions,omitempty"`
	Orders       []ClientOrder `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"orders,omitempty"`
	Tasks        []Task        `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
	PaymentPlan  *PaymentPlan  `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"payment_plan,omitempty"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

type ClientTag struct {
	Base
	ClientID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_client_tag" json:"client_id"`
	Tag      string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_client_tag;index" json:"tag"`
}

// Interaction enum constants
const (
	InteractionNote     = "note"
	InteractionCall     = "call"
	InteractionEmail    = "email"
	InteractionWhatsApp = "whatsapp"
	InteractionMeeting  = "meeting"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Interaction is one entry in a client's append-only contact log.
type Interaction struct {
	Base
	ClientID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"client_id"`
	Type        string     `gorm:"type:varchar(20);not null" json:"type"`
	Direction   string     `gorm:"type:varchar(10);not null" json:"direction"`
	Subject     string     `gorm:"type:varchar(255)" json:"subject"`
	Content     string     `gorm:"type:text" json:"content"`
	OccurredAt  time.Time  `gorm:"not null;index" json:"occurred_at"`
	CreatedBy   string     `gorm:"type:varchar(100)" json:"created_by"`
	Completed   bool       `gorm:"not null;default:false" json:"completed"`
	CompletedAt *time.Time `json:"completed_at"`
}

// OrderStatus enum constants
const (
	OrderPending    = "pending"
	OrderInProgress = "in_progress"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
)

type OrderLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// ClientOrder is a committed sale. It is independent of invoices.
type ClientOrder struct {
	Base
	ClientID               uuid.UUID                      `gorm:"type:uuid;not null;index" json:"client_id"`
	OrderNumber            string                         `gorm:"type:varchar(20);uniqueIndex;not null" json:"order_number"`
	Description            string                         `gorm:"type:text" json:"description"`
	Lines                  datatypes.JSONSlice[OrderLine] `json:"lines"`
	Amount                 decimal.Decimal                `gorm:"type:decimal(18,4);not null;default:0" json:"amount"`
	Status                 string                         `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	OrderDate              time.Time                      `gorm:"not null" json:"order_date"`
	ExpectedCompletionDate *time.Time                     `json:"expected_completion_date"`
	ActualCompletionDate   *time.Time                     `json:"actual_completion_date"`
}

// Task enum constants
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

type Task struct {
	Base
	ClientID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"client_id"`
	Title         string     `gorm:"type:varchar(255);not null" json:"title"`
	Description   string     `gorm:"type:text" json:"description"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	Priority      string     `gorm:"type:varchar(10);not null;default:'medium'" json:"priority"`
	DueDate       *time.Time `json:"due_date"`
	CompletedDate *time.Time `json:"completed_date"`
	AssignedTo    string     `gorm:"type:varchar(100)" json:"assigned_to"`
}

// InstallmentStatus enum constants
const (
	InstallmentPending = "pending"
	InstallmentPaid    = "paid"
	InstallmentOverdue = "overdue"
)

// PaymentPlan is the single optional schedule of installments for a client.
type PaymentPlan struct {
	Base
	ClientID     uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"client_id"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"total_amount"`
	Notes        string          `gorm:"type:text" json:"notes"`
	Installments []Installment   `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE" json:"installments"`
}

// Installment may point at the invoice that bills it. That invoice must belong to the same client.
type Installment struct {
	Base
	PlanID     uuid.UUID        `gorm:"type:uuid;not null;index" json:"plan_id"`
	ClientID   uuid.UUID        `gorm:"type:uuid;not null;index" json:"client_id"`
	Sequence   int              `gorm:"not null" json:"sequence"`
	Amount     decimal.Decimal  `gorm:"type:decimal(18,4);not null" json:"amount"`
	DueDate    time.Time        `gorm:"not null;index" json:"due_date"`
	Status     string           `gorm:"type:varchar(10);not null;default:'pending';index" json:"status"`
	PaidDate   *time.Time       `json:"paid_date"`
	PaidAmount *decimal.Decimal `gorm:"type:decimal(18,4)" json:"paid_amount"`
	InvoiceID  *uuid.UUID       `gorm:"type:uuid;index" json:"invoice_id"`
}

package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus enum constants
const (
	InvoiceDraft         = "draft"
	InvoiceSent          = "sent"
	InvoiceViewed        = "viewed"
	InvoicePaid          = "paid"
	InvoicePartiallyPaid = "partially_paid"
	InvoiceOverdue       = "overdue"
	InvoiceCancelled     = "cancelled"
)

// Invoice is a billable document. Aggregates and Status are derived from Items,
// Payment and DueDate on every save; LifecycleStatus keeps the explicitly set
// draft/sent/viewed/cancelled state the derivation falls back to.
type Invoice struct {
	Base
	InvoiceNumber   string            `gorm:"type:varchar(20);uniqueIndex;not null" json:"invoice_number"`
	ClientID        *uuid.UUID        `gorm:"type:uuid;index" json:"client_id"`
	IssueDate       time.Time         `gorm:"not null" json:"issue_date"`
	DueDate         time.Time         `gorm:"not null;index" json:"due_date"`
	Items           []InvoiceItem     `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"items"`
	Subtotal        decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0" json:"subtotal"`
	DiscountAmount  decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0" json:"discount_amount"`
	VATAmount       decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0" json:"vat_amount"`
	TotalAmount     decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0" json:"total_amount"`
	LifecycleStatus string            `gorm:"type:varchar(20);not null;default:'draft'" json:"lifecycle_status"`
	Status          string            `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`
	Payment         PaymentDetails    `gorm:"embedded;embeddedPrefix:payment_" json:"payment_details"`
	Reminders       []InvoiceReminder `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"reminders"`
	Notes           string            `gorm:"type:text" json:"notes"`
	CreatedBy       string            `gorm:"type:varchar(100)" json:"created_by"`
}

type PaymentDetails struct {
	Method        string          `gorm:"type:varchar(30)" json:"method"`
	PaidAmount    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"paid_amount"`
	PaidDate      *time.Time      `json:"paid_date"`
	TransactionID string          `gorm:"type:varchar(100)" json:"transaction_id"`
}

// InvoiceItem stores the input fields and the derived Subtotal (after discount, before VAT) and TotalPrice.
type InvoiceItem struct {
	Base
	InvoiceID       uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Position        int             `gorm:"not null" json:"position"`
	Description     string          `gorm:"type:varchar(500);not null" json:"description"`
	Quantity        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"quantity"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
	DiscountPercent decimal.Decimal `gorm:"type:decimal(7,4);not null;default:0" json:"discount_percent"`
	VATRatePercent  decimal.Decimal `gorm:"type:decimal(7,4);not null;default:0" json:"vat_rate_percent"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"subtotal"`
	TotalPrice      decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"total_price"`
}

// InvoiceReminder is append-only.
type InvoiceReminder struct {
	Base
	InvoiceID uuid.UUID `gorm:"type:uuid;not null;index" json:"invoice_id"`
	SentDate  time.Time `gorm:"not null" json:"sent_date"`
	Method    string    `gorm:"type:varchar(20);not null" json:"method"`
	Notes     string    `gorm:"type:text" json:"notes"`
}

package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReconciliationStatus enum constants
const (
	ReconcilePending = "pending"
	ReconcileDone    = "done"
	ReconcileFailed  = "failed"
)

// ReconciliationTask records a payment that still has to reach the client's installments.
// It is written in the same transaction as the invoice payment.
type ReconciliationTask struct {
	Base
	InvoiceID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	ClientID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"client_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	PaidAt        time.Time       `gorm:"not null" json:"paid_at"`
	Status        string          `gorm:"type:varchar(10);not null;default:'pending';index" json:"status"`
	Attempts      int             `gorm:"not null;default:0" json:"attempts"`
	LastError     string          `gorm:"type:text" json:"last_error"`
	NextAttemptAt time.Time       `gorm:"not null;index" json:"next_attempt_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
}

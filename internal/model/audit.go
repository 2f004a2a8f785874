package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionOverrideClientStatus = "OVERRIDE_CLIENT_STATUS"
	ActionDeleteClient         = "DELETE_CLIENT"
	ActionReplacePaymentPlan   = "REPLACE_PAYMENT_PLAN"
	ActionCreateInvoice        = "CREATE_INVOICE"
	ActionMarkInvoicePaid      = "MARK_INVOICE_PAID"
	ActionCancelInvoice        = "CANCEL_INVOICE"
	ActionBulkDispatch         = "BULK_DISPATCH"
	ActionCreateTaxRule        = "CREATE_TAX_RULE"
)

// AuditLog tracks Who, What, and When for critical system changes
type AuditLog struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ActorID    string         `gorm:"type:varchar(100);index" json:"actor_id"` // empty for automated jobs
	Action     string         `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string         `gorm:"type:varchar(50);index" json:"entity_id"`
	EntityName string         `gorm:"type:varchar(255)" json:"entity_name,omitempty"`
	Details    datatypes.JSON `json:"details"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

package model

// Sequence scopes
const (
	SequenceInvoice = "INV"
	SequenceOrder   = "ORD"
)

// NumberSequence is the per-scope, per-year counter behind document numbers.
type NumberSequence struct {
	Scope     string `gorm:"type:varchar(10);primaryKey"`
	Year      int    `gorm:"primaryKey;autoIncrement:false"`
	LastValue int64  `gorm:"not null;default:0"`
}

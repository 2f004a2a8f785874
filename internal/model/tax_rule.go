package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaxType enum constants
const (
	TaxTypeVATStandard = "VAT_STANDARD"
	TaxTypeVATReduced  = "VAT_REDUCED"
	TaxTypeVATZero     = "VAT_ZERO"
)

// ValidTaxType reports whether t is one of the VAT rule types.
func ValidTaxType(t string) bool {
	switch t {
	case TaxTypeVATStandard, TaxTypeVATReduced, TaxTypeVATZero:
		return true
	}
	return false
}

// TaxRule stores VAT rates with temporal validity. The active standard rate
// applies to invoice items that do not carry their own rate.
type TaxRule struct {
	Base
	TaxType       string          `gorm:"type:varchar(20);not null;index" json:"tax_type"`
	RatePercent   decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"rate_percent"` // 21 = 21%
	EffectiveFrom time.Time       `gorm:"not null;index" json:"effective_from"`
	EffectiveTo   *time.Time      `gorm:"index" json:"effective_to"` // nullable = currently active
	Description   string          `gorm:"type:text" json:"description"`
}

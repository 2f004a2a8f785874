// Package billing derives invoice amounts and status from line items and payments.
package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crm/internal/apperr"
	"crm/internal/model"

	"github.com/shopspring/decimal"
)

// Scale matches the decimal(18,4) money columns.
const Scale = 4

var hundred = decimal.NewFromInt(100)

// Totals are the invoice-level aggregates.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	VATAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
}

// ComputeItem fills the derived Subtotal and TotalPrice of a single item.
func ComputeItem(item *model.InvoiceItem) {
	gross := item.Quantity.Mul(item.UnitPrice)
	factor := decimal.NewFromInt(1).Sub(item.DiscountPercent.Div(hundred))
	item.Subtotal = gross.Mul(factor).Round(Scale)
	item.TotalPrice = item.Subtotal.Mul(decimal.NewFromInt(1).Add(item.VATRatePercent.Div(hundred))).Round(Scale)
}

// Compute derives every item and returns the invoice totals. An empty list totals zero.
func Compute(items []model.InvoiceItem) Totals {
	var t Totals
	for i := range items {
		ComputeItem(&items[i])
		gross := items[i].Quantity.Mul(items[i].UnitPrice).Round(Scale)
		t.Subtotal = t.Subtotal.Add(items[i].Subtotal)
		t.DiscountAmount = t.DiscountAmount.Add(gross.Sub(items[i].Subtotal))
		t.VATAmount = t.VATAmount.Add(items[i].TotalPrice.Sub(items[i].Subtotal))
	}
	t.TotalAmount = t.Subtotal.Add(t.VATAmount)
	return t
}

// DeriveStatus applies, first match wins: fully paid, partially paid, overdue,
// otherwise the explicitly set lifecycle status. A zero-total invoice is paid
// only once a payment has been recorded.
func DeriveStatus(lifecycle string, total, paid decimal.Decimal, paymentRecorded bool, due, now time.Time) string {
	if (paymentRecorded || paid.IsPositive()) && paid.GreaterThanOrEqual(total) {
		return model.InvoicePaid
	}
	if paid.IsPositive() && paid.LessThan(total) {
		return model.InvoicePartiallyPaid
	}
	if lifecycle != model.InvoiceCancelled && now.After(due) {
		return model.InvoiceOverdue
	}
	if lifecycle == "" {
		return model.InvoiceDraft
	}
	return lifecycle
}

// IsOverdue reports whether an invoice with the given derived status is past due.
func IsOverdue(status string, due, now time.Time) bool {
	if status == model.InvoicePaid || status == model.InvoiceCancelled {
		return false
	}
	return now.After(due)
}

// Recalculate refreshes items, aggregates and status in place. Run before every persist.
func Recalculate(inv *model.Invoice, now time.Time) {
	for i := range inv.Items {
		inv.Items[i].Position = i + 1
	}
	t := Compute(inv.Items)
	inv.Subtotal = t.Subtotal
	inv.DiscountAmount = t.DiscountAmount
	inv.VATAmount = t.VATAmount
	inv.TotalAmount = t.TotalAmount
	inv.Status = DeriveStatus(inv.LifecycleStatus, inv.TotalAmount, inv.Payment.PaidAmount, inv.Payment.PaidDate != nil, inv.DueDate, now)
}

// ValidateItems rejects item data that would corrupt the invoice totals.
func ValidateItems(items []model.InvoiceItem) error {
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case strings.TrimSpace(it.Description) == "":
			return apperr.Validation(field+".description", "description is required")
		case it.Quantity.IsNegative():
			return apperr.Validation(field+".quantity", "quantity must not be negative")
		case it.UnitPrice.IsNegative():
			return apperr.Validation(field+".unit_price", "unit price must not be negative")
		case it.DiscountPercent.IsNegative() || it.DiscountPercent.GreaterThan(hundred):
			return apperr.Validation(field+".discount_percent", "discount must be between 0 and 100")
		case it.VATRatePercent.IsNegative():
			return apperr.Validation(field+".vat_rate_percent", "VAT rate must not be negative")
		}
	}
	return nil
}

// FormatNumber renders PREFIX-YYYY-NNNN. Sequences past 9999 keep all their digits.
func FormatNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, seq)
}

// YearPrefix is the common prefix of every number in a year, e.g. "INV-2025-".
func YearPrefix(prefix string, year int) string {
	return fmt.Sprintf("%s-%d-", prefix, year)
}

// ParseNumber extracts year and sequence from a number produced by FormatNumber.
func ParseNumber(prefix, number string) (year int, seq int64, ok bool) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != prefix || len(parts[1]) != 4 || len(parts[2]) < 4 {
		return 0, 0, false
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || s < 1 {
		return 0, 0, false
	}
	return y, s, true
}

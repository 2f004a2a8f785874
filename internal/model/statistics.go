package model

import "github.com/shopspring/decimal"

// StatusCount is one row of a group-by-status count.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// StatusAmount is one row of a group-by-status sum over invoices.
type StatusAmount struct {
	Status string          `json:"status"`
	Count  int64           `json:"count"`
	Total  decimal.Decimal `json:"total"`
	Paid   decimal.Decimal `json:"paid"`
}

// DashboardStatistics is the pipeline and billing overview.
type DashboardStatistics struct {
	ClientsByStatus  []StatusCount   `json:"clients_by_status"`
	LeadCount        int64           `json:"lead_count"`
	ClientCount      int64           `json:"client_count"`
	InvoicesByStatus []StatusAmount  `json:"invoices_by_status"`
	Outstanding      decimal.Decimal `json:"outstanding"`
	OverdueInvoices  int64           `json:"overdue_invoices"`
	PendingReconcile int64           `json:"pending_reconciliation"`
}

package service

import (
	"testing"

	"crm/internal/apperr"
	"crm/internal/pipeline"
)

func TestDashboardCountsByView(t *testing.T) {
	f := newFixture(t)
	f.createClient("A", "", pipeline.NewLead)
	f.createClient("B", "", pipeline.Negotiation)
	f.createClient("C", "", pipeline.Won)
	c := f.createClient("D", "", pipeline.ActiveClient)
	f.createInvoice(CreateInvoiceRequest{ClientID: c.ID, IssueDate: "2025-01-01", DueDate: "2025-02-01", Items: simpleItems("100")})

	got, err := f.stats.GetDashboard(f.ctx())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if got.LeadCount != 2 || got.ClientCount != 2 {
		t.Fatalf("leads/clients = %d/%d, want 2/2", got.LeadCount, got.ClientCount)
	}
	if got.OverdueInvoices != 1 {
		t.Fatalf("overdue = %d, want 1", got.OverdueInvoices)
	}
	if len(got.ClientsByStatus) != 4 {
		t.Fatalf("clients by status = %+v", got.ClientsByStatus)
	}
}

func TestTaxRuleOverlapAndActiveRate(t *testing.T) {
	f := newFixture(t)

	none, err := f.taxes.GetActiveTaxRate(f.ctx(), "VAT_STANDARD")
	if err != nil || none != nil {
		t.Fatalf("active rate before rules = %+v, err %v", none, err)
	}

	if _, err := f.taxes.CreateTaxRule(f.ctx(), CreateTaxRuleRequest{
		TaxType: "VAT_STANDARD", RatePercent: "21", EffectiveFrom: "2024-01-01",
	}, "op-1"); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	_, err = f.taxes.CreateTaxRule(f.ctx(), CreateTaxRuleRequest{
		TaxType: "VAT_STANDARD", RatePercent: "22", EffectiveFrom: "2025-01-01",
	}, "op-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("overlapping rule: err = %v, want conflict", err)
	}

	active, err := f.taxes.GetActiveTaxRate(f.ctx(), "VAT_STANDARD")
	if err != nil || active == nil || active.RatePercent != "21" {
		t.Fatalf("active rate = %+v, err %v", active, err)
	}

	_, err = f.taxes.CreateTaxRule(f.ctx(), CreateTaxRuleRequest{
		TaxType: "VAT_REDUCED", RatePercent: "120", EffectiveFrom: "2024-01-01",
	}, "op-1")
	if apperr.FieldOf(err) != "rate_percent" {
		t.Fatalf("rate above 100: err = %v", err)
	}
}

func TestTaxRulesFilterByTypeAndDay(t *testing.T) {
	f := newFixture(t)
	for _, req := range []CreateTaxRuleRequest{
		{TaxType: "VAT_STANDARD", RatePercent: "18", EffectiveFrom: "2020-01-01", EffectiveTo: "2023-12-31"},
		{TaxType: "VAT_STANDARD", RatePercent: "21", EffectiveFrom: "2024-01-01"},
		{TaxType: "VAT_REDUCED", RatePercent: "10", EffectiveFrom: "2020-01-01"},
	} {
		if _, err := f.taxes.CreateTaxRule(f.ctx(), req, "op-1"); err != nil {
			t.Fatalf("create %s from %s: %v", req.TaxType, req.EffectiveFrom, err)
		}
	}

	rules, total, err := f.taxes.GetTaxRules(f.ctx(), TaxRuleQuery{TaxType: "vat_standard", ActiveOn: "2023-12-31"})
	if err != nil || total != 1 {
		t.Fatalf("standard on last day of old rate = %d, err %v", total, err)
	}
	if rules[0].RatePercent != "18" {
		t.Fatalf("rate = %s, want 18", rules[0].RatePercent)
	}
	if _, total, _ := f.taxes.GetTaxRules(f.ctx(), TaxRuleQuery{ActiveOn: "2024-06-01"}); total != 2 {
		t.Fatalf("rules in force mid 2024 = %d, want 2", total)
	}
	if _, _, err := f.taxes.GetTaxRules(f.ctx(), TaxRuleQuery{TaxType: "SALES"}); apperr.FieldOf(err) != "tax_type" {
		t.Fatalf("unknown type: err = %v", err)
	}
	if _, err := f.taxes.GetActiveTaxRate(f.ctx(), "SALES"); apperr.FieldOf(err) != "tax_type" {
		t.Fatalf("unknown active type: err = %v", err)
	}
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm/internal/apperr"
	"crm/internal/model"
)

func TestInvoiceNumbersAreSequentialPerYear(t *testing.T) {
	f := newFixture(t)

	want := []string{"INV-2025-0001", "INV-2025-0002", "INV-2025-0003"}
	for _, w := range want {
		inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})
		if inv.InvoiceNumber != w {
			t.Fatalf("invoice number = %s, want %s", inv.InvoiceNumber, w)
		}
	}

	f.now = time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})
	if inv.InvoiceNumber != "INV-2026-0001" {
		t.Fatalf("first number of new year = %s, want INV-2026-0001", inv.InvoiceNumber)
	}
}

func TestInvoiceNumberContinuesAfterExistingNumbers(t *testing.T) {
	f := newFixture(t)

	legacy := model.Invoice{
		InvoiceNumber:   "INV-2025-0041",
		IssueDate:       f.now,
		DueDate:         f.now,
		LifecycleStatus: model.InvoiceSent,
		Status:          model.InvoiceSent,
	}
	if err := f.invoiceRepo.Create(f.ctx(), &legacy); err != nil {
		t.Fatalf("seed legacy invoice: %v", err)
	}

	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})
	if inv.InvoiceNumber != "INV-2025-0042" {
		t.Fatalf("invoice number = %s, want INV-2025-0042", inv.InvoiceNumber)
	}
}

// collidingAllocator hands out an already used number a fixed number of times.
type collidingAllocator struct {
	next       NumberAllocator
	collisions int
	calls      int
}

func (a *collidingAllocator) Next(ctx context.Context, scope string, year int) (string, error) {
	a.calls++
	if a.calls <= a.collisions {
		return "INV-2025-0001", nil
	}
	return a.next.Next(ctx, scope, year)
}

func TestInvoiceNumberRetriesOnCollision(t *testing.T) {
	f := newFixture(t)
	f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})

	alloc := &collidingAllocator{next: f.invoices.numbers, collisions: 2}
	f.invoices.numbers = alloc

	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})
	if inv.InvoiceNumber != "INV-2025-0002" {
		t.Fatalf("invoice number = %s, want INV-2025-0002", inv.InvoiceNumber)
	}
	if alloc.calls != 3 {
		t.Fatalf("allocator calls = %d, want 3", alloc.calls)
	}
}

func TestInvoiceNumberGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})

	f.invoices.numbers = &collidingAllocator{next: f.invoices.numbers, collisions: 100}
	_, err := f.invoices.CreateInvoice(f.ctx(), CreateInvoiceRequest{Items: simpleItems("10")}, "op-1")
	if !errors.Is(err, apperr.ErrNumberingExhausted) {
		t.Fatalf("err = %v, want ErrNumberingExhausted", err)
	}

	var count int64
	f.db.Model(&model.Invoice{}).Count(&count)
	if count != 1 {
		t.Fatalf("invoices stored = %d, want 1", count)
	}
}

func TestCreateInvoiceComputesTotals(t *testing.T) {
	f := newFixture(t)

	inv := f.createInvoice(CreateInvoiceRequest{
		Items: []InvoiceItemRequest{
			{Description: "Design", Quantity: "2", UnitPrice: "50", DiscountPercent: "10", VATRatePercent: vat("21")},
			{Description: "Hosting", Quantity: "1", UnitPrice: "20", VATRatePercent: vat("0")},
		},
	})

	checks := map[string][2]string{
		"subtotal": {inv.Subtotal, "110.00"},
		"discount": {inv.DiscountAmount, "10.00"},
		"vat":      {inv.VATAmount, "18.90"},
		"total":    {inv.TotalAmount, "128.90"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %s, want %s", name, c[0], c[1])
		}
	}
	if inv.Status != model.InvoiceDraft {
		t.Errorf("status = %s, want draft", inv.Status)
	}
	if inv.DueDate != "2025-03-24" {
		t.Errorf("due date = %s, want 2025-03-24", inv.DueDate)
	}
	if len(inv.Items) != 2 || inv.Items[0].TotalPrice != "108.90" {
		t.Errorf("items = %+v", inv.Items)
	}
}

func TestCreateInvoiceUsesStandardVATWhenItemOmitsRate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.taxes.CreateTaxRule(f.ctx(), CreateTaxRuleRequest{
		TaxType:       model.TaxTypeVATStandard,
		RatePercent:   "21",
		EffectiveFrom: "2025-01-01",
	}, "op-1"); err != nil {
		t.Fatalf("create tax rule: %v", err)
	}

	inv := f.createInvoice(CreateInvoiceRequest{
		Items: []InvoiceItemRequest{{Description: "Consulting", Quantity: "1", UnitPrice: "100"}},
	})
	if inv.TotalAmount != "121.00" {
		t.Fatalf("total = %s, want 121.00", inv.TotalAmount)
	}
}

func TestCreateInvoiceRejectsInvalidItems(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoices.CreateInvoice(f.ctx(), CreateInvoiceRequest{
		Items: []InvoiceItemRequest{{Description: "Bad", Quantity: "-1", UnitPrice: "10", VATRatePercent: vat("0")}},
	}, "op-1")
	if apperr.KindOf(err) != apperr.KindValidation || apperr.FieldOf(err) != "items[0].quantity" {
		t.Fatalf("err = %v (field %q), want validation on items[0].quantity", err, apperr.FieldOf(err))
	}

	var count int64
	f.db.Model(&model.Invoice{}).Count(&count)
	if count != 0 {
		t.Fatalf("invoices stored = %d, want 0", count)
	}
}

func TestCreateClientInvoiceRequiresExistingClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.invoices.CreateClientInvoice(f.ctx(), "8f8e2b44-2f4b-4a4e-9d55-3c6f1f0b5a11", CreateInvoiceRequest{Items: simpleItems("10")}, "op-1")
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMarkPaidDerivesStatus(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		due    string
		want   string
	}{
		{"full payment", "", "2025-04-01", model.InvoicePaid},
		{"exact amount", "100", "2025-04-01", model.InvoicePaid},
		{"partial payment", "40", "2025-04-01", model.InvoicePartiallyPaid},
		{"nothing paid past due", "0", "2025-03-01", model.InvoiceOverdue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			inv := f.createInvoice(CreateInvoiceRequest{IssueDate: "2025-02-01", DueDate: tc.due, Items: simpleItems("100")})

			res, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{Amount: tc.amount, Method: "bank_transfer"}, "op-1")
			if err != nil {
				t.Fatalf("mark paid: %v", err)
			}
			if res.Invoice.Status != tc.want {
				t.Fatalf("status = %s, want %s", res.Invoice.Status, tc.want)
			}
			if res.Reconciliation.Status != OutcomeNotLinked {
				t.Fatalf("reconciliation = %s, want %s", res.Reconciliation.Status, OutcomeNotLinked)
			}
		})
	}
}

func TestMarkPaidFreeInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(CreateInvoiceRequest{Status: model.InvoiceSent})
	if inv.TotalAmount != "0.00" || inv.Status != model.InvoiceSent {
		t.Fatalf("free invoice = %s/%s, want 0.00/sent", inv.TotalAmount, inv.Status)
	}

	res, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Invoice.Status != model.InvoicePaid {
		t.Fatalf("status = %s, want paid", res.Invoice.Status)
	}
}

func TestCancelledInvoiceRejectsPayment(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})

	cancelled, err := f.invoices.Cancel(f.ctx(), inv.ID, "op-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.InvoiceCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	_, err = f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestPaidInvoiceCannotBeEdited(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})
	if _, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	notes := "late edit"
	_, err := f.invoices.UpdateInvoice(f.ctx(), inv.ID, UpdateInvoiceRequest{Notes: &notes})
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestUpdateInvoiceRecomputesTotals(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})

	items := []InvoiceItemRequest{{Description: "Bigger job", Quantity: "3", UnitPrice: "30", VATRatePercent: vat("10")}}
	updated, err := f.invoices.UpdateInvoice(f.ctx(), inv.ID, UpdateInvoiceRequest{Items: &items})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TotalAmount != "99.00" || len(updated.Items) != 1 {
		t.Fatalf("updated = %s with %d items, want 99.00 with 1", updated.TotalAmount, len(updated.Items))
	}
	if updated.InvoiceNumber != inv.InvoiceNumber {
		t.Fatalf("number changed from %s to %s", inv.InvoiceNumber, updated.InvoiceNumber)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(CreateInvoiceRequest{Items: simpleItems("10")})

	sent, err := f.invoices.MarkSent(f.ctx(), inv.ID)
	if err != nil || sent.Status != model.InvoiceSent {
		t.Fatalf("send: status %s, err %v", sent.Status, err)
	}
	viewed, err := f.invoices.MarkViewed(f.ctx(), inv.ID)
	if err != nil || viewed.Status != model.InvoiceViewed {
		t.Fatalf("view: status %s, err %v", viewed.Status, err)
	}

	f.now = f.now.AddDate(0, 1, 0)
	got, err := f.invoices.GetInvoice(f.ctx(), inv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsOverdue {
		t.Fatalf("expected invoice to be overdue a month later")
	}
}

func TestSweepOverdue(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Ana", "+34 600 000 001", "")
	if _, err := f.clients.SetPaymentPlan(f.ctx(), c.ID, PaymentPlanRequest{
		Installments: []InstallmentRequest{{Amount: "50", DueDate: "2025-03-20"}, {Amount: "50", DueDate: "2025-05-20"}},
	}, "op-1"); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	inv := f.createInvoice(CreateInvoiceRequest{Status: model.InvoiceSent, DueDate: "2025-03-15", Items: simpleItems("10")})

	f.now = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	res, err := f.invoices.SweepOverdue(f.ctx())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Invoices != 1 || res.Installments != 1 {
		t.Fatalf("sweep = %+v, want 1 invoice and 1 installment", res)
	}

	var stored model.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if stored.Status != model.InvoiceOverdue {
		t.Fatalf("stored status = %s, want overdue", stored.Status)
	}
}

func TestAddReminderDeliversOverWhatsApp(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Bea", "+34 600 000 002", "")
	inv, err := f.invoices.CreateClientInvoice(f.ctx(), c.ID, CreateInvoiceRequest{Status: model.InvoiceSent, Items: simpleItems("80")}, "op-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := f.invoices.AddReminder(f.ctx(), inv.ID, ReminderRequest{Method: "whatsapp", Deliver: true})
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if !res.Delivered {
		t.Fatalf("expected delivery")
	}
	msgs := f.channel.messages()
	if len(msgs) != 1 || msgs[0].Phone != "34600000002" {
		t.Fatalf("messages = %+v", msgs)
	}

	f.channel.failAll = true
	res, err = f.invoices.AddReminder(f.ctx(), inv.ID, ReminderRequest{Method: "whatsapp", Deliver: true})
	if err != nil {
		t.Fatalf("failed delivery must not fail the reminder: %v", err)
	}
	if res.Delivered {
		t.Fatalf("delivery reported despite channel failure")
	}

	got, _ := f.invoices.GetInvoice(f.ctx(), inv.ID)
	if len(got.Reminders) != 2 {
		t.Fatalf("reminders = %d, want 2", len(got.Reminders))
	}
}

package service

import (
	"testing"
	"time"

	"crm/internal/apperr"
	"crm/internal/model"
	"crm/internal/realtime"
)

// planWithInvoice creates a client with a two-installment plan and bills the first installment.
func planWithInvoice(t *testing.T, f *fixture) (ClientResponse, InstallmentResponse, InvoiceResponse) {
	t.Helper()
	c := f.createClient("Carla", "+34 600 100 200", "")
	plan, err := f.clients.SetPaymentPlan(f.ctx(), c.ID, PaymentPlanRequest{
		Installments: []InstallmentRequest{
			{Amount: "300", DueDate: "2025-04-01"},
			{Amount: "300", DueDate: "2025-05-01"},
		},
	}, "op-1")
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	inst := plan.Installments[0]

	inv, err := f.invoices.CreateClientInvoice(f.ctx(), c.ID, CreateInvoiceRequest{
		Status:        model.InvoiceSent,
		Items:         simpleItems("300"),
		InstallmentID: inst.ID,
	}, "op-1")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return c, inst, inv
}

func loadInstallment(t *testing.T, f *fixture, id string) model.Installment {
	t.Helper()
	var inst model.Installment
	if err := f.db.First(&inst, "id = ?", id).Error; err != nil {
		t.Fatalf("load installment: %v", err)
	}
	return inst
}

func TestMarkPaidReconcilesLinkedInstallment(t *testing.T) {
	f := newFixture(t)
	_, inst, inv := planWithInvoice(t, f)

	res, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{Method: "cash"}, "op-1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Invoice.Status != model.InvoicePaid {
		t.Fatalf("invoice status = %s, want paid", res.Invoice.Status)
	}
	if res.Reconciliation.Status != OutcomeApplied || res.Reconciliation.Installments != 1 {
		t.Fatalf("reconciliation = %+v, want applied to 1 installment", res.Reconciliation)
	}

	got := loadInstallment(t, f, inst.ID)
	if got.Status != model.InstallmentPaid {
		t.Fatalf("installment status = %s, want paid", got.Status)
	}
	if got.PaidAmount == nil || got.PaidAmount.StringFixed(2) != "300.00" {
		t.Fatalf("installment paid amount = %v, want 300.00", got.PaidAmount)
	}
	if got.PaidDate == nil || !got.PaidDate.Equal(f.now) {
		t.Fatalf("installment paid date = %v, want %v", got.PaidDate, f.now)
	}
}

func TestReconciliationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, inst, inv := planWithInvoice(t, f)

	if _, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1"); err != nil {
		t.Fatalf("first mark paid: %v", err)
	}
	first := loadInstallment(t, f, inst.ID)

	f.now = f.now.Add(48 * time.Hour)
	res, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1")
	if err != nil {
		t.Fatalf("second mark paid: %v", err)
	}
	if res.Reconciliation.Status != OutcomeApplied {
		t.Fatalf("second reconciliation = %s, want applied", res.Reconciliation.Status)
	}

	second := loadInstallment(t, f, inst.ID)
	if second.Status != model.InstallmentPaid || !second.PaidDate.Equal(*first.PaidDate) {
		t.Fatalf("paid date moved from %v to %v", first.PaidDate, second.PaidDate)
	}
	if !second.PaidAmount.Equal(*first.PaidAmount) {
		t.Fatalf("paid amount changed from %s to %s", first.PaidAmount, second.PaidAmount)
	}
}

func TestReconciliationFailureKeepsPaymentAndRetries(t *testing.T) {
	f := newFixture(t)
	_, inst, inv := planWithInvoice(t, f)

	f.planRepo.setFail(true)
	res, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{Amount: "300"}, "op-1")
	if err != nil {
		t.Fatalf("payment must succeed when propagation fails: %v", err)
	}
	if res.Invoice.Status != model.InvoicePaid {
		t.Fatalf("invoice status = %s, want paid", res.Invoice.Status)
	}
	if res.Reconciliation.Status != OutcomePending || res.Reconciliation.TaskID == nil || res.Reconciliation.Error == "" {
		t.Fatalf("reconciliation = %+v, want pending with task and error", res.Reconciliation)
	}
	if f.events.count(realtime.EventReconciliationFailed) != 1 {
		t.Fatalf("expected one reconciliation.failed event")
	}

	if got := loadInstallment(t, f, inst.ID); got.Status != model.InstallmentPending {
		t.Fatalf("installment status = %s, want pending until retried", got.Status)
	}
	tasks, total, err := f.reconciler.ListTasks(f.ctx(), model.ReconcilePending, 1, 10)
	if err != nil || total != 1 {
		t.Fatalf("pending tasks = %d, err %v", total, err)
	}
	if tasks[0].Attempts != 1 || tasks[0].LastError == "" {
		t.Fatalf("task = %+v, want one recorded attempt", tasks[0])
	}

	// not due yet
	f.planRepo.setFail(false)
	out, err := f.reconciler.ProcessDue(f.ctx())
	if err != nil || out.Processed != 0 {
		t.Fatalf("process before backoff = %+v, err %v", out, err)
	}

	f.now = f.now.Add(time.Minute)
	out, err = f.reconciler.ProcessDue(f.ctx())
	if err != nil || out.Applied != 1 {
		t.Fatalf("process after backoff = %+v, err %v", out, err)
	}
	got := loadInstallment(t, f, inst.ID)
	if got.Status != model.InstallmentPaid || got.PaidAmount.StringFixed(2) != "300.00" {
		t.Fatalf("installment = %s/%v, want paid/300.00", got.Status, got.PaidAmount)
	}
}

func TestLaterPaymentSupersedesPendingReconciliation(t *testing.T) {
	f := newFixture(t)
	_, inst, inv := planWithInvoice(t, f)

	f.planRepo.setFail(true)
	first, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{Amount: "100"}, "op-1")
	if err != nil || first.Reconciliation.Status != OutcomePending {
		t.Fatalf("first payment = %+v, err %v", first.Reconciliation, err)
	}

	f.planRepo.setFail(false)
	second, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{Amount: "300"}, "op-1")
	if err != nil || second.Reconciliation.Status != OutcomeApplied {
		t.Fatalf("second payment = %+v, err %v", second.Reconciliation, err)
	}

	f.now = f.now.Add(2 * time.Hour)
	out, err := f.reconciler.ProcessDue(f.ctx())
	if err != nil || out.Processed != 0 {
		t.Fatalf("process = %+v, err %v, want nothing due", out, err)
	}

	got := loadInstallment(t, f, inst.ID)
	if got.PaidAmount == nil || got.PaidAmount.StringFixed(2) != "300.00" {
		t.Fatalf("installment paid amount = %v, want 300.00", got.PaidAmount)
	}
	if _, pending, _ := f.reconciler.ListTasks(f.ctx(), model.ReconcilePending, 1, 10); pending != 0 {
		t.Fatalf("pending tasks = %d, want 0", pending)
	}
	if _, err := f.reconciler.Retry(f.ctx(), *first.Reconciliation.TaskID); !apperr.IsConflict(err) {
		t.Fatalf("retrying a superseded task: err = %v, want conflict", err)
	}
}

func TestReconciliationGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	_, _, inv := planWithInvoice(t, f)

	f.planRepo.setFail(true)
	res, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(2 * time.Hour)
		if _, err := f.reconciler.ProcessDue(f.ctx()); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	failed, total, _ := f.reconciler.ListTasks(f.ctx(), model.ReconcileFailed, 1, 10)
	if total != 1 || failed[0].Attempts != 3 {
		t.Fatalf("failed tasks = %+v, want one task with 3 attempts", failed)
	}

	f.planRepo.setFail(false)
	out, err := f.reconciler.Retry(f.ctx(), *res.Reconciliation.TaskID)
	if err != nil || out.Status != OutcomeApplied {
		t.Fatalf("manual retry = %+v, err %v", out, err)
	}
	if _, err := f.reconciler.Retry(f.ctx(), *res.Reconciliation.TaskID); !apperr.IsConflict(err) {
		t.Fatalf("retrying a done task: err = %v, want conflict", err)
	}
}

func TestInstallmentLinkRequiresSameClient(t *testing.T) {
	f := newFixture(t)
	_, inst, _ := planWithInvoice(t, f)
	other := f.createClient("Dani", "+34 600 300 400", "")

	_, err := f.invoices.CreateClientInvoice(f.ctx(), other.ID, CreateInvoiceRequest{
		Items:         simpleItems("300"),
		InstallmentID: inst.ID,
	}, "op-1")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestInstallmentCannotBeLinkedTwice(t *testing.T) {
	f := newFixture(t)
	c, inst, _ := planWithInvoice(t, f)

	_, err := f.invoices.CreateClientInvoice(f.ctx(), c.ID, CreateInvoiceRequest{
		Items:         simpleItems("300"),
		InstallmentID: inst.ID,
	}, "op-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	if got := backoff(1); got != 30*time.Second {
		t.Fatalf("backoff(1) = %s", got)
	}
	if got := backoff(3); got != 2*time.Minute {
		t.Fatalf("backoff(3) = %s", got)
	}
	if got := backoff(20); got != time.Hour {
		t.Fatalf("backoff(20) = %s", got)
	}
}

package service

import (
	"strings"
	"sync"
	"testing"

	"crm/internal/apperr"
	"crm/internal/model"
	"crm/internal/pipeline"
	"crm/internal/realtime"
)

func TestFirstOrderWinsProposal(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Eva", "+34 611 000 001", pipeline.ProposalSent)

	res, err := f.clients.CreateOrder(f.ctx(), c.ID, CreateOrderRequest{
		Description: "Online shop",
		Lines: []OrderLineRequest{
			{Description: "Build", Quantity: "1", UnitPrice: "1500"},
			{Description: "Training", Quantity: "2", UnitPrice: "100"},
		},
	}, "op-1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !res.Transitioned || res.ClientStatus != pipeline.Won {
		t.Fatalf("order result = %+v, want transition to won", res)
	}
	if res.Order.OrderNumber != "ORD-2025-0001" || res.Order.Amount != "1700.00" {
		t.Fatalf("order = %s/%s, want ORD-2025-0001/1700.00", res.Order.OrderNumber, res.Order.Amount)
	}

	detail, err := f.clients.GetClient(f.ctx(), c.ID)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if detail.Status != pipeline.Won {
		t.Fatalf("stored status = %s, want won", detail.Status)
	}
	if len(detail.Interactions) != 1 {
		t.Fatalf("interactions = %d, want 1 transition note", len(detail.Interactions))
	}
	note := detail.Interactions[0]
	if note.Type != model.InteractionNote || note.Direction != model.DirectionOutbound || !strings.Contains(note.Content, "proposal_sent to won") {
		t.Fatalf("note = %+v", note)
	}
	if f.events.count(realtime.EventClientStatusChanged) != 1 {
		t.Fatalf("expected one status change event")
	}

	second, err := f.clients.CreateOrder(f.ctx(), c.ID, CreateOrderRequest{Amount: "200"}, "op-1")
	if err != nil {
		t.Fatalf("second order: %v", err)
	}
	if second.Transitioned || second.ClientStatus != pipeline.Won {
		t.Fatalf("second order result = %+v, want no transition", second)
	}
	if second.Order.OrderNumber != "ORD-2025-0002" {
		t.Fatalf("second order number = %s", second.Order.OrderNumber)
	}
}

func TestConcurrentFirstOrdersTransitionOnce(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Gala", "+34 611 000 009", pipeline.Negotiation)

	const orders = 4
	var wg sync.WaitGroup
	results := make([]CreateOrderResponse, orders)
	errs := make([]error, orders)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.clients.CreateOrder(f.ctx(), c.ID, CreateOrderRequest{Amount: "100"}, "op-1")
		}(i)
	}
	wg.Wait()

	transitioned := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("order %d: %v", i, errs[i])
		}
		if results[i].Transitioned {
			transitioned++
		}
	}
	if transitioned != 1 {
		t.Fatalf("transitions = %d, want exactly 1", transitioned)
	}
	var notes int64
	f.db.Model(&model.Interaction{}).Where("client_id = ? AND type = ?", c.ID, model.InteractionNote).Count(&notes)
	if notes != 1 {
		t.Fatalf("status notes = %d, want 1", notes)
	}
}

func TestFirstOrderOutsideProposalKeepsStatus(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Fer", "+34 611 000 002", pipeline.Contacted)

	res, err := f.clients.CreateOrder(f.ctx(), c.ID, CreateOrderRequest{Amount: "50"}, "op-1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.Transitioned || res.ClientStatus != pipeline.Contacted {
		t.Fatalf("result = %+v, want contacted unchanged", res)
	}
}

func TestCreateOrderRequiresAmountOrLines(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Gus", "", "")

	_, err := f.clients.CreateOrder(f.ctx(), c.ID, CreateOrderRequest{Description: "empty"}, "op-1")
	if apperr.FieldOf(err) != "amount" {
		t.Fatalf("err = %v, want validation on amount", err)
	}
}

func TestAssessmentTrigger(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Hugo", "+34 611 000 003", pipeline.Lead)
	answers := AssessmentRequest{Answers: map[string]any{"budget": "5000", "timeline": "Q3"}}

	got, err := f.clients.FillAssessment(f.ctx(), c.ID, answers, "op-1")
	if err != nil {
		t.Fatalf("fill assessment: %v", err)
	}
	if got.Status != pipeline.AssessmentCompleted || got.AssessmentCompletedAt == nil {
		t.Fatalf("client = %+v, want assessment_completed", got)
	}

	again, err := f.clients.FillAssessment(f.ctx(), c.ID, answers, "op-1")
	if err != nil {
		t.Fatalf("second fill must succeed: %v", err)
	}
	if again.Status != pipeline.AssessmentCompleted {
		t.Fatalf("status after second fill = %s", again.Status)
	}

	detail, _ := f.clients.GetClient(f.ctx(), c.ID)
	if len(detail.Interactions) != 1 {
		t.Fatalf("interactions = %d, want a single transition note", len(detail.Interactions))
	}
	if !strings.Contains(string(detail.Assessment), "timeline") {
		t.Fatalf("assessment = %s", detail.Assessment)
	}
}

func TestAssessmentNeverMovesClientBackward(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Ines", "+34 611 000 004", pipeline.Negotiation)

	got, err := f.clients.FillAssessment(f.ctx(), c.ID, AssessmentRequest{Answers: map[string]any{"q": "a"}}, "op-1")
	if err != nil {
		t.Fatalf("fill assessment: %v", err)
	}
	if got.Status != pipeline.Negotiation {
		t.Fatalf("status = %s, want negotiation", got.Status)
	}
}

func TestOverrideStatusIsAudited(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Juan", "+34 611 000 005", pipeline.Won)

	got, err := f.clients.OverrideStatus(f.ctx(), c.ID, StatusOverrideRequest{Status: pipeline.Lost, Reason: "went silent"}, "op-7")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if got.Status != pipeline.Lost {
		t.Fatalf("status = %s, want lost", got.Status)
	}

	var entry model.AuditLog
	if err := f.db.Where("action = ?", model.ActionOverrideClientStatus).First(&entry).Error; err != nil {
		t.Fatalf("audit entry: %v", err)
	}
	if entry.ActorID != "op-7" || entry.EntityID != c.ID {
		t.Fatalf("audit entry = %+v", entry)
	}

	if _, err := f.clients.OverrideStatus(f.ctx(), c.ID, StatusOverrideRequest{Status: "archived"}, "op-7"); apperr.FieldOf(err) != "status" {
		t.Fatalf("unknown status: err = %v", err)
	}
}

func TestDuplicatePhoneIsConflict(t *testing.T) {
	f := newFixture(t)
	f.createClient("Kim", "+34 611 000 006", "")

	_, err := f.clients.CreateClient(f.ctx(), CreateClientRequest{Name: "Kim again", Phone: "34611000006"}, "op-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestShortPhoneIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.clients.CreateClient(f.ctx(), CreateClientRequest{Name: "Lia", Phone: "12-34"}, "op-1")
	if apperr.FieldOf(err) != "phone" {
		t.Fatalf("err = %v, want validation on phone", err)
	}
}

func TestDeleteClientWithInvoicesIsConflict(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Mar", "+34 611 000 007", "")
	if _, err := f.invoices.CreateClientInvoice(f.ctx(), c.ID, CreateInvoiceRequest{Items: simpleItems("10")}, "op-1"); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if err := f.clients.DeleteClient(f.ctx(), c.ID, "op-1"); !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestDeleteClientReleasesPhone(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Nil", "+34 611 000 008", "")
	if err := f.clients.DeleteClient(f.ctx(), c.ID, "op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.clients.GetClient(f.ctx(), c.ID); !apperr.IsNotFound(err) {
		t.Fatalf("get deleted: err = %v, want not found", err)
	}
	f.createClient("Nil reborn", "+34 611 000 008", "")
}

func TestPaymentPlanWithPaidInstallmentCannotBeReplaced(t *testing.T) {
	f := newFixture(t)
	c, _, inv := planWithInvoice(t, f)
	if _, err := f.invoices.MarkPaid(f.ctx(), inv.ID, MarkPaidRequest{}, "op-1"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	_, err := f.clients.SetPaymentPlan(f.ctx(), c.ID, PaymentPlanRequest{
		Installments: []InstallmentRequest{{Amount: "600", DueDate: "2025-06-01"}},
	}, "op-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestClientDetailListsInvoiceIDs(t *testing.T) {
	f := newFixture(t)
	c, _, inv := planWithInvoice(t, f)

	detail, err := f.clients.GetClient(f.ctx(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.InvoiceIDs) != 1 || detail.InvoiceIDs[0] != inv.ID {
		t.Fatalf("invoice ids = %v, want [%s]", detail.InvoiceIDs, inv.ID)
	}
	if detail.PaymentPlan == nil || len(detail.PaymentPlan.Installments) != 2 {
		t.Fatalf("payment plan = %+v", detail.PaymentPlan)
	}
	if detail.PaymentPlan.Installments[0].InvoiceID == nil || *detail.PaymentPlan.Installments[0].InvoiceID != inv.ID {
		t.Fatalf("installment link missing")
	}
}

func TestListClientsByView(t *testing.T) {
	f := newFixture(t)
	f.createClient("Lead one", "", pipeline.Lead)
	f.createClient("Lead two", "", pipeline.Contacted)
	f.createClient("Client one", "", pipeline.ActiveClient)

	leads, total, err := f.clients.ListClients(f.ctx(), ClientFilter{View: pipeline.ViewLeads})
	if err != nil || total != 2 || len(leads) != 2 {
		t.Fatalf("leads = %d (total %d), err %v", len(leads), total, err)
	}
	clients, total, err := f.clients.ListClients(f.ctx(), ClientFilter{View: pipeline.ViewClients})
	if err != nil || total != 1 || clients[0].Name != "Client one" {
		t.Fatalf("clients = %+v (total %d), err %v", clients, total, err)
	}
	none, total, err := f.clients.ListClients(f.ctx(), ClientFilter{View: pipeline.ViewClients, Statuses: []string{pipeline.Lead}})
	if err != nil || total != 0 || len(none) != 0 {
		t.Fatalf("disjoint view/status = %d, err %v", total, err)
	}
}

func TestTagsAndTasks(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Olga", "", "")

	tagged, err := f.clients.ReplaceTags(f.ctx(), c.ID, TagsRequest{Tags: []string{"VIP", " vip ", "retail"}})
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if len(tagged.Tags) != 2 {
		t.Fatalf("tags = %v, want 2 unique", tagged.Tags)
	}

	task, err := f.clients.AddTask(f.ctx(), c.ID, CreateTaskRequest{Title: "Call back", DueDate: "2025-03-12"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if task.Priority != model.PriorityMedium || task.Status != model.TaskPending {
		t.Fatalf("task = %+v", task)
	}
	done := model.TaskCompleted
	updated, err := f.clients.UpdateTask(f.ctx(), c.ID, task.ID, UpdateTaskRequest{Status: &done})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.CompletedDate == nil {
		t.Fatalf("completed task has no completed date")
	}
}

func TestInboundMessageCreatesLeadOnce(t *testing.T) {
	f := newFixture(t)

	first, err := f.clients.HandleInboundMessage(f.ctx(), InboundMessage{From: "whatsapp:+34622000001", ProfileName: "Pau", Body: "Hola"})
	if err != nil {
		t.Fatalf("first inbound: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected a new lead")
	}
	second, err := f.clients.HandleInboundMessage(f.ctx(), InboundMessage{From: "whatsapp:+34622000001", Body: "Any news?"})
	if err != nil {
		t.Fatalf("second inbound: %v", err)
	}
	if second.Created || second.ClientID != first.ClientID {
		t.Fatalf("second = %+v, want existing client %s", second, first.ClientID)
	}

	detail, _ := f.clients.GetClient(f.ctx(), first.ClientID)
	if detail.Status != pipeline.NewLead || detail.LeadSource != model.LeadSourceWhatsApp {
		t.Fatalf("lead = %s/%s", detail.Status, detail.LeadSource)
	}
	if len(detail.Interactions) != 2 || detail.Interactions[1].Direction != model.DirectionInbound {
		t.Fatalf("interactions = %+v", detail.Interactions)
	}
}

func TestInboundMessageMatchesEitherNumber(t *testing.T) {
	f := newFixture(t)
	c, err := f.clients.CreateClient(f.ctx(), CreateClientRequest{
		Name:          "Rosa",
		Phone:         "+34 611 222 333",
		WhatsAppPhone: "+34 699 888 777",
	}, "op-1")
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	for _, from := range []string{"whatsapp:+34699888777", "whatsapp:+34611222333"} {
		res, err := f.clients.HandleInboundMessage(f.ctx(), InboundMessage{From: from, Body: "Hola"})
		if err != nil {
			t.Fatalf("inbound from %s: %v", from, err)
		}
		if res.Created || res.ClientID != c.ID {
			t.Fatalf("inbound from %s = %+v, want existing client %s", from, res, c.ID)
		}
	}

	var count int64
	f.db.Model(&model.Client{}).Count(&count)
	if count != 1 {
		t.Fatalf("clients = %d, want 1", count)
	}
}

func TestPhoneUniqueAcrossBothNumbers(t *testing.T) {
	f := newFixture(t)
	if _, err := f.clients.CreateClient(f.ctx(), CreateClientRequest{
		Name:          "Rosa",
		Phone:         "+34 611 222 333",
		WhatsAppPhone: "+34 699 888 777",
	}, "op-1"); err != nil {
		t.Fatalf("create client: %v", err)
	}

	_, err := f.clients.CreateClient(f.ctx(), CreateClientRequest{Name: "Dup", WhatsAppPhone: "+34611222333"}, "op-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict on the other client's phone", err)
	}
	_, err = f.clients.CreateClient(f.ctx(), CreateClientRequest{Name: "Bad", Phone: "12-34", WhatsAppPhone: "+34 600 000 111"}, "op-1")
	if apperr.FieldOf(err) != "phone" {
		t.Fatalf("err = %v, want validation on phone", err)
	}
}

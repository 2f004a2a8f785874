package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"crm/internal/apperr"
	"crm/internal/model"
	"crm/internal/pipeline"
	"crm/internal/realtime"
)

func TestSendBulkCountsEveryRecipient(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 1; i <= 5; i++ {
		c := f.createClient(fmt.Sprintf("Client %d", i), fmt.Sprintf("+34 655 000 00%d", i), pipeline.ActiveClient)
		ids = append(ids, c.ID)
	}
	noPhone := f.createClient("No phone", "", pipeline.ActiveClient)
	ids = append(ids, noPhone.ID)
	// rows written outside the service can hold malformed numbers
	malformed := model.Client{Name: "Malformed", Phone: "12-34", Status: pipeline.ActiveClient}
	if err := f.db.Create(&malformed).Error; err != nil {
		t.Fatalf("seed malformed client: %v", err)
	}
	ids = append(ids, malformed.ID.String())
	f.channel.failFor["34655000003"] = true

	res, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{
		Message: "Hi {name}, our office is closed on Friday",
		Filter:  DispatchFilterRequest{ClientIDs: ids},
	}, "op-1")
	if err != nil {
		t.Fatalf("send bulk: %v", err)
	}
	if res.Total != 5 {
		t.Fatalf("total = %d, want 5 valid recipients", res.Total)
	}
	if res.Sent != 4 || res.Failed != 1 || res.Sent+res.Failed != res.Total {
		t.Fatalf("sent/failed = %d/%d", res.Sent, res.Failed)
	}
	if len(res.Errors) != 1 || res.Errors[0].Name != "Client 3" {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.FinishedAt == nil {
		t.Fatalf("dispatch has no finish time")
	}

	msgs := f.channel.messages()
	if len(msgs) != 4 || msgs[0].Text != "Hi Client 1, our office is closed on Friday" {
		t.Fatalf("messages = %+v", msgs)
	}
	if f.events.count(realtime.EventDispatchProgress) != 5 || f.events.count(realtime.EventDispatchCompleted) != 1 {
		t.Fatalf("unexpected progress events")
	}

	var logged int64
	f.db.Model(&model.Interaction{}).Where("type = ? AND direction = ?", model.InteractionWhatsApp, model.DirectionOutbound).Count(&logged)
	if logged != 4 {
		t.Fatalf("logged interactions = %d, want 4", logged)
	}

	stored, total, err := f.dispatcher.ListDispatches(f.ctx(), 1, 10)
	if err != nil || total != 1 {
		t.Fatalf("stored dispatches = %d, err %v", total, err)
	}
	if stored[0].Sent != 4 || stored[0].Failed != 1 {
		t.Fatalf("stored result = %+v", stored[0])
	}
}

func TestSendBulkPacesSends(t *testing.T) {
	f := newFixture(t)
	const delay = 20 * time.Millisecond
	f.dispatcher.delay = delay
	for i := 1; i <= 3; i++ {
		f.createClient(fmt.Sprintf("Paced %d", i), fmt.Sprintf("+34 677 000 00%d", i), pipeline.ActiveClient)
	}

	start := time.Now()
	res, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{
		Message: "Hello {name}",
		Filter:  DispatchFilterRequest{View: pipeline.ViewClients},
	}, "op-1")
	if err != nil {
		t.Fatalf("send bulk: %v", err)
	}
	elapsed := time.Since(start)
	if res.Sent != 3 {
		t.Fatalf("sent = %d, want 3", res.Sent)
	}
	if elapsed < 2*delay {
		t.Fatalf("3 sends took %s, want at least %s", elapsed, 2*delay)
	}
	msgs := f.channel.messages()
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].At.After(msgs[i-1].At) {
			t.Fatalf("send %d at %s not after send %d at %s", i, msgs[i].At, i-1, msgs[i-1].At)
		}
	}
}

func TestSendBulkWithoutValidRecipients(t *testing.T) {
	f := newFixture(t)
	f.createClient("Silent", "", pipeline.Lead)

	_, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{
		Message: "Hello",
		Filter:  DispatchFilterRequest{View: pipeline.ViewLeads},
	}, "op-1")
	if !errors.Is(err, apperr.ErrNoRecipients) {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}
	if len(f.channel.messages()) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestSendBulkCapsErrorList(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.createClient(fmt.Sprintf("Lead %02d", i), fmt.Sprintf("+34 677 100 %03d", i), pipeline.Lead)
	}
	f.channel.failAll = true

	res, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{
		Message: "Hello",
		Filter:  DispatchFilterRequest{Statuses: []string{pipeline.Lead}},
	}, "op-1")
	if err != nil {
		t.Fatalf("send bulk: %v", err)
	}
	if res.Total != 25 || res.Failed != 25 || res.Sent != 0 {
		t.Fatalf("result = %d/%d/%d", res.Total, res.Sent, res.Failed)
	}
	if len(res.Errors) != maxDispatchErrors {
		t.Fatalf("errors = %d, want %d", len(res.Errors), maxDispatchErrors)
	}
}

func TestSendBulkRequiresFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{Message: "Hello"}, "op-1")
	if apperr.FieldOf(err) != "filter" {
		t.Fatalf("err = %v, want validation on filter", err)
	}
}

func TestSendBulkTemplateAddsName(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Quim", "+34 688 000 111", pipeline.Won)

	res, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{
		Message:  "fallback",
		Template: "invoice_ready",
		Filter:   DispatchFilterRequest{ClientIDs: []string{c.ID}},
	}, "op-1")
	if err != nil || res.Sent != 1 {
		t.Fatalf("send bulk = %+v, err %v", res, err)
	}
	msgs := f.channel.messages()
	if len(msgs) != 1 || !strings.HasSuffix(msgs[0].Text, ":Quim") {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSendBulkNeedsMessageOrTemplate(t *testing.T) {
	f := newFixture(t)
	c := f.createClient("Quim", "+34 688 000 111", pipeline.Won)
	filter := DispatchFilterRequest{ClientIDs: []string{c.ID}}

	if _, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{Filter: filter}, "op-1"); apperr.FieldOf(err) != "message" {
		t.Fatalf("err = %v, want validation on message", err)
	}
	res, err := f.dispatcher.SendBulk(f.ctx(), SendBulkRequest{Template: "invoice_ready", Filter: filter}, "op-1")
	if err != nil || res.Sent != 1 {
		t.Fatalf("template only = %+v, err %v", res, err)
	}
}

func TestChannelStatusUnavailable(t *testing.T) {
	f := newFixture(t)
	f.channel.statusOK = false
	if _, err := f.dispatcher.ChannelStatus(f.ctx()); apperr.KindOf(err) != apperr.KindUnavailable {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

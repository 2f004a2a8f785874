package pipeline

import "testing"

func TestApplyFirstOrder(t *testing.T) {
	cases := []struct {
		name        string
		current     string
		priorOrders int64
		want        string
		changed     bool
	}{
		{"proposal sent wins", ProposalSent, 0, Won, true},
		{"negotiation wins", Negotiation, 0, Won, true},
		{"already won stays", Won, 1, "", false},
		{"won with no prior orders stays", Won, 0, "", false},
		{"second order in negotiation stays", Negotiation, 2, "", false},
		{"lead not eligible", Lead, 0, "", false},
		{"lost is terminal", Lost, 0, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, changed := Apply(tc.current, TriggerFirstOrder, tc.priorOrders)
			if changed != tc.changed {
				t.Fatalf("changed = %v, want %v", changed, tc.changed)
			}
			if changed && tr.To != tc.want {
				t.Errorf("to = %q, want %q", tr.To, tc.want)
			}
		})
	}
}

func TestApplyAssessment(t *testing.T) {
	for _, from := range []string{NewLead, Lead, Contacted} {
		tr, changed := Apply(from, TriggerAssessmentCompleted, 0)
		if !changed || tr.To != AssessmentCompleted {
			t.Errorf("from %s: got (%v, %v), want assessment_completed", from, tr.To, changed)
		}
	}
	for _, from := range []string{AssessmentScheduled, AssessmentCompleted, ProposalSent, Won, Completed, Lost} {
		if _, changed := Apply(from, TriggerAssessmentCompleted, 0); changed {
			t.Errorf("from %s: unexpected transition", from)
		}
	}
}

func TestRankIsMonotoneAlongStages(t *testing.T) {
	prev := -1
	for _, s := range Stages {
		if s == Lost {
			continue
		}
		if Rank(s) < prev {
			t.Fatalf("rank of %s (%d) below previous %d", s, Rank(s), prev)
		}
		prev = Rank(s)
	}
	if Valid("archived") {
		t.Error("unknown stage reported valid")
	}
}

func TestViewStages(t *testing.T) {
	leads, err := ViewStages(ViewLeads)
	if err != nil || len(leads) == 0 {
		t.Fatalf("leads view: %v %v", leads, err)
	}
	all, err := ViewStages(ViewAll)
	if err != nil || all != nil {
		t.Fatalf("all view should be unrestricted, got %v %v", all, err)
	}
	if _, err := ViewStages("vip"); err == nil {
		t.Fatal("expected error for unknown view")
	}
}

func TestSummaryMentionsStages(t *testing.T) {
	tr, _ := Apply(ProposalSent, TriggerFirstOrder, 0)
	if got := tr.Summary(); got != "First order placed: status changed from proposal_sent to won" {
		t.Errorf("summary = %q", got)
	}
}

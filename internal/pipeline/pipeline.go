// Package pipeline holds the client lifecycle stages and the forward-only
// transitions that business events trigger.
package pipeline

import "fmt"

// Stage names, in pipeline order.
const (
	NewLead             = "new_lead"
	Lead                = "lead"
	Contacted           = "contacted"
	AssessmentScheduled = "assessment_scheduled"
	AssessmentCompleted = "assessment_completed"
	ProposalSent        = "proposal_sent"
	Negotiation         = "negotiation"
	Won                 = "won"
	ActiveClient        = "active_client"
	InDevelopment       = "in_development"
	Completed           = "completed"
	Lost                = "lost"
)

// rank orders the stages. new_lead is the webhook-originated variant of lead
// and shares its rank. lost has no rank of its own; it is terminal.
var rank = map[string]int{
	NewLead:             0,
	Lead:                0,
	Contacted:           1,
	AssessmentScheduled: 2,
	AssessmentCompleted: 3,
	ProposalSent:        4,
	Negotiation:         5,
	Won:                 6,
	ActiveClient:        7,
	InDevelopment:       8,
	Completed:           9,
	Lost:                -1,
}

// Stages lists every stage in order.
var Stages = []string{
	NewLead, Lead, Contacted, AssessmentScheduled, AssessmentCompleted,
	ProposalSent, Negotiation, Won, ActiveClient, InDevelopment, Completed, Lost,
}

func Valid(stage string) bool {
	_, ok := rank[stage]
	return ok
}

// Rank returns the position of a stage, or -1 for lost and unknown stages.
func Rank(stage string) int {
	r, ok := rank[stage]
	if !ok {
		return -1
	}
	return r
}

func IsTerminal(stage string) bool {
	return stage == Lost || stage == Completed
}

// Trigger is a business event that may advance a client.
type Trigger string

const (
	TriggerAssessmentCompleted Trigger = "assessment_completed"
	TriggerFirstOrder          Trigger = "first_order"
)

type rule struct {
	from []string
	to   string
}

var rules = map[Trigger]rule{
	TriggerAssessmentCompleted: {from: []string{NewLead, Lead, Contacted}, to: AssessmentCompleted},
	TriggerFirstOrder:          {from: []string{ProposalSent, Negotiation}, to: Won},
}

// Transition is the result of applying a trigger.
type Transition struct {
	From    string
	To      string
	Trigger Trigger
}

// Apply returns the stage a client moves to when trigger fires. changed is false
// when the client is outside the trigger's source set, so a repeated event never
// moves a client backward. priorOrders is only consulted for TriggerFirstOrder.
func Apply(current string, trigger Trigger, priorOrders int64) (Transition, bool) {
	r, ok := rules[trigger]
	if !ok || IsTerminal(current) {
		return Transition{}, false
	}
	if trigger == TriggerFirstOrder && priorOrders > 0 {
		return Transition{}, false
	}
	for _, from := range r.from {
		if from == current && Rank(r.to) > Rank(current) {
			return Transition{From: current, To: r.to, Trigger: trigger}, true
		}
	}
	return Transition{}, false
}

// Summary is the note text appended to the client's interactions for a transition.
func (t Transition) Summary() string {
	switch t.Trigger {
	case TriggerAssessmentCompleted:
		return fmt.Sprintf("Assessment completed: status changed from %s to %s", t.From, t.To)
	case TriggerFirstOrder:
		return fmt.Sprintf("First order placed: status changed from %s to %s", t.From, t.To)
	default:
		return fmt.Sprintf("Status changed from %s to %s", t.From, t.To)
	}
}

// Views
const (
	ViewLeads   = "leads"
	ViewClients = "clients"
	ViewAll     = "all"
)

// ViewStages returns the stages that make up a dashboard or dispatch view. nil means every stage.
func ViewStages(view string) ([]string, error) {
	switch view {
	case ViewLeads:
		return []string{NewLead, Lead, Contacted, AssessmentScheduled, AssessmentCompleted, ProposalSent, Negotiation}, nil
	case ViewClients:
		return []string{Won, ActiveClient, InDevelopment, Completed}, nil
	case ViewAll, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown view %q", view)
	}
}

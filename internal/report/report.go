package report

import (
	"schedline/internal/engine"
	"schedline/internal/policy"
)

type EventType string

const (
	ProcessReady     EventType = "PROCESS_READY"
	ProcessScheduled EventType = "PROCESS_SCHEDULED"
	ProcessFinished  EventType = "PROCESS_FINISHED"
	ProcessBlocked   EventType = "PROCESS_BLOCKED"
	Preempted        EventType = "PREEMPTED"
	IOReceived       EventType = "IO_RECEIVED"
	Paging           EventType = "PAGING"
	End              EventType = "END"
)

var classes = map[string]EventType{
	policy.RuleMakeReady:       ProcessReady,
	policy.RuleSchedule:        ProcessScheduled,
	policy.RuleFinish:          ProcessFinished,
	policy.RuleBlockIO:         ProcessBlocked,
	policy.RulePreempt:         Preempted,
	policy.RuleHandleIO:        IOReceived,
	policy.RuleHandlePageFault: Paging,
	policy.RuleStopSystem:      End,
}

// Classify maps a rule name onto the outcome vocabulary.
func Classify(rule string) (EventType, bool) {
	t, ok := classes[rule]
	return t, ok
}

type Event struct {
	ProcessID *int      `json:"processId"`
	Type      EventType `json:"eventType" enum:"PROCESS_READY,PROCESS_SCHEDULED,PROCESS_FINISHED,PROCESS_BLOCKED,PREEMPTED,IO_RECEIVED,PAGING,END"`
	Rule      string    `json:"rule"`
	Seq       int       `json:"seq"`
}

type EventList struct {
	Events     []Event `json:"events"`
	RulesFired int     `json:"rulesFired"`
}

// Build classifies a trace. Rules outside the vocabulary only count toward
// RulesFired.
func Build(trace []engine.Firing) EventList {
	out := EventList{Events: []Event{}, RulesFired: len(trace)}
	for _, f := range trace {
		t, ok := Classify(f.Rule)
		if !ok {
			continue
		}
		out.Events = append(out.Events, Event{ProcessID: processOf(f), Type: t, Rule: f.Rule, Seq: f.Seq})
	}
	return out
}

// processOf takes the first Process the firing bound, falling back to the
// first Process it changed.
func processOf(f engine.Firing) *int {
	if t, _ := Classify(f.Rule); t == End {
		return nil
	}
	for _, b := range f.Bound {
		if b.ProcessID != nil {
			id := *b.ProcessID
			return &id
		}
	}
	for _, c := range f.Changes {
		if c.ProcessID != nil {
			id := *c.ProcessID
			return &id
		}
	}
	return nil
}

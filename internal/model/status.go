package model

// Status is the lifecycle position of a work item.
type Status string

const (
	StatusUnclaimed    Status = "Unclaimed"
	StatusClaimed      Status = "Claimed"
	StatusInProgress   Status = "InProgress"
	StatusReadyForQc   Status = "ReadyForQc"
	StatusQcInProgress Status = "QcInProgress"
	StatusQcPassed     Status = "QcPassed"
	StatusQcFailed     Status = "QcFailed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusQcPassed
}

// EventType names a recorded lifecycle fact.
type EventType string

const (
	EventRegistered    EventType = "Registered"
	EventClaimed       EventType = "Claimed"
	EventStarted       EventType = "Started"
	EventReadyForQc    EventType = "ReadyForQc"
	EventQcStarted     EventType = "QcStarted"
	EventQcPassed      EventType = "QcPassed"
	EventQcFailed      EventType = "QcFailed"
	EventReworkStarted EventType = "ReworkStarted"
)

// EventTypes lists every known event type in lifecycle order.
func EventTypes() []EventType {
	return []EventType{
		EventRegistered,
		EventClaimed,
		EventStarted,
		EventReadyForQc,
		EventQcStarted,
		EventQcPassed,
		EventQcFailed,
		EventReworkStarted,
	}
}

// Known reports whether t is one of EventTypes.
func (t EventType) Known() bool {
	for _, k := range EventTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// IsQcOutcome reports whether the event records a QC verdict.
func (t EventType) IsQcOutcome() bool {
	return t == EventQcPassed || t == EventQcFailed
}

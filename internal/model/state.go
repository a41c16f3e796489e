package model

import "time"

// Anomaly flags a history problem found while folding events. The work item
// is kept at its last valid state and surfaced for manual review.
type Anomaly struct {
	Seq     int64     `json:"seq"`
	EventID string    `json:"event_id"`
	Type    EventType `json:"type"`
	Detail  string    `json:"detail"`
}

// WorkItemState is the projection of a work item's event history. It is
// never persisted as authoritative data.
type WorkItemState struct {
	Code            string    `json:"code"`
	Status          Status    `json:"status"`
	AssigneeID      string    `json:"assignee_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastSeq         int64     `json:"last_seq"`
	LastEventID     string    `json:"last_event_id,omitempty"`
	QcInspectorID   string    `json:"qc_inspector_id,omitempty"`
	ReadyForQcSince time.Time `json:"ready_for_qc_since"`
	QcStartedAt     time.Time `json:"qc_started_at"`
	ReworkCycles    int       `json:"rework_cycles"`
	LastFailReason  string    `json:"last_fail_reason,omitempty"`
	Anomalies       []Anomaly `json:"anomalies,omitempty"`
}

// NewWorkItemState returns the state of a work item with no history.
func NewWorkItemState(code string) WorkItemState {
	return WorkItemState{Code: code, Status: StatusUnclaimed}
}

// Corrupt reports whether folding stopped on an invalid event.
func (s WorkItemState) Corrupt() bool {
	return len(s.Anomalies) > 0
}

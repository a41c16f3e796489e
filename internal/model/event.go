package model

import "time"

// Origin records where an event was first appended.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// WorkEvent is one immutable lifecycle fact.
//
// EventID is generated on the device and is the idempotency key for remote
// submission. Seq is assigned by the event log at append time and is strictly
// increasing per work item. Voided is a read-side flag: a compensating void
// record excludes the event from projection without altering the row.
type WorkEvent struct {
	EventID      string    `json:"event_id"`
	WorkItemCode string    `json:"work_item_code"`
	Type         EventType `json:"type"`
	ActorID      string    `json:"actor_id"`
	ActorRole    Role      `json:"actor_role"`
	DeviceID     string    `json:"device_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Payload      Payload   `json:"payload"`
	Seq          int64     `json:"seq,omitempty"`
	Origin       Origin    `json:"origin,omitempty"`
	Voided       bool      `json:"voided,omitempty"`
}

// Actor returns the actor that produced the event.
func (e WorkEvent) Actor() Actor {
	return Actor{ID: e.ActorID, Role: e.ActorRole}
}

// Payload is the type-specific body of a WorkEvent. Evidence holds evidence
// ids only; artifacts never travel inside events.
type Payload struct {
	ReasonCode    string     `json:"reason_code,omitempty"`
	Evidence      []string   `json:"evidence,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	Checklist     *Checklist `json:"checklist,omitempty"`
	PolicyVersion string     `json:"policy_version,omitempty"`
}

// ChecklistState is the verdict on one checklist line.
type ChecklistState string

const (
	ChecklistOK    ChecklistState = "ok"
	ChecklistNotOK ChecklistState = "not_ok"
	ChecklistNA    ChecklistState = "na"
)

// ChecklistItem is one inspected point.
type ChecklistItem struct {
	ID    string         `json:"id"`
	State ChecklistState `json:"state"`
}

// Checklist is the inspector's itemised result attached to a QC outcome.
type Checklist struct {
	Items []ChecklistItem `json:"items"`
}

// Totals counts items per state.
func (c *Checklist) Totals() (ok, notOK, na int) {
	if c == nil {
		return 0, 0, 0
	}
	for _, item := range c.Items {
		switch item.State {
		case ChecklistOK:
			ok++
		case ChecklistNotOK:
			notOK++
		case ChecklistNA:
			na++
		}
	}
	return ok, notOK, na
}

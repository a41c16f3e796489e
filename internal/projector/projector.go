// Package projector derives work item state from event history.
//
// Apply is the pure reducer: the same prior state and event always produce
// the same next state. Project folds a history in sequence order, skipping
// voided events. A history that cannot be folded is never fatal: folding
// stops at the last valid state and an anomaly is attached for review.
package projector

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/floorlog/internal/model"
)

// Apply folds one event into prior.
func Apply(prior model.WorkItemState, ev model.WorkEvent) (model.WorkItemState, error) {
	if !ev.Type.Known() {
		return prior, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.WorkItemCode != prior.Code {
		return prior, fmt.Errorf("event belongs to work item %s", ev.WorkItemCode)
	}
	if ev.Seq != 0 && ev.Seq <= prior.LastSeq {
		return prior, fmt.Errorf("seq %d does not follow %d", ev.Seq, prior.LastSeq)
	}
	to, ok := Next(prior.Status, ev.Type)
	if !ok {
		return prior, fmt.Errorf("%s is not valid in status %s", ev.Type, prior.Status)
	}
	if ev.Type == model.EventRegistered && prior.LastEventID != "" {
		return prior, fmt.Errorf("%s must be the first event", ev.Type)
	}

	next := prior
	next.Anomalies = nil
	next.Status = to
	if next.CreatedAt.IsZero() {
		next.CreatedAt = ev.OccurredAt
	}
	next.UpdatedAt = ev.OccurredAt
	if ev.Seq != 0 {
		next.LastSeq = ev.Seq
	}
	next.LastEventID = ev.EventID

	switch ev.Type {
	case model.EventClaimed:
		next.AssigneeID = ev.ActorID
	case model.EventReadyForQc:
		next.ReadyForQcSince = ev.OccurredAt
	case model.EventQcStarted:
		next.QcInspectorID = ev.ActorID
		next.QcStartedAt = ev.OccurredAt
	case model.EventQcFailed:
		next.LastFailReason = ev.Payload.ReasonCode
	case model.EventReworkStarted:
		next.ReworkCycles++
		next.QcInspectorID = ""
		next.QcStartedAt = time.Time{}
		next.ReadyForQcSince = time.Time{}
	}
	return next, nil
}

// Project folds the non-voided events of code in seq order.
func Project(code string, events []model.WorkEvent) model.WorkItemState {
	ordered := make([]model.WorkEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Voided {
			ordered = append(ordered, ev)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	state := model.NewWorkItemState(code)
	for _, ev := range ordered {
		next, err := Apply(state, ev)
		if err != nil {
			state.Anomalies = []model.Anomaly{{
				Seq:     ev.Seq,
				EventID: ev.EventID,
				Type:    ev.Type,
				Detail:  err.Error(),
			}}
			return state
		}
		state = next
	}
	return state
}

// HeadSeq returns the highest seq in events, voided ones included. This is the
// expected head for the next append.
func HeadSeq(events []model.WorkEvent) int64 {
	var head int64
	for _, ev := range events {
		if ev.Seq > head {
			head = ev.Seq
		}
	}
	return head
}

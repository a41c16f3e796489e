// Package remote defines the authoritative server side of synchronization
// and an in-memory authority.
//
// An authority judges each pushed event against its own history of the work
// item. Pushes are idempotent on event id: an id the authority already holds
// is accepted again without change when the content matches and rejected
// when it does not.
package remote

import (
	"context"
	"fmt"

	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/projector"
)

// Verdict is an authority's answer for one pushed event.
type Verdict string

const (
	// VerdictAccepted: the event is part of authoritative history.
	VerdictAccepted Verdict = "accepted"
	// VerdictConflicted: the event's preconditions do not hold against
	// authoritative history. The device rebases.
	VerdictConflicted Verdict = "conflicted"
	// VerdictRejected: the event is malformed and will never be accepted.
	VerdictRejected Verdict = "rejected"
)

// PushResult is the verdict for one event of a batch.
type PushResult struct {
	EventID string  `json:"event_id"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// Authority is the remote side of the sync protocol.
//
// PushEvents returns one result per event, in batch order. A non-nil error
// means the batch was not judged at all (network failure, timeout) and the
// caller retries it later.
type Authority interface {
	PushEvents(ctx context.Context, batch []model.WorkEvent) ([]PushResult, error)
	History(ctx context.Context, code string) ([]model.WorkEvent, error)
}

// PayloadValidator checks payload shape per event type.
type PayloadValidator interface {
	Validate(t model.EventType, p model.Payload) error
}

// Judge decides whether ev may extend history, the authoritative events of
// its work item in seq order. It does not handle idempotency; callers check
// for a known event id first.
//
// Evidence policy is not re-run: artifacts stay on the device, so the
// authority trusts the policy version recorded in the payload.
func Judge(history []model.WorkEvent, ev model.WorkEvent, payloads PayloadValidator) PushResult {
	reject := func(format string, args ...any) PushResult {
		return PushResult{EventID: ev.EventID, Verdict: VerdictRejected, Reason: fmt.Sprintf(format, args...)}
	}

	if ev.EventID == "" {
		return reject("event id is required")
	}
	code, err := model.NormalizeCode(ev.WorkItemCode)
	if err != nil || code != ev.WorkItemCode {
		return reject("invalid work item code %q", ev.WorkItemCode)
	}
	if !ev.Type.Known() {
		return reject("unknown event type %q", ev.Type)
	}
	if ev.OccurredAt.IsZero() {
		return reject("occurred_at is required")
	}
	if payloads != nil {
		if err := payloads.Validate(ev.Type, ev.Payload); err != nil {
			return reject("%v", err)
		}
	}

	state := projector.Project(code, history)
	if state.Corrupt() {
		return PushResult{EventID: ev.EventID, Verdict: VerdictConflicted, Reason: "authoritative history is corrupt"}
	}
	err = lifecycle.Authorize(state, ev.Actor(), ev.Type)
	switch {
	case err == nil:
		return PushResult{EventID: ev.EventID, Verdict: VerdictAccepted}
	case model.IsInvalidTransition(err), model.IsUnauthorized(err):
		return PushResult{EventID: ev.EventID, Verdict: VerdictConflicted, Reason: err.Error()}
	default:
		return reject("%v", err)
	}
}

// PushInOrder judges batch one event at a time with push. Once an event of a
// work item is not accepted, the later events of that item in the batch are
// conflicted without being judged, since they depend on it.
func PushInOrder(batch []model.WorkEvent, push func(model.WorkEvent) (PushResult, error)) ([]PushResult, error) {
	results := make([]PushResult, 0, len(batch))
	stopped := make(map[string]string)
	for _, ev := range batch {
		if pred, ok := stopped[ev.WorkItemCode]; ok {
			results = append(results, PushResult{
				EventID: ev.EventID,
				Verdict: VerdictConflicted,
				Reason:  fmt.Sprintf("predecessor %s not accepted", pred),
			})
			continue
		}
		res, err := push(ev)
		if err != nil {
			return nil, err
		}
		if res.Verdict != VerdictAccepted {
			stopped[ev.WorkItemCode] = ev.EventID
		}
		results = append(results, res)
	}
	return results, nil
}

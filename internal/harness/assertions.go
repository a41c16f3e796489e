package harness

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/floorlog/internal/model"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext gives assertions read access to the local and remote
// logs.
type AssertionContext struct {
	State         func(ctx context.Context, code string) (model.WorkItemState, error)
	History       func(ctx context.Context, code string) ([]model.WorkEvent, error)
	RemoteHistory func(ctx context.Context, code string) ([]model.WorkEvent, error)
	Counts        func(ctx context.Context) (model.QueueCounts, error)
}

func (h *Harness) assertionContext() *AssertionContext {
	return &AssertionContext{
		State:         h.service.State,
		History:       h.service.History,
		RemoteHistory: h.authority.History,
		Counts:        h.service.QueueCounts,
	}
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(ctx context.Context, actx *AssertionContext, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertState:
			err = assertState(ctx, actx, a)
		case AssertQueue:
			err = assertQueue(ctx, actx, a)
		case AssertHistory:
			err = assertHistory(ctx, actx.History, a, true)
		case AssertRemoteHistory:
			err = assertHistory(ctx, actx.RemoteHistory, a, false)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func stateFields(s model.WorkItemState) map[string]string {
	return map[string]string{
		"status":           string(s.Status),
		"assignee":         s.AssigneeID,
		"qc_inspector":     s.QcInspectorID,
		"rework_cycles":    strconv.Itoa(s.ReworkCycles),
		"last_fail_reason": s.LastFailReason,
		"last_seq":         strconv.FormatInt(s.LastSeq, 10),
	}
}

func assertState(ctx context.Context, actx *AssertionContext, a Assertion) error {
	state, err := actx.State(ctx, a.Code)
	if err != nil {
		return err
	}
	fields := stateFields(state)

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		got, ok := fields[k]
		if !ok {
			return fmt.Errorf("state: unknown field %q", k)
		}
		if want := fmt.Sprint(a.Expect[k]); got != want {
			return &AssertionError{
				Type:     "state",
				Expected: fmt.Sprintf("%s %s = %q", a.Code, k, want),
				Actual:   fmt.Sprintf("%q", got),
			}
		}
	}
	return nil
}

func assertQueue(ctx context.Context, actx *AssertionContext, a Assertion) error {
	counts, err := actx.Counts(ctx)
	if err != nil {
		return err
	}
	for _, status := range []model.SyncStatus{
		model.SyncPending, model.SyncInFlight, model.SyncSettled, model.SyncConflicted, model.SyncFailed,
	} {
		want, ok := a.Counts[status]
		if !ok {
			continue
		}
		if got := counts[status]; got != want {
			return &AssertionError{
				Type:     "queue",
				Expected: fmt.Sprintf("%d %s entries", want, status),
				Actual:   fmt.Sprintf("%d", got),
			}
		}
	}
	return nil
}

func assertHistory(ctx context.Context, load func(context.Context, string) ([]model.WorkEvent, error), a Assertion, local bool) error {
	events, err := load(ctx, a.Code)
	if err != nil {
		return err
	}
	var (
		live   []string
		voided int
	)
	for _, ev := range events {
		if ev.Voided {
			voided++
			continue
		}
		live = append(live, string(ev.Type))
	}

	if a.Types != nil && !slices.Equal(live, a.Types) {
		return &AssertionError{
			Type:     a.Type,
			Expected: strings.Join(a.Types, ","),
			Actual:   strings.Join(live, ","),
		}
	}
	if local && a.Voided != nil && voided != *a.Voided {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d voided events", *a.Voided),
			Actual:   fmt.Sprintf("%d", voided),
		}
	}
	return nil
}

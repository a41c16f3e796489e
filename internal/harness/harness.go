package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/floorlog/internal/evidence"
	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/remote"
	"github.com/roach88/floorlog/internal/schema"
	"github.com/roach88/floorlog/internal/store"
	"github.com/roach88/floorlog/internal/syncqueue"
	"github.com/roach88/floorlog/internal/testutil"
	"github.com/roach88/floorlog/internal/usecase"
)

const outcomeOK = "ok"

// Harness holds the wiring of one scenario run.
type Harness struct {
	scenario  *Scenario
	store     *store.Store
	service   *usecase.Service
	drainer   *syncqueue.Drainer
	authority *remote.Memory
	auth      *testutil.SwitchableAuth
	clock     *testutil.ManualClock
	logger    *slog.Logger

	// evidence ids by capture label
	labels map[string]string
}

// Run executes a scenario in a fresh in-memory store and returns its
// trace. Step expectation mismatches and failed assertions are reported in
// the Result; the error is reserved for infrastructure failures.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	start, err := scenario.startTime()
	if err != nil {
		return nil, err
	}
	device := scenario.Device
	if device == "" {
		device = "tablet-1"
	}

	validator := schema.MustNew()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock(start)
	policies := policy.NewStatic(policy.Default())
	ev := evidence.New(st, evidence.NewMemBlobs())
	machine := lifecycle.New(st, ev, policies,
		lifecycle.WithClock(clock),
		lifecycle.WithDevice(testutil.StaticDevice(device)),
		lifecycle.WithIDs(testutil.NewSequentialIDs("evt")),
		lifecycle.WithPayloadValidator(validator),
		lifecycle.WithLogger(logger),
	)
	authority := remote.NewMemory(remote.WithPayloadValidator(validator))
	drainer := syncqueue.New(st, authority, syncqueue.Config{
		Backoff: syncqueue.Backoff{Base: time.Second, Max: time.Minute},
	},
		syncqueue.WithClock(clock),
		syncqueue.WithLogger(logger),
		syncqueue.WithInvalidator(machine.Projections()),
	)
	auth := testutil.NewSwitchableAuth(model.Actor{})
	auth.SignOut()

	h := &Harness{
		scenario:  scenario,
		store:     st,
		service:   usecase.New(machine, st, ev, policies, auth, usecase.WithClock(clock), usecase.WithLogger(logger)),
		drainer:   drainer,
		authority: authority,
		auth:      auth,
		clock:     clock,
		logger:    logger,
		labels:    map[string]string{},
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, h.assertionContext(), scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	trace := TraceEvent{Step: n, Action: step.Action, Code: step.Code}

	state, detail, err := h.perform(ctx, step)
	trace.Detail = detail
	if state != nil {
		trace.Status = string(state.Status)
	}
	switch {
	case err == nil:
		trace.Outcome = outcomeOK
	case model.CodeOf(err) != "":
		trace.Outcome = string(model.CodeOf(err))
	default:
		return err
	}
	result.add(trace)

	want := step.Expect
	if want == "" {
		want = outcomeOK
	}
	if trace.Outcome != want {
		msg := fmt.Sprintf("step %d (%s %s): expected %s, got %s", n, step.Action, step.Code, want, trace.Outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
	}

	h.logger.Info("scenario step completed",
		"step", n,
		"action", step.Action,
		"code", step.Code,
		"outcome", trace.Outcome,
	)
	return nil
}

// perform runs one step. Typed failures are returned as err for the
// expectation check; anything else aborts the run.
func (h *Harness) perform(ctx context.Context, step Step) (*model.WorkItemState, string, error) {
	if actorActions[step.Action] {
		if step.As == "" {
			h.auth.SignOut()
		} else {
			h.auth.SignIn(model.Actor{ID: step.As, Role: h.scenario.Actors[step.As]})
		}
	}

	svc := h.service
	var (
		state model.WorkItemState
		err   error
	)
	switch step.Action {
	case ActionRegister:
		state, err = svc.RegisterWorkItem(ctx, step.Code)
	case ActionClaim:
		state, err = svc.ClaimWorkItem(ctx, step.Code)
	case ActionStart:
		state, err = svc.StartWork(ctx, step.Code)
	case ActionReady:
		state, err = svc.MarkReadyForQc(ctx, step.Code)
	case ActionQcStart:
		state, err = svc.StartQcInspection(ctx, step.Code)
	case ActionQcPass:
		state, err = svc.PassQc(ctx, step.Code, h.evidenceIDs(step.Evidence), lifecycle.QcOptions{Comment: step.Comment})
	case ActionQcFail:
		state, err = svc.FailQc(ctx, step.Code, step.Reason, h.evidenceIDs(step.Evidence), lifecycle.QcOptions{Comment: step.Comment})
	case ActionRestart:
		state, err = svc.Restart(ctx, step.Code)
	case ActionCapture:
		return nil, step.Label, h.capture(ctx, step)
	case ActionAdvance:
		d, _ := time.ParseDuration(step.By)
		h.clock.Advance(d)
		return nil, step.By, nil
	case ActionOffline:
		h.authority.SetReachable(false)
		return nil, "", nil
	case ActionOnline:
		h.authority.SetReachable(true)
		return nil, "", nil
	case ActionSync:
		sum, err := h.drainer.DrainOnce(ctx)
		if err != nil {
			return nil, "", err
		}
		return nil, fmt.Sprintf("sent=%d settled=%d retried=%d failed=%d conflicted=%d",
			sum.Sent, sum.Settled, sum.Retried, sum.Failed, sum.Conflicted), nil
	case ActionRemote:
		return h.pushRemote(ctx, step)
	case ActionResolve:
		entry, err := h.store.EntryForEvent(ctx, step.Event)
		if err != nil {
			return nil, "", err
		}
		res, err := svc.ResolveConflict(ctx, entry.ID, model.Resolution(step.Resolution))
		if err != nil {
			return nil, step.Event, err
		}
		return &res.State, step.Event, nil
	case ActionRetry:
		entry, err := h.store.EntryForEvent(ctx, step.Event)
		if err != nil {
			return nil, "", err
		}
		if _, err := svc.RetryFailed(ctx, entry.ID); err != nil {
			return nil, step.Event, err
		}
		return nil, step.Event, nil
	default:
		return nil, "", fmt.Errorf("unknown action %q", step.Action)
	}
	if err != nil {
		return nil, "", err
	}
	return &state, "", nil
}

func (h *Harness) capture(ctx context.Context, step Step) error {
	kind := model.EvidenceKind(step.Kind)
	if kind == "" {
		kind = model.EvidencePhoto
	}
	content := step.Content
	if content == "" {
		content = step.Code + "/" + step.Label
	}
	item, err := h.service.CaptureEvidence(ctx, usecase.CaptureRequest{
		WorkItemCode: step.Code,
		Kind:         kind,
		Tags:         step.Tags,
		Artifact:     strings.NewReader(content),
	})
	if err != nil {
		return err
	}
	h.labels[step.Label] = item.ID
	return nil
}

// evidenceIDs maps capture labels to evidence ids. Unknown labels are passed
// through so scenarios can reference ids that do not exist.
func (h *Harness) evidenceIDs(labels []string) []string {
	ids := make([]string, len(labels))
	for i, label := range labels {
		if id, ok := h.labels[label]; ok {
			ids[i] = id
		} else {
			ids[i] = label
		}
	}
	return ids
}

func (h *Harness) pushRemote(ctx context.Context, step Step) (*model.WorkItemState, string, error) {
	device := step.From
	if device == "" {
		device = "remote-device"
	}
	results, err := h.authority.PushEvents(ctx, []model.WorkEvent{{
		EventID:      step.ID,
		WorkItemCode: step.Code,
		Type:         model.EventType(step.Type),
		ActorID:      step.As,
		ActorRole:    h.scenario.Actors[step.As],
		DeviceID:     device,
		OccurredAt:   h.clock.Now(),
		Payload:      model.Payload{ReasonCode: step.Reason},
	}})
	if err != nil {
		return nil, "", err
	}
	if res := results[0]; res.Verdict != remote.VerdictAccepted {
		return nil, res.Reason, model.NewSyncConflict(step.Code, fmt.Sprintf("%s: %s", res.Verdict, res.Reason))
	}
	return nil, step.ID, nil
}

// Package lifecycle validates and records work item transitions.
//
// Every operation re-derives the work item's state from the event log
// immediately before validating, never from a cache, then appends exactly one
// event together with its sync queue entry. Validation failures return typed
// model errors and write nothing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/floorlog/internal/ids"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/projector"
)

// EventLog is the durable, append-only history.
type EventLog interface {
	Events(ctx context.Context, code string) ([]model.WorkEvent, error)
	AppendEvent(ctx context.Context, ev model.WorkEvent, expectedHead int64, now time.Time) (model.WorkEvent, model.SyncEntry, error)
}

// ResolvingLog is an EventLog that can close a conflicted queue entry in the
// same transaction as an append.
type ResolvingLog interface {
	AppendResolving(ctx context.Context, ev model.WorkEvent, expectedHead, resolveID int64, now time.Time) (model.WorkEvent, model.SyncEntry, error)
}

// EvidenceResolver resolves evidence references.
type EvidenceResolver interface {
	Get(ctx context.Context, ids []string) ([]model.EvidenceItem, error)
}

// PayloadValidator checks payload shape per event type.
type PayloadValidator interface {
	Validate(t model.EventType, p model.Payload) error
}

// TimeProvider supplies the device clock.
type TimeProvider interface {
	Now() time.Time
}

// DeviceInfoProvider identifies the device recording events.
type DeviceInfoProvider interface {
	DeviceID() string
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements TimeProvider.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Result is the outcome of a successful transition.
type Result struct {
	State model.WorkItemState
	Event model.WorkEvent
	Entry model.SyncEntry
}

// QcOptions carries the optional parts of a QC outcome.
type QcOptions struct {
	Comment   string
	Priority  int
	Checklist *model.Checklist
}

// Machine is the lifecycle state machine.
//
// Thread-safety: safe for concurrent use. Concurrent transitions on the same
// work item are serialized by the log's head check; the loser re-projects and
// re-validates.
type Machine struct {
	log         EventLog
	evidence    EvidenceResolver
	policies    policy.Source
	projections *projector.Projector
	payloads    PayloadValidator
	clock       TimeProvider
	device      DeviceInfoProvider
	ids         ids.Generator
	logger      *slog.Logger
	maxRetries  int
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time provider.
func WithClock(c TimeProvider) Option { return func(m *Machine) { m.clock = c } }

// WithDevice sets the device info provider.
func WithDevice(d DeviceInfoProvider) Option { return func(m *Machine) { m.device = d } }

// WithIDs sets the event id generator.
func WithIDs(g ids.Generator) Option { return func(m *Machine) { m.ids = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithPayloadValidator enables payload schema checks before append.
func WithPayloadValidator(v PayloadValidator) Option { return func(m *Machine) { m.payloads = v } }

// WithProjector shares a projection cache with other components.
func WithProjector(p *projector.Projector) Option { return func(m *Machine) { m.projections = p } }

// WithMaxRetries bounds re-validation after a lost append race.
func WithMaxRetries(n int) Option { return func(m *Machine) { m.maxRetries = n } }

type unknownDevice struct{}

func (unknownDevice) DeviceID() string { return "unknown-device" }

// New creates a Machine.
func New(log EventLog, evidence EvidenceResolver, policies policy.Source, opts ...Option) *Machine {
	m := &Machine{
		log:        log,
		evidence:   evidence,
		policies:   policies,
		clock:      SystemClock{},
		device:     unknownDevice{},
		ids:        ids.UUIDv7Generator{},
		logger:     slog.Default(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.projections == nil {
		m.projections = projector.New(log)
	}
	return m
}

// Projections returns the projection cache the machine refreshes.
func (m *Machine) Projections() *projector.Projector {
	return m.projections
}

// Register records a work item before anyone claims it. Supervisor only.
func (m *Machine) Register(ctx context.Context, code string, actor model.Actor) (Result, error) {
	return m.execute(ctx, code, actor, model.EventRegistered, model.Payload{})
}

// Claim assigns an Unclaimed work item to an assembler.
func (m *Machine) Claim(ctx context.Context, code string, actor model.Actor) (Result, error) {
	return m.execute(ctx, code, actor, model.EventClaimed, model.Payload{})
}

// Start begins work on a Claimed item. Assignee only.
func (m *Machine) Start(ctx context.Context, code string, actor model.Actor) (Result, error) {
	return m.execute(ctx, code, actor, model.EventStarted, model.Payload{})
}

// MarkReady hands an InProgress item to QC. Assignee only.
func (m *Machine) MarkReady(ctx context.Context, code string, actor model.Actor) (Result, error) {
	return m.execute(ctx, code, actor, model.EventReadyForQc, model.Payload{})
}

// StartQc begins inspection of a ReadyForQc item.
func (m *Machine) StartQc(ctx context.Context, code string, actor model.Actor) (Result, error) {
	return m.execute(ctx, code, actor, model.EventQcStarted, model.Payload{})
}

// PassQc records a pass backed by evidence satisfying the pass rule.
func (m *Machine) PassQc(ctx context.Context, code string, actor model.Actor, evidence []string, opts QcOptions) (Result, error) {
	return m.execute(ctx, code, actor, model.EventQcPassed, model.Payload{
		Evidence:  evidence,
		Comment:   opts.Comment,
		Priority:  opts.Priority,
		Checklist: opts.Checklist,
	})
}

// FailQc records a failure backed by evidence satisfying the fail rule. The
// item stays QcFailed until its assignee restarts it.
func (m *Machine) FailQc(ctx context.Context, code string, actor model.Actor, reasonCode string, evidence []string, opts QcOptions) (Result, error) {
	return m.execute(ctx, code, actor, model.EventQcFailed, model.Payload{
		ReasonCode: reasonCode,
		Evidence:   evidence,
		Comment:    opts.Comment,
		Priority:   opts.Priority,
		Checklist:  opts.Checklist,
	})
}

// Restart returns a QcFailed item to InProgress for rework. Assignee only.
func (m *Machine) Restart(ctx context.Context, code string, actor model.Actor) (Result, error) {
	return m.execute(ctx, code, actor, model.EventReworkStarted, model.Payload{})
}

// Resubmit replays the action of a conflicted event as a new event against
// the current state and, in the same append, closes its Conflicted queue
// entry. QC outcomes are re-evaluated against the policy at the new
// submission time.
func (m *Machine) Resubmit(ctx context.Context, original model.WorkEvent, entryID int64, actor model.Actor) (Result, error) {
	if _, ok := m.log.(ResolvingLog); !ok {
		return Result{}, fmt.Errorf("resubmit %s: event log cannot resolve queue entries", original.EventID)
	}
	p := original.Payload
	p.PolicyVersion = ""
	return m.record(ctx, original.WorkItemCode, actor, original.Type, p, entryID)
}

func (m *Machine) execute(ctx context.Context, rawCode string, actor model.Actor, typ model.EventType, payload model.Payload) (Result, error) {
	return m.record(ctx, rawCode, actor, typ, payload, 0)
}

// record validates and appends one event. A non-zero resolveEntry is closed
// as resubmitted in the append transaction.
func (m *Machine) record(ctx context.Context, rawCode string, actor model.Actor, typ model.EventType, payload model.Payload, resolveEntry int64) (Result, error) {
	code, err := model.NormalizeCode(rawCode)
	if err != nil {
		return Result{}, err
	}
	payload.Evidence = dedupe(payload.Evidence)
	payload.ReasonCode = normalizeReason(payload.ReasonCode)

	for attempt := 0; ; attempt++ {
		state, events, err := m.projections.Fresh(ctx, code)
		if err != nil {
			return Result{}, err
		}
		if state.Corrupt() {
			return Result{}, model.NewCorruptHistory(code, state.Anomalies[0])
		}
		if err := Authorize(state, actor, typ); err != nil {
			m.logger.Debug("transition refused", "work_item", code, "type", typ, "actor", actor.ID, "error", err)
			return Result{}, err
		}

		now := m.clock.Now().UTC()
		p := payload
		if typ.IsQcOutcome() {
			if p, err = m.gate(ctx, state, typ, p, now); err != nil {
				m.logger.Info("qc outcome rejected", "work_item", code, "type", typ, "actor", actor.ID, "error", err)
				return Result{}, err
			}
		}
		if m.payloads != nil {
			if err := m.payloads.Validate(typ, p); err != nil {
				return Result{}, err
			}
		}

		ev := model.WorkEvent{
			EventID:      m.ids.Generate(),
			WorkItemCode: code,
			Type:         typ,
			ActorID:      actor.ID,
			ActorRole:    actor.Role,
			DeviceID:     m.device.DeviceID(),
			OccurredAt:   now,
			Payload:      p,
		}
		var (
			stored model.WorkEvent
			entry  model.SyncEntry
		)
		if resolveEntry != 0 {
			stored, entry, err = m.log.(ResolvingLog).AppendResolving(ctx, ev, projector.HeadSeq(events), resolveEntry, now)
		} else {
			stored, entry, err = m.log.AppendEvent(ctx, ev, projector.HeadSeq(events), now)
		}
		if errors.Is(err, model.ErrHeadMoved) && attempt < m.maxRetries {
			m.logger.Debug("log head moved, revalidating", "work_item", code, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("record %s for %s: %w", typ, code, err)
		}

		next, err := projector.Apply(state, stored)
		if err != nil {
			return Result{}, fmt.Errorf("project %s for %s: %w", typ, code, err)
		}
		m.projections.Invalidate(code)

		m.logger.Info("work event recorded",
			"work_item", code,
			"event_id", stored.EventID,
			"type", stored.Type,
			"seq", stored.Seq,
			"actor", actor.ID,
			"status", next.Status,
		)
		return Result{State: next, Event: stored, Entry: entry}, nil
	}
}

// gate applies the QC evidence policy and stamps the policy version.
func (m *Machine) gate(ctx context.Context, state model.WorkItemState, typ model.EventType, p model.Payload, now time.Time) (model.Payload, error) {
	pol := m.policies.Current()
	outcome, _ := policy.OutcomeFor(typ)

	items, err := m.evidence.Get(ctx, p.Evidence)
	if model.IsNotFound(err) {
		return p, model.NewEvidenceRejected(state.Code, []string{err.Error()})
	}
	if err != nil {
		return p, fmt.Errorf("resolve evidence for %s: %w", state.Code, err)
	}

	d := pol.Evaluate(outcome, items, policy.Input{
		WorkItemCode: state.Code,
		ReasonCode:   p.ReasonCode,
		SubmittedAt:  now,
		QcStartedAt:  state.QcStartedAt,
	})
	if !d.Accepted {
		return p, model.NewEvidenceRejected(state.Code, d.Reasons)
	}
	p.PolicyVersion = pol.Version
	return p, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

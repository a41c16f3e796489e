// Package usecase is the façade the CLI, the scenario harness and tests
// drive. Each workflow action resolves the signed-in actor, runs the
// lifecycle machine and wakes the sync drainer.
package usecase

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/floorlog/internal/evidence"
	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
)

// AuthRepository returns the operator signed in on this device.
type AuthRepository interface {
	CurrentActor(ctx context.Context) (model.Actor, error)
}

// Waker is notified after every local append.
type Waker interface {
	Wake()
}

// Log is the local event log and sync queue as the façade reads them.
type Log interface {
	Events(ctx context.Context, code string) ([]model.WorkEvent, error)
	Event(ctx context.Context, eventID string) (model.WorkEvent, error)
	WorkItemCodes(ctx context.Context) ([]string, error)
	Entry(ctx context.Context, id int64) (model.SyncEntry, error)
	Entries(ctx context.Context, status model.SyncStatus, limit int) ([]model.SyncEntry, error)
	Counts(ctx context.Context) (model.QueueCounts, error)
	ResolveEntry(ctx context.Context, id int64, resolution model.Resolution, now time.Time) (model.SyncEntry, error)
	RetryEntry(ctx context.Context, id int64, now time.Time) (model.StatusChange, error)
}

// EvidenceStore captures and resolves evidence.
type EvidenceStore interface {
	Put(ctx context.Context, c evidence.Capture) (model.EvidenceItem, error)
	Get(ctx context.Context, ids []string) ([]model.EvidenceItem, error)
	List(ctx context.Context, code string) ([]model.EvidenceItem, error)
	Open(ctx context.Context, item model.EvidenceItem) (io.ReadCloser, error)
}

// Service implements the workflow use cases.
type Service struct {
	machine  *lifecycle.Machine
	log      Log
	evidence EvidenceStore
	policies policy.Source
	auth     AuthRepository
	clock    lifecycle.TimeProvider
	waker    Waker
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithWaker sets the drainer to wake after appends.
func WithWaker(w Waker) Option { return func(s *Service) { s.waker = w } }

// WithClock sets the time provider used for capture and queue bookkeeping.
func WithClock(c lifecycle.TimeProvider) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New creates a Service.
func New(machine *lifecycle.Machine, log Log, ev EvidenceStore, policies policy.Source, auth AuthRepository, opts ...Option) *Service {
	s := &Service{
		machine:  machine,
		log:      log,
		evidence: ev,
		policies: policies,
		auth:     auth,
		clock:    lifecycle.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type action func(ctx context.Context, actor model.Actor) (lifecycle.Result, error)

func (s *Service) run(ctx context.Context, do action) (model.WorkItemState, error) {
	actor, err := s.auth.CurrentActor(ctx)
	if err != nil {
		return model.WorkItemState{}, err
	}
	res, err := do(ctx, actor)
	if err != nil {
		return model.WorkItemState{}, err
	}
	s.wake()
	return res.State, nil
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// RegisterWorkItem records a new work item. Supervisors only.
func (s *Service) RegisterWorkItem(ctx context.Context, code string) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.Register(ctx, code, a)
	})
}

// ClaimWorkItem assigns an unclaimed work item to the signed-in assembler.
func (s *Service) ClaimWorkItem(ctx context.Context, code string) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.Claim(ctx, code, a)
	})
}

// StartWork begins work on a claimed item.
func (s *Service) StartWork(ctx context.Context, code string) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.Start(ctx, code, a)
	})
}

// MarkReadyForQc hands finished work to QC.
func (s *Service) MarkReadyForQc(ctx context.Context, code string) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.MarkReady(ctx, code, a)
	})
}

// StartQcInspection begins inspection.
func (s *Service) StartQcInspection(ctx context.Context, code string) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.StartQc(ctx, code, a)
	})
}

// PassQc records a pass.
func (s *Service) PassQc(ctx context.Context, code string, evidenceIDs []string, opts lifecycle.QcOptions) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.PassQc(ctx, code, a, evidenceIDs, opts)
	})
}

// FailQc records a failure. The item waits in QcFailed until restarted.
func (s *Service) FailQc(ctx context.Context, code, reasonCode string, evidenceIDs []string, opts lifecycle.QcOptions) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.FailQc(ctx, code, a, reasonCode, evidenceIDs, opts)
	})
}

// Restart returns a failed item to work.
func (s *Service) Restart(ctx context.Context, code string) (model.WorkItemState, error) {
	return s.run(ctx, func(ctx context.Context, a model.Actor) (lifecycle.Result, error) {
		return s.machine.Restart(ctx, code, a)
	})
}

// CaptureRequest is evidence handed over by the capture device.
type CaptureRequest struct {
	WorkItemCode string
	Kind         model.EvidenceKind
	Tags         []string
	Artifact     io.Reader
}

// CaptureEvidence stores an artifact captured now by the signed-in actor.
func (s *Service) CaptureEvidence(ctx context.Context, req CaptureRequest) (model.EvidenceItem, error) {
	actor, err := s.auth.CurrentActor(ctx)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	item, err := s.evidence.Put(ctx, evidence.Capture{
		WorkItemCode: req.WorkItemCode,
		Kind:         req.Kind,
		Tags:         req.Tags,
		CapturedAt:   s.clock.Now(),
		CapturedBy:   actor.ID,
		Artifact:     req.Artifact,
	})
	if err != nil {
		return model.EvidenceItem{}, err
	}
	s.logger.Info("evidence captured",
		"work_item", item.WorkItemCode,
		"evidence_id", item.ID,
		"kind", item.Kind,
		"bytes", item.SizeBytes,
	)
	return item, nil
}

// Evidence lists the evidence captured for a work item.
func (s *Service) Evidence(ctx context.Context, code string) ([]model.EvidenceItem, error) {
	code, err := model.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	return s.evidence.List(ctx, code)
}

// State returns the current projection of a work item.
func (s *Service) State(ctx context.Context, code string) (model.WorkItemState, error) {
	code, err := model.NormalizeCode(code)
	if err != nil {
		return model.WorkItemState{}, err
	}
	return s.machine.Projections().Current(ctx, code)
}

// History returns every recorded event of a work item, voided ones
// included, in seq order.
func (s *Service) History(ctx context.Context, code string) ([]model.WorkEvent, error) {
	code, err := model.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	return s.log.Events(ctx, code)
}

// WorkItems returns the current projection of every known work item.
func (s *Service) WorkItems(ctx context.Context) ([]model.WorkItemState, error) {
	codes, err := s.log.WorkItemCodes(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]model.WorkItemState, 0, len(codes))
	for _, code := range codes {
		st, err := s.machine.Projections().Current(ctx, code)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// Histories returns the live (non-voided) history of every known work
// item, keyed by code.
func (s *Service) Histories(ctx context.Context) (map[string][]model.WorkEvent, error) {
	codes, err := s.log.WorkItemCodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.WorkEvent, len(codes))
	for _, code := range codes {
		events, err := s.log.Events(ctx, code)
		if err != nil {
			return nil, err
		}
		live := make([]model.WorkEvent, 0, len(events))
		for _, ev := range events {
			if !ev.Voided {
				live = append(live, ev)
			}
		}
		out[code] = live
	}
	return out, nil
}

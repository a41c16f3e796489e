// Package syncqueue drains the local outbox to a remote authority.
//
// A single Drainer per device pushes due entries in per-work-item seq order,
// settles accepted events, retries transient failures with backoff, fails
// entries the authority rejects or that exhaust their attempts, and rebases a
// work item onto authoritative history when the authority reports a
// conflict.
package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/remote"
	"github.com/roach88/floorlog/internal/store"
)

// Queue is the durable outbox and event log the drainer works on.
type Queue interface {
	DueBatch(ctx context.Context, now time.Time, limit int) ([]model.SyncEntry, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	MarkInFlight(ctx context.Context, ids []int64, now time.Time) ([]model.StatusChange, error)
	MarkSettled(ctx context.Context, id int64, now time.Time) (model.StatusChange, error)
	MarkRetry(ctx context.Context, id int64, next time.Time, lastError string, now time.Time) (model.StatusChange, error)
	MarkFailed(ctx context.Context, id int64, lastError string, now time.Time) (model.StatusChange, error)
	RecoverInFlight(ctx context.Context, now time.Time) ([]model.StatusChange, error)
	Event(ctx context.Context, eventID string) (model.WorkEvent, error)
	Rebase(ctx context.Context, code string, authority []model.WorkEvent, conflictEventID, conflictReason string, now time.Time) (store.RebaseResult, error)
}

// Invalidator drops cached projections.
type Invalidator interface {
	Invalidate(codes ...string)
}

// TimeProvider supplies the current time.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config tunes the drainer.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	Backoff        Backoff
}

// DefaultConfig returns the drainer defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		MaxAttempts:    8,
		AttemptTimeout: 15 * time.Second,
		PollInterval:   30 * time.Second,
		Backoff: Backoff{
			Base:   2 * time.Second,
			Max:    5 * time.Minute,
			Jitter: 0.2,
		},
	}
}

// Summary counts what one drain pass did.
type Summary struct {
	Sent       int
	Settled    int
	Retried    int
	Failed     int
	Conflicted int
}

// Drainer is the single consumer of the sync queue.
//
// Thread-safety: DrainOnce and Run may be called from any goroutine; passes
// are serialized. Wake is safe to call at any time.
type Drainer struct {
	queue     Queue
	authority remote.Authority
	cfg       Config
	clock     TimeProvider
	logger    *slog.Logger
	observers []Observer
	cache     Invalidator

	mu   sync.Mutex
	wake chan struct{}
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithClock sets the time provider.
func WithClock(c TimeProvider) Option { return func(d *Drainer) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Drainer) { d.logger = l } }

// WithObserver adds an observer of status changes.
func WithObserver(o Observer) Option {
	return func(d *Drainer) { d.observers = append(d.observers, o) }
}

// WithInvalidator sets the projection cache to invalidate on settlement and
// rebase.
func WithInvalidator(i Invalidator) Option { return func(d *Drainer) { d.cache = i } }

// New creates a Drainer.
func New(queue Queue, authority remote.Authority, cfg Config, opts ...Option) *Drainer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	d := &Drainer{
		queue:     queue,
		authority: authority,
		cfg:       cfg,
		clock:     systemClock{},
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wake asks a running drainer to start a pass now. Multiple wakes before the
// drainer looks coalesce into one.
func (d *Drainer) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Recover returns entries left InFlight by a previous run to Pending.
// Resending them is safe because authorities are idempotent on event id.
func (d *Drainer) Recover(ctx context.Context) (int, error) {
	changes, err := d.queue.RecoverInFlight(ctx, d.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("recover in-flight entries: %w", err)
	}
	d.notify(changes...)
	if len(changes) > 0 {
		d.logger.Info("recovered in-flight sync entries", "count", len(changes))
	}
	return len(changes), nil
}

// Run recovers in-flight entries, then drains until ctx is cancelled. It
// waits between passes for a wake, the next due entry, or the poll interval,
// whichever comes first.
//
// Must be called from exactly one goroutine.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("sync drainer starting")
	if _, err := d.Recover(ctx); err != nil {
		return err
	}

	for {
		sum, err := d.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("sync drainer stopping: context cancelled")
				return ctx.Err()
			}
			d.logger.Error("sync drain pass failed", "error", err)
		} else if sum.Sent > 0 {
			continue
		}

		timer := time.NewTimer(d.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("sync drainer stopping: context cancelled")
			return ctx.Err()
		case <-d.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (d *Drainer) nextWait(ctx context.Context) time.Duration {
	wait := d.cfg.PollInterval
	next, ok, err := d.queue.NextDue(ctx)
	if err != nil || !ok {
		return wait
	}
	if until := next.Sub(d.clock.Now()); until < wait {
		wait = max(until, 0)
	}
	return wait
}

// DrainOnce pushes one batch of due entries and records the outcome.
func (d *Drainer) DrainOnce(ctx context.Context) (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sum Summary
	now := d.clock.Now()
	due, err := d.queue.DueBatch(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return sum, err
	}
	if len(due) == 0 {
		return sum, nil
	}

	ids := make([]int64, len(due))
	for i, e := range due {
		ids[i] = e.ID
	}
	changes, err := d.queue.MarkInFlight(ctx, ids, now)
	d.notify(changes...)
	if err != nil {
		return sum, fmt.Errorf("mark in flight: %w", err)
	}
	entries := make([]model.SyncEntry, len(changes))
	for i, c := range changes {
		entries[i] = c.Entry
	}

	events := make([]model.WorkEvent, len(entries))
	for i, e := range entries {
		if events[i], err = d.queue.Event(ctx, e.EventID); err != nil {
			return sum, fmt.Errorf("load event for entry %d: %w", e.ID, err)
		}
	}
	sum.Sent = len(entries)

	// Bookkeeping after the push must complete even if ctx is cancelled
	// mid-attempt, or entries would stay InFlight until the next start.
	bctx := context.WithoutCancel(ctx)

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	results, err := d.authority.PushEvents(attemptCtx, events)
	cancel()
	if err == nil && len(results) != len(events) {
		err = fmt.Errorf("authority returned %d results for %d events", len(results), len(events))
	}
	if err != nil {
		d.logger.Warn("sync push failed", "entries", len(entries), "error", err)
		for _, e := range entries {
			d.retryOrFail(bctx, e, model.NewTransient(err).Error(), &sum)
		}
		return sum, nil
	}

	type conflict struct {
		entry  model.SyncEntry
		reason string
	}
	var conflicts []conflict
	blockedBy := make(map[string]remote.Verdict)
	touched := make(map[string]bool)

	for i, e := range entries {
		res := results[i]
		if v, ok := blockedBy[e.WorkItemCode]; ok {
			// Entries behind a conflicted head are moved by the rebase below.
			// Entries behind a rejected head go back to Pending and wait.
			if v == remote.VerdictRejected {
				d.apply(func() (model.StatusChange, error) {
					return d.queue.MarkRetry(bctx, e.ID, now, "waiting on failed predecessor", d.clock.Now())
				})
			}
			continue
		}

		switch res.Verdict {
		case remote.VerdictAccepted:
			d.apply(func() (model.StatusChange, error) { return d.queue.MarkSettled(bctx, e.ID, d.clock.Now()) })
			sum.Settled++
			touched[e.WorkItemCode] = true
		case remote.VerdictConflicted:
			blockedBy[e.WorkItemCode] = remote.VerdictConflicted
			conflicts = append(conflicts, conflict{entry: e, reason: res.Reason})
		default:
			blockedBy[e.WorkItemCode] = remote.VerdictRejected
			reason := res.Reason
			if res.Verdict != remote.VerdictRejected {
				reason = fmt.Sprintf("unknown verdict %q: %s", res.Verdict, res.Reason)
			}
			d.logger.Warn("sync entry rejected", "event_id", e.EventID, "work_item", e.WorkItemCode, "reason", reason)
			d.apply(func() (model.StatusChange, error) {
				return d.queue.MarkFailed(bctx, e.ID, "rejected: "+reason, d.clock.Now())
			})
			sum.Failed++
		}
	}

	for _, c := range conflicts {
		d.rebase(ctx, bctx, c.entry, c.reason, entries, &sum)
		touched[c.entry.WorkItemCode] = true
	}

	if d.cache != nil {
		for code := range touched {
			d.cache.Invalidate(code)
		}
	}
	return sum, nil
}

// rebase pulls authoritative history for the conflicted entry's work item
// and rebases the local log onto it. If history is unavailable, the work
// item's in-flight entries are retried and the conflict will be reported
// again on the next attempt.
func (d *Drainer) rebase(ctx, bctx context.Context, head model.SyncEntry, reason string, batch []model.SyncEntry, sum *Summary) {
	code := head.WorkItemCode

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	history, err := d.authority.History(attemptCtx, code)
	cancel()
	if err == nil {
		var result store.RebaseResult
		result, err = d.queue.Rebase(bctx, code, history, head.EventID, reason, d.clock.Now())
		if err == nil {
			d.notify(result.Changes...)
			for _, c := range result.Changes {
				if c.To == model.SyncConflicted {
					sum.Conflicted++
				}
			}
			d.logger.Warn("sync conflict rebased",
				"work_item", code,
				"event_id", head.EventID,
				"reason", reason,
				"voided", len(result.Voided),
				"imported", len(result.Imported),
			)
			return
		}
	}

	if model.IsCorruptHistory(err) {
		d.logger.Error("authority lost settled history", "work_item", code, "event_id", head.EventID, "error", err)
		d.apply(func() (model.StatusChange, error) {
			return d.queue.MarkFailed(bctx, head.ID, "rebase refused: "+err.Error(), d.clock.Now())
		})
		sum.Failed++
		for _, e := range batch {
			if e.WorkItemCode == code && e.Seq > head.Seq {
				d.apply(func() (model.StatusChange, error) {
					return d.queue.MarkRetry(bctx, e.ID, d.clock.Now(), "waiting on failed predecessor", d.clock.Now())
				})
			}
		}
		return
	}

	d.logger.Warn("sync conflict not rebased", "work_item", code, "event_id", head.EventID, "error", err)
	for _, e := range batch {
		if e.WorkItemCode == code && e.Seq >= head.Seq {
			d.retryOrFail(bctx, e, model.NewTransient(err).Error(), sum)
		}
	}
}

func (d *Drainer) retryOrFail(ctx context.Context, e model.SyncEntry, lastError string, sum *Summary) {
	now := d.clock.Now()
	if e.AttemptCount >= d.cfg.MaxAttempts {
		d.apply(func() (model.StatusChange, error) {
			return d.queue.MarkFailed(ctx, e.ID, fmt.Sprintf("gave up after %d attempts: %s", e.AttemptCount, lastError), now)
		})
		sum.Failed++
		return
	}
	next := now.Add(d.cfg.Backoff.Delay(e.AttemptCount))
	d.apply(func() (model.StatusChange, error) {
		return d.queue.MarkRetry(ctx, e.ID, next, lastError, now)
	})
	sum.Retried++
}

// apply runs one status update and notifies observers. Update errors are
// logged; the entry keeps its status and is recovered on the next start.
func (d *Drainer) apply(update func() (model.StatusChange, error)) {
	change, err := update()
	if err != nil {
		d.logger.Error("sync entry update failed", "error", err)
		return
	}
	d.notify(change)
}

func (d *Drainer) notify(changes ...model.StatusChange) {
	for _, c := range changes {
		for _, o := range d.observers {
			o.QueueChanged(c)
		}
	}
}

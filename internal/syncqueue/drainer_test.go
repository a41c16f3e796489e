package syncqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/floorlog/internal/evidence"
	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/remote"
	"github.com/roach88/floorlog/internal/store"
	"github.com/roach88/floorlog/internal/testutil"
)

var (
	t0    = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	alice = model.Actor{ID: "alice", Role: model.RoleAssembler}
	bob   = model.Actor{ID: "bob", Role: model.RoleAssembler}
)

type fixture struct {
	store   *store.Store
	clock   *testutil.ManualClock
	machine *lifecycle.Machine
	changes *recorder
}

type recorder struct {
	mu      sync.Mutex
	changes []model.StatusChange
}

func (r *recorder) QueueChanged(c model.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) to(status model.SyncStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.To == status {
			n++
		}
	}
	return n
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "floorlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(t0)
	return &fixture{
		store: st,
		clock: clock,
		machine: lifecycle.New(st, evidence.New(st, evidence.NewMemBlobs()), policy.NewStatic(policy.Default()),
			lifecycle.WithClock(clock),
			lifecycle.WithDevice(testutil.StaticDevice("tablet-7")),
			lifecycle.WithIDs(testutil.NewSequentialIDs("evt")),
		),
		changes: &recorder{},
	}
}

func (f *fixture) drainer(authority remote.Authority, cfg Config) *Drainer {
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = Backoff{Base: time.Second, Max: time.Minute}
	}
	return New(f.store, authority, cfg,
		WithClock(f.clock),
		WithObserver(f.changes),
		WithInvalidator(f.machine.Projections()),
	)
}

func (f *fixture) entry(t *testing.T, eventID string) model.SyncEntry {
	t.Helper()
	e, err := f.store.EntryForEvent(t.Context(), eventID)
	require.NoError(t, err)
	return e
}

func TestDrainOnce_OfflineThenSettle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	authority := remote.NewMemory()
	authority.SetReachable(false)
	d := f.drainer(authority, Config{})

	_, err := f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)
	_, err = f.machine.Start(ctx, "WO-100", alice)
	require.NoError(t, err)
	res, err := f.machine.MarkReady(ctx, "WO-100", alice)
	require.NoError(t, err)
	before := res.State

	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 3, Retried: 3}, sum)

	e := f.entry(t, "evt-0001")
	assert.Equal(t, model.SyncPending, e.Status)
	assert.Equal(t, 1, e.AttemptCount)
	assert.Contains(t, e.LastError, "TRANSIENT_SYNC_FAILURE")
	assert.True(t, e.NextAttemptAt.After(t0))

	// Not due until the backoff elapses.
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)

	authority.SetReachable(true)
	f.clock.Advance(time.Minute)
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 3, Settled: 3}, sum)

	state, _, err := f.machine.Projections().Fresh(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, before, state)
	assert.Equal(t, 3, f.changes.to(model.SyncSettled))

	history, err := authority.History(ctx, "WO-100")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestDrainOnce_RecoveredInFlightIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	authority := remote.NewMemory()
	d := f.drainer(authority, Config{})

	_, err := f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)
	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)

	// The settled event is pushed again as if a crash lost the settlement.
	ev, err := f.store.Event(ctx, "evt-0001")
	require.NoError(t, err)
	results, err := authority.PushEvents(ctx, []model.WorkEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, remote.VerdictAccepted, results[0].Verdict)

	_, err = f.machine.Start(ctx, "WO-100", alice)
	require.NoError(t, err)
	due, err := f.store.DueBatch(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	_, err = f.store.MarkInFlight(ctx, []int64{due[0].ID}, f.clock.Now())
	require.NoError(t, err)

	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Settled)

	history, err := authority.History(ctx, "WO-100")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.SyncSettled])
	assert.Equal(t, 0, counts[model.SyncPending])
}

func TestDrainOnce_FailedBlocksOnlyItsItem(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	authority := remote.NewMemory()
	authority.SetReachable(false)
	d := f.drainer(authority, Config{MaxAttempts: 2})

	_, err := f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)

	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, model.SyncFailed, f.entry(t, "evt-0001").Status)
	assert.Contains(t, f.entry(t, "evt-0001").LastError, "gave up after 2 attempts")

	_, err = f.machine.Start(ctx, "WO-100", alice)
	require.NoError(t, err)
	_, err = f.machine.Claim(ctx, "WO-200", bob)
	require.NoError(t, err)

	authority.SetReachable(true)
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Settled: 1}, sum)
	assert.Equal(t, model.SyncSettled, f.entry(t, "evt-0003").Status)
	assert.Equal(t, model.SyncPending, f.entry(t, "evt-0002").Status)

	// Re-arming the failed head releases the rest of the item.
	_, err = f.store.RetryEntry(ctx, f.entry(t, "evt-0001").ID, f.clock.Now())
	require.NoError(t, err)
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 2, Settled: 2}, sum)
}

func TestDrainOnce_ConflictRebases(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	authority := remote.NewMemory()
	d := f.drainer(authority, Config{})

	_, err := authority.PushEvents(ctx, []model.WorkEvent{{
		EventID:      "bob-1",
		WorkItemCode: "WO-100",
		Type:         model.EventClaimed,
		ActorID:      bob.ID,
		ActorRole:    bob.Role,
		DeviceID:     "tablet-9",
		OccurredAt:   t0,
	}})
	require.NoError(t, err)

	_, err = f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)
	_, err = f.machine.Start(ctx, "WO-100", alice)
	require.NoError(t, err)

	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Conflicted)

	head := f.entry(t, "evt-0001")
	assert.Equal(t, model.SyncConflicted, head.Status)
	assert.Contains(t, head.LastError, "INVALID_TRANSITION")
	follower := f.entry(t, "evt-0002")
	assert.Equal(t, model.SyncConflicted, follower.Status)
	assert.Equal(t, "predecessor evt-0001 conflicted", follower.LastError)

	state, err := f.machine.Projections().Current(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, state.Status)
	assert.Equal(t, bob.ID, state.AssigneeID)

	imported := f.entry(t, "bob-1")
	assert.Equal(t, model.SyncSettled, imported.Status)
	assert.Equal(t, 2, f.changes.to(model.SyncConflicted))

	// Nothing is left to send.
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
}

// scripted answers pushes with fixed verdicts per event id; unknown ids are
// accepted.
type scripted map[string]remote.PushResult

func (s scripted) PushEvents(_ context.Context, batch []model.WorkEvent) ([]remote.PushResult, error) {
	out := make([]remote.PushResult, len(batch))
	for i, ev := range batch {
		res, ok := s[ev.EventID]
		if !ok {
			res = remote.PushResult{Verdict: remote.VerdictAccepted}
		}
		res.EventID = ev.EventID
		out[i] = res
	}
	return out, nil
}

func (s scripted) History(context.Context, string) ([]model.WorkEvent, error) { return nil, nil }

func TestDrainOnce_RejectedFailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	authority := scripted{
		"evt-0001": {Verdict: remote.VerdictRejected, Reason: "malformed payload"},
		"evt-0002": {Verdict: remote.VerdictConflicted, Reason: "predecessor evt-0001 not accepted"},
	}
	d := f.drainer(authority, Config{MaxAttempts: 5})

	_, err := f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)
	_, err = f.machine.Start(ctx, "WO-100", alice)
	require.NoError(t, err)

	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Conflicted)

	head := f.entry(t, "evt-0001")
	assert.Equal(t, model.SyncFailed, head.Status)
	assert.Equal(t, 1, head.AttemptCount)
	assert.Equal(t, "rejected: malformed payload", head.LastError)
	follower := f.entry(t, "evt-0002")
	assert.Equal(t, model.SyncPending, follower.Status)
	assert.Equal(t, "waiting on failed predecessor", follower.LastError)

	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)

	delete(authority, "evt-0001")
	delete(authority, "evt-0002")
	_, err = f.store.RetryEntry(ctx, head.ID, f.clock.Now())
	require.NoError(t, err)
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Settled)
}

// slow blocks pushes until the attempt context ends.
type slow struct{}

func (slow) PushEvents(ctx context.Context, _ []model.WorkEvent) ([]remote.PushResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slow) History(ctx context.Context, _ string) ([]model.WorkEvent, error) { return nil, nil }

func TestDrainOnce_TimeoutIsNotSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	d := f.drainer(slow{}, Config{AttemptTimeout: 20 * time.Millisecond})

	_, err := f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)

	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	e := f.entry(t, "evt-0001")
	assert.Equal(t, model.SyncPending, e.Status)
	assert.Contains(t, e.LastError, "deadline exceeded")
}

func TestRun_WakeDrains(t *testing.T) {
	f := newFixture(t)
	authority := remote.NewMemory()
	d := f.drainer(authority, Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	_, err := f.machine.Claim(t.Context(), "WO-100", alice)
	require.NoError(t, err)
	d.Wake()

	assert.Eventually(t, func() bool {
		e, err := f.store.EntryForEvent(t.Context(), "evt-0001")
		return err == nil && e.Status == model.SyncSettled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, b.Delay(0))

	b.Jitter = 0.5
	b.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 1250*time.Millisecond, b.Delay(1))
}

func TestBackoff_DelayWithoutCap(t *testing.T) {
	b := Backoff{Base: time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 16*time.Second, b.Delay(5))

	huge := b.Delay(200)
	assert.Positive(t, huge)
}

func TestDrainOnce_AuthorityWithoutSettledHistory(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	d := f.drainer(remote.NewMemory(), Config{})
	_, err := f.machine.Claim(ctx, "WO-100", alice)
	require.NoError(t, err)
	sum, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Settled: 1}, sum)

	// A second authority that never saw evt-0001.
	d = f.drainer(remote.NewMemory(), Config{})
	_, err = f.machine.Start(ctx, "WO-100", alice)
	require.NoError(t, err)
	sum, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Failed: 1}, sum)

	assert.Equal(t, model.SyncSettled, f.entry(t, "evt-0001").Status)
	failed := f.entry(t, "evt-0002")
	assert.Equal(t, model.SyncFailed, failed.Status)
	assert.Contains(t, failed.LastError, "CORRUPT_HISTORY")
	assert.Zero(t, f.changes.to(model.SyncConflicted))

	state, _, err := f.machine.Projections().Fresh(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, state.Status)
	assert.Equal(t, int64(2), state.LastSeq)
}

package usecase

import (
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/floorlog/internal/evidence"
	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/remote"
	"github.com/roach88/floorlog/internal/schema"
	"github.com/roach88/floorlog/internal/store"
	"github.com/roach88/floorlog/internal/syncqueue"
	"github.com/roach88/floorlog/internal/testutil"
)

var (
	t0         = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	assemblerA = model.Actor{ID: "assembler-a", Role: model.RoleAssembler}
	assemblerB = model.Actor{ID: "assembler-b", Role: model.RoleAssembler}
	inspector  = model.Actor{ID: "inspector-1", Role: model.RoleQcInspector}
	supervisor = model.Actor{ID: "super-1", Role: model.RoleSupervisor}
)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type env struct {
	svc       *Service
	store     *store.Store
	auth      *testutil.SwitchableAuth
	clock     *testutil.ManualClock
	authority *remote.Memory
	drainer   *syncqueue.Drainer
	waker     *countingWaker
	policy    *policy.Policy
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "floorlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := &env{
		store:     st,
		auth:      testutil.NewSwitchableAuth(assemblerA),
		clock:     testutil.NewManualClock(t0),
		authority: remote.NewMemory(remote.WithPayloadValidator(schema.MustNew())),
		waker:     &countingWaker{},
		policy:    policy.Default(),
	}
	policies := policy.NewStatic(e.policy)
	ev := evidence.New(st, evidence.NewMemBlobs())
	machine := lifecycle.New(st, ev, policies,
		lifecycle.WithClock(e.clock),
		lifecycle.WithDevice(testutil.StaticDevice("tablet-7")),
		lifecycle.WithIDs(testutil.NewSequentialIDs("evt")),
		lifecycle.WithPayloadValidator(schema.MustNew()),
	)
	e.drainer = syncqueue.New(st, e.authority, syncqueue.Config{MaxAttempts: 1},
		syncqueue.WithClock(e.clock),
		syncqueue.WithInvalidator(machine.Projections()),
	)
	e.svc = New(machine, st, ev, policies, e.auth,
		WithWaker(e.waker),
		WithClock(e.clock),
	)
	return e
}

func (e *env) as(actor model.Actor) *env {
	e.auth.SignIn(actor)
	return e
}

func (e *env) photo(t *testing.T, code, content string, tags ...string) string {
	t.Helper()
	item, err := e.svc.CaptureEvidence(t.Context(), CaptureRequest{
		WorkItemCode: code,
		Kind:         model.EvidencePhoto,
		Tags:         tags,
		Artifact:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return item.ID
}

func (e *env) toQc(t *testing.T, code string) {
	t.Helper()
	ctx := t.Context()
	_, err := e.as(assemblerA).svc.ClaimWorkItem(ctx, code)
	require.NoError(t, err)
	_, err = e.svc.StartWork(ctx, code)
	require.NoError(t, err)
	_, err = e.svc.MarkReadyForQc(ctx, code)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	_, err = e.as(inspector).svc.StartQcInspection(ctx, code)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
}

func TestService_FullCycleQueuesEveryEvent(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	e.toQc(t, "WO-100")
	p := e.photo(t, "WO-100", "front")
	state, err := e.svc.PassQc(ctx, "WO-100", []string{p}, lifecycle.QcOptions{Comment: "ok"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQcPassed, state.Status)
	assert.Equal(t, int32(5), e.waker.n.Load())

	entries, err := e.svc.QueueEntries(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	history, err := e.svc.History(ctx, "wo-100")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, model.EventQcPassed, history[4].Type)

	sum, err := e.drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Settled)
	counts, err := e.svc.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[model.SyncSettled])
}

func TestService_SecondClaimFails(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	_, err := e.as(assemblerA).svc.ClaimWorkItem(ctx, "WO-100")
	require.NoError(t, err)
	_, err = e.as(assemblerB).svc.ClaimWorkItem(ctx, "WO-100")
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	state, err := e.svc.State(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, assemblerA.ID, state.AssigneeID)
	assert.Equal(t, int32(1), e.waker.n.Load())
}

func TestService_PorosityFailNeedsRestart(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.toQc(t, "WO-100")

	p1 := e.photo(t, "WO-100", "left", "defect")
	p2 := e.photo(t, "WO-100", "right", "defect")
	state, err := e.svc.FailQc(ctx, "WO-100", "porosity", []string{p1, p2}, lifecycle.QcOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQcFailed, state.Status)

	_, err = e.as(assemblerA).svc.StartWork(ctx, "WO-100")
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	state, err = e.svc.Restart(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, state.Status)
}

func TestService_PassWithoutEvidenceRejected(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.toQc(t, "WO-100")

	_, err := e.svc.PassQc(ctx, "WO-100", nil, lifecycle.QcOptions{})
	require.True(t, model.IsEvidenceRejected(err), "got %v", err)
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.NotEmpty(t, me.Reasons)
}

func TestService_SignedOut(t *testing.T) {
	e := newEnv(t)
	e.auth.SignOut()

	_, err := e.svc.ClaimWorkItem(t.Context(), "WO-100")
	assert.True(t, model.IsUnauthorized(err), "got %v", err)
	_, err = e.svc.CaptureEvidence(t.Context(), CaptureRequest{
		WorkItemCode: "WO-100",
		Kind:         model.EvidenceNote,
		Artifact:     strings.NewReader("note"),
	})
	assert.True(t, model.IsUnauthorized(err), "got %v", err)
	assert.Zero(t, e.waker.n.Load())
}

func TestService_Register(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	_, err := e.as(assemblerA).svc.RegisterWorkItem(ctx, "WO-300")
	assert.True(t, model.IsUnauthorized(err), "got %v", err)

	state, err := e.as(supervisor).svc.RegisterWorkItem(ctx, "WO-300")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnclaimed, state.Status)
	assert.Equal(t, t0, state.CreatedAt)

	items, err := e.svc.WorkItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "WO-300", items[0].Code)
}

func TestService_AuditDetectsPolicyChange(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.toQc(t, "WO-100")
	p := e.photo(t, "WO-100", "front")
	_, err := e.svc.PassQc(ctx, "WO-100", []string{p}, lifecycle.QcOptions{})
	require.NoError(t, err)

	findings, err := e.svc.Audit(ctx, "WO-100")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.True(t, findings[0].Decision.Accepted, findings[0].Decision.Reasons)
	assert.Equal(t, "builtin-1", findings[0].RecordedVersion)

	e.policy.Version = "strict-2"
	e.policy.Pass.MinPhotos = 2
	findings, err = e.svc.Audit(ctx, "WO-100")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.False(t, findings[0].Decision.Accepted)
	assert.Equal(t, "strict-2", findings[0].AuditVersion)
	assert.Equal(t, "builtin-1", findings[0].RecordedVersion)
}

func TestService_ResolveConflict(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	// The same assembler claimed WO-100 from another tablet first.
	_, err := e.authority.PushEvents(ctx, []model.WorkEvent{{
		EventID:      "remote-claim",
		WorkItemCode: "WO-100",
		Type:         model.EventClaimed,
		ActorID:      assemblerA.ID,
		ActorRole:    assemblerA.Role,
		DeviceID:     "tablet-9",
		OccurredAt:   t0,
	}})
	require.NoError(t, err)

	_, err = e.as(assemblerA).svc.ClaimWorkItem(ctx, "WO-100")
	require.NoError(t, err)
	_, err = e.svc.StartWork(ctx, "WO-100")
	require.NoError(t, err)
	_, err = e.drainer.DrainOnce(ctx)
	require.NoError(t, err)

	conflicted, err := e.svc.QueueEntries(ctx, model.SyncConflicted, 0)
	require.NoError(t, err)
	require.Len(t, conflicted, 2)
	claimEntry, startEntry := conflicted[0], conflicted[1]

	// Resubmitting the claim is no longer valid; the entry stays open.
	_, err = e.svc.ResolveConflict(ctx, claimEntry.ID, model.ResolutionResubmitted)
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	res, err := e.svc.ResolveConflict(ctx, claimEntry.ID, model.ResolutionDiscarded)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionDiscarded, res.Entry.Resolution)
	assert.Equal(t, model.StatusClaimed, res.State.Status)

	_, err = e.svc.ResolveConflict(ctx, claimEntry.ID, model.ResolutionDiscarded)
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)

	res, err = e.svc.ResolveConflict(ctx, startEntry.ID, model.ResolutionResubmitted)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionResubmitted, res.Entry.Resolution)
	assert.Equal(t, model.StatusInProgress, res.State.Status)

	sum, err := e.drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Settled)
	history, err := e.authority.History(ctx, "WO-100")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_RetryFailed(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.authority.SetReachable(false)

	_, err := e.as(assemblerA).svc.ClaimWorkItem(ctx, "WO-100")
	require.NoError(t, err)
	_, err = e.drainer.DrainOnce(ctx)
	require.NoError(t, err)

	failed, err := e.svc.QueueEntries(ctx, model.SyncFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	entry, err := e.svc.RetryFailed(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, entry.Status)
	assert.Zero(t, entry.AttemptCount)

	_, err = e.svc.RetryFailed(ctx, failed[0].ID)
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)

	_, err = e.svc.QueueEntries(ctx, model.SyncStatus("Lost"), 0)
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)
}

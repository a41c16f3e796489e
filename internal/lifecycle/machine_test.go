package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/floorlog/internal/evidence"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/schema"
	"github.com/roach88/floorlog/internal/store"
	"github.com/roach88/floorlog/internal/testutil"
)

var (
	t0         = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	assemblerA = model.Actor{ID: "assembler-a", Role: model.RoleAssembler}
	assemblerB = model.Actor{ID: "assembler-b", Role: model.RoleAssembler}
	inspector  = model.Actor{ID: "inspector-1", Role: model.RoleQcInspector}
	supervisor = model.Actor{ID: "super-1", Role: model.RoleSupervisor}
)

type fixture struct {
	store    *store.Store
	evidence *evidence.Store
	clock    *testutil.ManualClock
	machine  *Machine
}

func newFixture(t *testing.T, log EventLog) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "floorlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if log == nil {
		log = st
	} else if r, ok := log.(*racingLog); ok {
		r.Store = st
	}

	f := &fixture{
		store:    st,
		evidence: evidence.New(st, evidence.NewMemBlobs()),
		clock:    testutil.NewManualClock(t0),
	}
	f.machine = New(log, f.evidence, policy.NewStatic(policy.Default()),
		WithClock(f.clock),
		WithDevice(testutil.StaticDevice("tablet-7")),
		WithIDs(testutil.NewSequentialIDs("evt")),
		WithPayloadValidator(schema.MustNew()),
	)
	return f
}

func (f *fixture) photo(t *testing.T, code, content string, tags ...string) string {
	t.Helper()
	item, err := f.evidence.Put(t.Context(), evidence.Capture{
		WorkItemCode: code,
		Kind:         model.EvidencePhoto,
		Tags:         tags,
		CapturedAt:   f.clock.Now(),
		CapturedBy:   inspector.ID,
		Artifact:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return item.ID
}

// toQc drives code to QcInProgress.
func (f *fixture) toQc(t *testing.T, code string) {
	t.Helper()
	ctx := t.Context()
	_, err := f.machine.Claim(ctx, code, assemblerA)
	require.NoError(t, err)
	_, err = f.machine.Start(ctx, code, assemblerA)
	require.NoError(t, err)
	_, err = f.machine.MarkReady(ctx, code, assemblerA)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.machine.StartQc(ctx, code, inspector)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
}

func TestMachine_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	f.toQc(t, "wo-100")
	p := f.photo(t, "WO-100", "front")

	res, err := f.machine.PassQc(ctx, "WO-100", inspector, []string{p}, QcOptions{Comment: "clean welds"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQcPassed, res.State.Status)
	assert.Equal(t, int64(5), res.Event.Seq)
	assert.Equal(t, "builtin-1", res.Event.Payload.PolicyVersion)
	assert.Equal(t, []string{p}, res.Event.Payload.Evidence)
	assert.Equal(t, "tablet-7", res.Event.DeviceID)
	assert.Equal(t, model.SyncPending, res.Entry.Status)
	assert.Equal(t, res.Event.EventID, res.Entry.EventID)

	events, err := f.store.Events(ctx, "WO-100")
	require.NoError(t, err)
	assert.Len(t, events, 5)

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[model.SyncPending])
}

func TestMachine_SecondClaimRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.machine.Claim(ctx, "WO-100", assemblerA)
	require.NoError(t, err)

	_, err = f.machine.Claim(ctx, "WO-100", assemblerB)
	require.Error(t, err)
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	state, _, err := f.machine.Projections().Fresh(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, assemblerA.ID, state.AssigneeID)
	assert.Equal(t, int64(1), state.LastSeq)
}

func TestMachine_FailThenRestart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	f.toQc(t, "WO-100")
	p1 := f.photo(t, "WO-100", "crack-left", "defect", "porosity")
	p2 := f.photo(t, "WO-100", "crack-right", "defect")

	res, err := f.machine.FailQc(ctx, "WO-100", inspector, "Porosity", []string{p1, p2}, QcOptions{Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQcFailed, res.State.Status)
	assert.Equal(t, "porosity", res.Event.Payload.ReasonCode)
	assert.Equal(t, "porosity", res.State.LastFailReason)

	_, err = f.machine.Start(ctx, "WO-100", assemblerA)
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	_, err = f.machine.Restart(ctx, "WO-100", assemblerB)
	assert.True(t, model.IsUnauthorized(err), "got %v", err)

	res, err = f.machine.Restart(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, res.State.Status)
	assert.Equal(t, 1, res.State.ReworkCycles)
	assert.Empty(t, res.State.QcInspectorID)
}

func TestMachine_EvidenceRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	f.toQc(t, "WO-100")

	_, err := f.machine.PassQc(ctx, "WO-100", inspector, nil, QcOptions{})
	require.Error(t, err)
	require.True(t, model.IsEvidenceRejected(err), "got %v", err)
	assert.Contains(t, err.Error(), "requires at least 1 photo(s), got 0")

	_, err = f.machine.PassQc(ctx, "WO-100", inspector, []string{"no-such-evidence"}, QcOptions{})
	assert.True(t, model.IsEvidenceRejected(err), "got %v", err)

	// One tagged photo is not enough to fail.
	p := f.photo(t, "WO-100", "crack", "defect")
	_, err = f.machine.FailQc(ctx, "WO-100", inspector, "porosity", []string{p}, QcOptions{})
	assert.True(t, model.IsEvidenceRejected(err), "got %v", err)

	head, err := f.store.HeadSeq(ctx, "WO-100")
	require.NoError(t, err)
	assert.Equal(t, int64(4), head)
}

func TestMachine_EvidenceBeforeQcStartRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.machine.Claim(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	early := f.photo(t, "WO-100", "early")
	_, err = f.machine.Start(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	_, err = f.machine.MarkReady(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.machine.StartQc(ctx, "WO-100", inspector)
	require.NoError(t, err)

	_, err = f.machine.PassQc(ctx, "WO-100", inspector, []string{early}, QcOptions{})
	require.True(t, model.IsEvidenceRejected(err), "got %v", err)
	assert.Contains(t, err.Error(), "predates QC start")
}

func TestMachine_EvidenceFromOtherItemRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	f.toQc(t, "WO-100")
	other := f.photo(t, "WO-200", "elsewhere")

	_, err := f.machine.PassQc(ctx, "WO-100", inspector, []string{other}, QcOptions{})
	require.True(t, model.IsEvidenceRejected(err), "got %v", err)
	assert.Contains(t, err.Error(), "belongs to work item WO-200")
}

func TestMachine_Authorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.machine.Claim(ctx, "WO-100", inspector)
	assert.True(t, model.IsUnauthorized(err), "inspector claim: %v", err)

	_, err = f.machine.Register(ctx, "WO-100", assemblerA)
	assert.True(t, model.IsUnauthorized(err), "assembler register: %v", err)

	_, err = f.machine.Claim(ctx, "WO-100", assemblerA)
	require.NoError(t, err)

	_, err = f.machine.Start(ctx, "WO-100", assemblerB)
	assert.True(t, model.IsUnauthorized(err), "non-assignee start: %v", err)

	// The state check wins over the role check.
	_, err = f.machine.StartQc(ctx, "WO-100", assemblerA)
	assert.True(t, model.IsInvalidTransition(err), "start QC on Claimed: %v", err)

	_, err = f.machine.Start(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	_, err = f.machine.MarkReady(ctx, "WO-100", assemblerA)
	require.NoError(t, err)

	_, err = f.machine.StartQc(ctx, "WO-100", assemblerA)
	assert.True(t, model.IsUnauthorized(err), "assembler start QC: %v", err)

	_, err = f.machine.StartQc(ctx, "WO-100", supervisor)
	assert.NoError(t, err)

	_, err = f.machine.Claim(ctx, "WO-100", model.Actor{ID: "", Role: model.RoleAssembler})
	assert.Error(t, err)
}

func TestMachine_RegisterOnlyFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.machine.Register(ctx, "WO-300", supervisor)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnclaimed, res.State.Status)

	_, err = f.machine.Register(ctx, "WO-300", supervisor)
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	res, err = f.machine.Claim(ctx, "WO-300", assemblerA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, res.State.Status)
}

func TestMachine_InvalidCode(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.machine.Claim(t.Context(), "  ", assemblerA)
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)
}

func TestMachine_InvalidPayload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	f.toQc(t, "WO-100")
	p1 := f.photo(t, "WO-100", "a", "defect")
	p2 := f.photo(t, "WO-100", "b", "defect")

	_, err := f.machine.FailQc(ctx, "WO-100", inspector, "bad?reason", []string{p1, p2}, QcOptions{})
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)

	_, err = f.machine.PassQc(ctx, "WO-100", inspector, []string{p1}, QcOptions{Priority: 9})
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)
}

func TestMachine_CorruptHistoryBlocksTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	bad := model.WorkEvent{
		EventID:      "evt-bad",
		WorkItemCode: "WO-100",
		Type:         model.EventStarted,
		ActorID:      assemblerA.ID,
		ActorRole:    assemblerA.Role,
		DeviceID:     "tablet-7",
		OccurredAt:   t0,
	}
	_, _, err := f.store.AppendEvent(ctx, bad, 0, t0)
	require.NoError(t, err)

	_, err = f.machine.Claim(ctx, "WO-100", assemblerA)
	require.Error(t, err)
	assert.True(t, model.IsCorruptHistory(err), "got %v", err)
}

// racingLog commits a competing claim just before the first append it sees.
type racingLog struct {
	*store.Store
	raced bool
}

func (r *racingLog) AppendEvent(ctx context.Context, ev model.WorkEvent, expectedHead int64, now time.Time) (model.WorkEvent, model.SyncEntry, error) {
	if !r.raced {
		r.raced = true
		rival := ev
		rival.EventID = "evt-rival"
		rival.ActorID = assemblerB.ID
		if _, _, err := r.Store.AppendEvent(ctx, rival, expectedHead, now); err != nil {
			return model.WorkEvent{}, model.SyncEntry{}, err
		}
	}
	return r.Store.AppendEvent(ctx, ev, expectedHead, now)
}

func TestMachine_LostRaceRevalidates(t *testing.T) {
	log := &racingLog{}
	f := newFixture(t, log)
	ctx := t.Context()

	_, err := f.machine.Claim(ctx, "WO-100", assemblerA)
	require.Error(t, err)
	assert.True(t, model.IsInvalidTransition(err), "got %v", err)

	events, err := f.store.Events(ctx, "WO-100")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-rival", events[0].EventID)
	assert.Equal(t, assemblerB.ID, events[0].ActorID)
}

func TestMachine_Resubmit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	claimed, err := f.machine.Claim(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	started, err := f.machine.Start(ctx, "WO-100", assemblerA)
	require.NoError(t, err)

	_, err = f.store.Rebase(ctx, "WO-100", []model.WorkEvent{claimed.Event}, started.Event.EventID, "rejected upstream", t0)
	require.NoError(t, err)
	conflicted, err := f.store.Entry(ctx, started.Entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.SyncConflicted, conflicted.Status)

	res, err := f.machine.Resubmit(ctx, started.Event, conflicted.ID, assemblerA)
	require.NoError(t, err)
	assert.NotEqual(t, started.Event.EventID, res.Event.EventID)
	assert.Equal(t, model.StatusInProgress, res.State.Status)

	resolved, err := f.store.Entry(ctx, conflicted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionResubmitted, resolved.Resolution)
}

func TestMachine_ResubmitTwiceAppendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	claimed, err := f.machine.Claim(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	started, err := f.machine.Start(ctx, "WO-100", assemblerA)
	require.NoError(t, err)
	_, err = f.store.Rebase(ctx, "WO-100", []model.WorkEvent{claimed.Event}, started.Event.EventID, "rejected upstream", t0)
	require.NoError(t, err)

	_, err = f.machine.Resubmit(ctx, started.Event, started.Entry.ID, assemblerA)
	require.NoError(t, err)
	before, err := f.store.Events(ctx, "WO-100")
	require.NoError(t, err)

	// A valid next action still must not append against a closed entry.
	next := started.Event
	next.Type = model.EventReadyForQc
	_, err = f.machine.Resubmit(ctx, next, started.Entry.ID, assemblerA)
	require.Error(t, err)
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)

	after, err := f.store.Events(ctx, "WO-100")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestMachine_ResubmitRequiresConflictedEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	claimed, err := f.machine.Claim(ctx, "WO-100", assemblerA)
	require.NoError(t, err)

	original := claimed.Event
	original.Type = model.EventStarted
	_, err = f.machine.Resubmit(ctx, original, claimed.Entry.ID, assemblerA)
	require.Error(t, err)
	assert.True(t, model.IsInvalidArgument(err), "got %v", err)

	events, err := f.store.Events(ctx, "WO-100")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAuthorize_UnknownType(t *testing.T) {
	err := Authorize(model.NewWorkItemState("WO-1"), assemblerA, model.EventType("Teleported"))
	assert.True(t, model.IsInvalidArgument(err))
}

package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/floorlog/internal/model"
)

func queued() map[string][]model.WorkEvent {
	histories := shift()
	histories["WO-500"] = history("WO-500",
		step{model.EventClaimed, "assembler-b", 0, ""},
		step{model.EventStarted, "assembler-b", time.Minute, ""},
		step{model.EventReadyForQc, "assembler-b", 10 * time.Minute, ""},
	)
	histories["WO-600"] = history("WO-600",
		step{model.EventClaimed, "assembler-a", 0, ""},
		step{model.EventStarted, "assembler-a", time.Minute, ""},
		step{model.EventReadyForQc, "assembler-a", 50 * time.Minute, ""},
	)
	return histories
}

func TestComputeKPIs(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	k := ComputeKPIs(queued(), now)

	assert.Equal(t, 6, k.TotalWorkItems)
	assert.Equal(t, map[model.Status]int{
		model.StatusQcPassed:   1,
		model.StatusQcFailed:   1,
		model.StatusInProgress: 1,
		model.StatusUnclaimed:  1,
		model.StatusReadyForQc: 2,
	}, k.ByStatus)
	assert.Zero(t, k.Corrupt)
	// WO-500 has waited 110m and WO-600 70m.
	assert.Equal(t, 90*time.Minute, k.AvgQcWait)
	assert.InDelta(t, 0.5, k.QcPassRate, 1e-9)
}

func TestComputeKPIs_Empty(t *testing.T) {
	k := ComputeKPIs(nil, t0)
	assert.Zero(t, k.TotalWorkItems)
	assert.Zero(t, k.AvgQcWait)
	assert.Zero(t, k.QcPassRate)
}

func TestBottleneck_LongestWaitFirst(t *testing.T) {
	now := t0.Add(2 * time.Hour)

	waiting := Bottleneck(queued(), now, 0)
	assert.Equal(t, []Waiting{
		{Code: "WO-500", AssigneeID: "assembler-b", ReadyForQcSince: t0.Add(10 * time.Minute), Wait: 110 * time.Minute},
		{Code: "WO-600", AssigneeID: "assembler-a", ReadyForQcSince: t0.Add(50 * time.Minute), Wait: 70 * time.Minute},
	}, waiting)

	waiting = Bottleneck(queued(), now, 90*time.Minute)
	assert.Len(t, waiting, 1)
	assert.Equal(t, "WO-500", waiting[0].Code)

	assert.Empty(t, Bottleneck(queued(), now, 3*time.Hour))
}

func TestBottleneck_IgnoresItemsPickedUpForQc(t *testing.T) {
	histories := queued()
	histories["WO-600"] = append(histories["WO-600"], model.WorkEvent{
		EventID:      "WO-600-qc",
		WorkItemCode: "WO-600",
		Type:         model.EventQcStarted,
		ActorID:      "inspector-1",
		OccurredAt:   t0.Add(55 * time.Minute),
		Seq:          4,
	})

	waiting := Bottleneck(histories, t0.Add(2*time.Hour), 0)
	assert.Len(t, waiting, 1)
	assert.Equal(t, "WO-500", waiting[0].Code)
}

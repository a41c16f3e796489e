package report

import (
	"cmp"
	"slices"
	"time"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/projector"
)

// KPIs are shop-floor figures derived from the projected state of every work
// item at one instant.
type KPIs struct {
	TotalWorkItems int                  `json:"total_work_items"`
	ByStatus       map[model.Status]int `json:"by_status"`
	Corrupt        int                  `json:"corrupt"`
	// AvgQcWait is the mean time items currently ReadyForQc have waited.
	AvgQcWait time.Duration `json:"avg_qc_wait_ns"`
	// QcPassRate is QcPassed over QcPassed plus QcFailed, 0 when neither
	// status is held.
	QcPassRate float64 `json:"qc_pass_rate"`
}

// ComputeKPIs projects every history and aggregates the result as of now.
func ComputeKPIs(histories map[string][]model.WorkEvent, now time.Time) KPIs {
	k := KPIs{ByStatus: map[model.Status]int{}}
	var (
		waiting int
		waited  time.Duration
	)
	for code, events := range histories {
		state := projector.Project(code, events)
		k.TotalWorkItems++
		k.ByStatus[state.Status]++
		if state.Corrupt() {
			k.Corrupt++
		}
		if state.Status == model.StatusReadyForQc && !state.ReadyForQcSince.IsZero() {
			waiting++
			waited += max(now.Sub(state.ReadyForQcSince), 0)
		}
	}
	if waiting > 0 {
		k.AvgQcWait = waited / time.Duration(waiting)
	}
	if done := k.ByStatus[model.StatusQcPassed] + k.ByStatus[model.StatusQcFailed]; done > 0 {
		k.QcPassRate = float64(k.ByStatus[model.StatusQcPassed]) / float64(done)
	}
	return k
}

// Waiting is a work item queued for QC.
type Waiting struct {
	Code            string        `json:"code"`
	AssigneeID      string        `json:"assignee_id,omitempty"`
	ReadyForQcSince time.Time     `json:"ready_for_qc_since"`
	Wait            time.Duration `json:"wait_ns"`
}

// Bottleneck returns the items that have been ReadyForQc for at least
// threshold as of now, longest wait first and ties by code.
func Bottleneck(histories map[string][]model.WorkEvent, now time.Time, threshold time.Duration) []Waiting {
	out := []Waiting{}
	for code, events := range histories {
		state := projector.Project(code, events)
		if state.Status != model.StatusReadyForQc || state.ReadyForQcSince.IsZero() {
			continue
		}
		wait := now.Sub(state.ReadyForQcSince)
		if wait < threshold {
			continue
		}
		out = append(out, Waiting{
			Code:            code,
			AssigneeID:      state.AssigneeID,
			ReadyForQcSince: state.ReadyForQcSince,
			Wait:            wait,
		})
	}
	slices.SortFunc(out, func(a, b Waiting) int {
		if c := cmp.Compare(b.Wait, a.Wait); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return out
}

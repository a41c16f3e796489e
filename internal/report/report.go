// Package report derives shift statistics and CSV summaries from live work
// item histories.
package report

import (
	"encoding/csv"
	"io"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/projector"
)

// Period bounds QC outcomes by OccurredAt, From inclusive and To exclusive.
// Zero bounds are open.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) contains(t time.Time) bool {
	if !p.From.IsZero() && t.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && !t.Before(p.To) {
		return false
	}
	return true
}

// ShiftCounts counts work items by their latest QC outcome in the period.
type ShiftCounts struct {
	TotalDone int `json:"total_done"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
}

// Shift computes ShiftCounts over histories keyed by work item code.
func Shift(histories map[string][]model.WorkEvent, period Period) ShiftCounts {
	var counts ShiftCounts
	for _, events := range histories {
		latest, ok := latestOutcome(events, period)
		if !ok {
			continue
		}
		counts.TotalDone++
		if latest.Type == model.EventQcPassed {
			counts.Passed++
		} else {
			counts.Failed++
		}
	}
	return counts
}

// ReasonCount is one row of FailReasons.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// FailReasons aggregates QC failure reason codes in the period, most
// frequent first and ties by reason.
func FailReasons(histories map[string][]model.WorkEvent, period Period) []ReasonCount {
	counts := map[string]int{}
	for _, events := range histories {
		for _, ev := range events {
			if ev.Voided || ev.Type != model.EventQcFailed || !period.contains(ev.OccurredAt) {
				continue
			}
			if ev.Payload.ReasonCode != "" {
				counts[ev.Payload.ReasonCode]++
			}
		}
	}
	return rank(counts)
}

func rank(counts map[string]int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

// Header is the CSV summary header.
var Header = []string{
	"work_item_code",
	"status",
	"assignee",
	"qc_pass",
	"fail_count",
	"top_fail_reason",
	"started_at",
	"completed_at",
	"duration_sec",
}

// Row summarises one work item.
type Row struct {
	Code          string
	Status        model.Status
	Assignee      string
	QcPass        *bool
	FailCount     int
	TopFailReason string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Duration is CompletedAt minus StartedAt, or false when either is unknown
// or they are out of order.
func (r Row) Duration() (time.Duration, bool) {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() || r.CompletedAt.Before(r.StartedAt) {
		return 0, false
	}
	return r.CompletedAt.Sub(r.StartedAt), true
}

// Summary builds one Row per work item, sorted by code.
func Summary(histories map[string][]model.WorkEvent) []Row {
	codes := make([]string, 0, len(histories))
	for code := range histories {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	rows := make([]Row, 0, len(codes))
	for _, code := range codes {
		events := histories[code]
		state := projector.Project(code, events)
		row := Row{
			Code:     code,
			Status:   state.Status,
			Assignee: state.AssigneeID,
		}
		if latest, ok := latestOutcome(events, Period{}); ok {
			pass := latest.Type == model.EventQcPassed
			row.QcPass = &pass
		}

		reasons := map[string]int{}
		for _, ev := range events {
			if ev.Voided {
				continue
			}
			switch ev.Type {
			case model.EventClaimed, model.EventStarted, model.EventReworkStarted:
				if row.StartedAt.IsZero() || ev.OccurredAt.Before(row.StartedAt) {
					row.StartedAt = ev.OccurredAt
				}
			case model.EventQcPassed, model.EventQcFailed:
				if ev.OccurredAt.After(row.CompletedAt) {
					row.CompletedAt = ev.OccurredAt
				}
				if ev.Type == model.EventQcFailed {
					row.FailCount++
					if ev.Payload.ReasonCode != "" {
						reasons[ev.Payload.ReasonCode]++
					}
				}
			}
		}
		if ranked := rank(reasons); len(ranked) > 0 {
			row.TopFailReason = ranked[0].Reason
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes Header followed by rows.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		qcPass := ""
		if r.QcPass != nil {
			qcPass = strconv.FormatBool(*r.QcPass)
		}
		duration := ""
		if d, ok := r.Duration(); ok {
			duration = strconv.FormatInt(int64(d/time.Second), 10)
		}
		record := []string{
			r.Code,
			string(r.Status),
			r.Assignee,
			qcPass,
			strconv.Itoa(r.FailCount),
			r.TopFailReason,
			formatTime(r.StartedAt),
			formatTime(r.CompletedAt),
			duration,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func latestOutcome(events []model.WorkEvent, period Period) (model.WorkEvent, bool) {
	var (
		latest model.WorkEvent
		found  bool
	)
	for _, ev := range events {
		if !ev.Type.IsQcOutcome() || ev.Voided || !period.contains(ev.OccurredAt) {
			continue
		}
		if !found || ev.OccurredAt.After(latest.OccurredAt) ||
			(ev.OccurredAt.Equal(latest.OccurredAt) && ev.EventID > latest.EventID) {
			latest, found = ev, true
		}
	}
	return latest, found
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

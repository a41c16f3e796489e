package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/floorlog/internal/model"
)

var (
	qcStart   = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	submitted = qcStart.Add(10 * time.Minute)
)

func photo(id string, at time.Time, tags ...string) model.EvidenceItem {
	return model.EvidenceItem{ID: id, WorkItemCode: "WO-100", Kind: model.EvidencePhoto, Tags: tags, CapturedAt: at}
}

func input(reason string) Input {
	return Input{WorkItemCode: "WO-100", ReasonCode: reason, SubmittedAt: submitted, QcStartedAt: qcStart}
}

func TestEvaluate_PassNeedsAPhoto(t *testing.T) {
	p := Default()

	d := p.Evaluate(OutcomePass, nil, input(""))
	assert.False(t, d.Accepted)
	assert.Equal(t, []string{"requires at least 1 photo(s), got 0"}, d.Reasons)

	d = p.Evaluate(OutcomePass, []model.EvidenceItem{photo("p1", qcStart.Add(time.Minute))}, input(""))
	assert.True(t, d.Accepted)
	assert.Empty(t, d.Reasons)
}

func TestEvaluate_FailWithTwoTaggedPhotos(t *testing.T) {
	p := Default()
	evidence := []model.EvidenceItem{
		photo("p1", qcStart.Add(2*time.Minute), "defect", "porosity"),
		photo("p2", qcStart.Add(3*time.Minute), "defect"),
	}

	d := p.Evaluate(OutcomeFail, evidence, input("porosity"))
	assert.True(t, d.Accepted, d.Reasons)
}

func TestEvaluate_FailListsEveryProblem(t *testing.T) {
	p := Default()
	evidence := []model.EvidenceItem{photo("p1", qcStart.Add(time.Minute))}

	d := p.Evaluate(OutcomeFail, evidence, input(""))
	assert.False(t, d.Accepted)
	assert.Equal(t, []string{
		"reason code is required",
		"requires at least 2 photo(s), got 1",
		`no photo tagged "defect"`,
	}, d.Reasons)
}

func TestEvaluate_EvidenceEligibility(t *testing.T) {
	p := Default()

	tests := []struct {
		name   string
		item   model.EvidenceItem
		reason string
	}{
		{"other work item", model.EvidenceItem{ID: "x", WorkItemCode: "WO-999", Kind: model.EvidencePhoto, CapturedAt: qcStart}, "evidence x belongs to work item WO-999"},
		{"stale", photo("x", submitted.Add(-2*time.Hour)), "evidence x is older than 60 minutes"},
		{"future", photo("x", submitted.Add(10*time.Minute)), "evidence x is captured after submission"},
		{"before qc start", photo("x", qcStart.Add(-time.Minute)), "evidence x predates QC start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(OutcomePass, []model.EvidenceItem{tt.item}, input(""))
			assert.False(t, d.Accepted)
			assert.Contains(t, d.Reasons, tt.reason)
			assert.Contains(t, d.Reasons, "requires at least 1 photo(s), got 0")
		})
	}
}

func TestEvaluate_ClockSkewTolerated(t *testing.T) {
	p := Default()
	d := p.Evaluate(OutcomePass, []model.EvidenceItem{photo("p1", submitted.Add(time.Minute))}, input(""))
	assert.True(t, d.Accepted, d.Reasons)
}

func TestEvaluate_DuplicateReferencesCountOnce(t *testing.T) {
	p := Default()
	p1 := photo("p1", qcStart.Add(time.Minute), "defect")
	d := p.Evaluate(OutcomeFail, []model.EvidenceItem{p1, p1}, input("porosity"))
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reasons, "requires at least 2 photo(s), got 1")
}

func TestEvaluate_NotesDoNotCountAsPhotos(t *testing.T) {
	p := Default()
	note := model.EvidenceItem{ID: "n1", WorkItemCode: "WO-100", Kind: model.EvidenceNote, Tags: []string{"defect"}, CapturedAt: qcStart.Add(time.Minute)}
	d := p.Evaluate(OutcomePass, []model.EvidenceItem{note}, input(""))
	assert.False(t, d.Accepted)
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := Default()
	evidence := []model.EvidenceItem{photo("p1", qcStart.Add(-time.Minute))}
	a := p.Evaluate(OutcomeFail, evidence, input(""))
	b := p.Evaluate(OutcomeFail, evidence, input(""))
	assert.Equal(t, a, b)
}

func TestEvaluate_UnknownOutcome(t *testing.T) {
	d := Default().Evaluate(Outcome("maybe"), nil, input(""))
	assert.False(t, d.Accepted)
	require.Len(t, d.Reasons, 1)
}

func TestOutcomeFor(t *testing.T) {
	o, ok := OutcomeFor(model.EventQcFailed)
	assert.True(t, ok)
	assert.Equal(t, OutcomeFail, o)
	_, ok = OutcomeFor(model.EventStarted)
	assert.False(t, ok)
}

// Package policy decides whether evidence supports a QC outcome.
//
// Evaluate is a pure function of the policy, the outcome, the evidence and
// the submission context. The same inputs always produce the same Decision,
// so a recorded outcome can be re-verified later from its evidence
// references and timestamp.
package policy

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/floorlog/internal/model"
)

// Outcome is the QC verdict being submitted.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// OutcomeFor maps a QC outcome event type to its Outcome.
func OutcomeFor(t model.EventType) (Outcome, bool) {
	switch t {
	case model.EventQcPassed:
		return OutcomePass, true
	case model.EventQcFailed:
		return OutcomeFail, true
	}
	return "", false
}

// Rule lists the requirements for one outcome. Zero values disable a check.
type Rule struct {
	MinPhotos        int      `json:"min_photos"`
	MinNotes         int      `json:"min_notes"`
	RequiredTags     []string `json:"required_tags"`
	FreshnessMinutes int      `json:"freshness_minutes"`
	AfterQcStart     bool     `json:"after_qc_start"`
	RequireReason    bool     `json:"require_reason"`
	AllowedReasons   []string `json:"allowed_reasons"`
}

// Policy is a versioned rule set. The version is recorded on every QC
// outcome event.
type Policy struct {
	Version             string `json:"version"`
	MaxClockSkewSeconds int    `json:"max_clock_skew_seconds"`
	Pass                Rule   `json:"pass"`
	Fail                Rule   `json:"fail"`
}

// Default returns the built-in policy used when no policy file is configured.
func Default() *Policy {
	return &Policy{
		Version:             "builtin-1",
		MaxClockSkewSeconds: 120,
		Pass: Rule{
			MinPhotos:        1,
			FreshnessMinutes: 60,
			AfterQcStart:     true,
		},
		Fail: Rule{
			MinPhotos:        2,
			RequiredTags:     []string{"defect"},
			FreshnessMinutes: 60,
			AfterQcStart:     true,
			RequireReason:    true,
		},
	}
}

// Input is the submission context of a QC outcome.
type Input struct {
	WorkItemCode string
	ReasonCode   string
	SubmittedAt  time.Time
	QcStartedAt  time.Time
}

// Decision is the result of Evaluate. Reasons has one entry per failed
// requirement, in a stable order.
type Decision struct {
	Accepted bool     `json:"accepted"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Evaluate checks evidence against the rule for outcome.
//
// Every referenced item must belong to the work item, be captured inside
// the freshness window (and not after submission beyond the allowed clock
// skew), and not predate QC start when the rule asks for it. Only items
// passing those checks count toward the minimums and required tags.
func (p *Policy) Evaluate(outcome Outcome, evidence []model.EvidenceItem, in Input) Decision {
	var rule Rule
	switch outcome {
	case OutcomePass:
		rule = p.Pass
	case OutcomeFail:
		rule = p.Fail
	default:
		return Decision{Reasons: []string{fmt.Sprintf("unknown outcome %q", outcome)}}
	}

	var reasons []string
	if rule.RequireReason && in.ReasonCode == "" {
		reasons = append(reasons, "reason code is required")
	}
	if in.ReasonCode != "" && len(rule.AllowedReasons) > 0 && !slices.Contains(rule.AllowedReasons, in.ReasonCode) {
		reasons = append(reasons, fmt.Sprintf("reason code %q is not allowed", in.ReasonCode))
	}

	skew := time.Duration(p.MaxClockSkewSeconds) * time.Second
	window := time.Duration(rule.FreshnessMinutes) * time.Minute

	var photos, notes int
	tags := make(map[string]bool)
	seen := make(map[string]bool)
	for _, item := range evidence {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true

		switch {
		case item.WorkItemCode != in.WorkItemCode:
			reasons = append(reasons, fmt.Sprintf("evidence %s belongs to work item %s", item.ID, item.WorkItemCode))
			continue
		case item.CapturedAt.After(in.SubmittedAt.Add(skew)):
			reasons = append(reasons, fmt.Sprintf("evidence %s is captured after submission", item.ID))
			continue
		case window > 0 && item.CapturedAt.Before(in.SubmittedAt.Add(-window)):
			reasons = append(reasons, fmt.Sprintf("evidence %s is older than %d minutes", item.ID, rule.FreshnessMinutes))
			continue
		case rule.AfterQcStart && !in.QcStartedAt.IsZero() && item.CapturedAt.Before(in.QcStartedAt):
			reasons = append(reasons, fmt.Sprintf("evidence %s predates QC start", item.ID))
			continue
		}

		switch item.Kind {
		case model.EvidencePhoto:
			photos++
			for _, tag := range item.Tags {
				tags[tag] = true
			}
		case model.EvidenceNote:
			notes++
		}
	}

	if photos < rule.MinPhotos {
		reasons = append(reasons, fmt.Sprintf("requires at least %d photo(s), got %d", rule.MinPhotos, photos))
	}
	if notes < rule.MinNotes {
		reasons = append(reasons, fmt.Sprintf("requires at least %d note(s), got %d", rule.MinNotes, notes))
	}
	for _, tag := range rule.RequiredTags {
		if !tags[tag] {
			reasons = append(reasons, fmt.Sprintf("no photo tagged %q", tag))
		}
	}

	return Decision{Accepted: len(reasons) == 0, Reasons: reasons}
}

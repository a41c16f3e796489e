package usecase

import (
	"context"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/projector"
)

// Finding is the re-evaluation of one recorded QC outcome.
type Finding struct {
	EventID         string          `json:"event_id"`
	Seq             int64           `json:"seq"`
	Type            model.EventType `json:"type"`
	ActorID         string          `json:"actor_id"`
	RecordedVersion string          `json:"recorded_policy_version"`
	AuditVersion    string          `json:"audit_policy_version"`
	Decision        policy.Decision `json:"decision"`
}

// Audit re-evaluates every live QC outcome of a work item against the
// current policy, using the evidence it references and its own timestamp.
// Findings that are not accepted point at outcomes the current rules would
// refuse, either because the rules changed (compare the versions) or
// because evidence was altered.
func (s *Service) Audit(ctx context.Context, code string) ([]Finding, error) {
	code, err := model.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	events, err := s.log.Events(ctx, code)
	if err != nil {
		return nil, err
	}
	pol := s.policies.Current()

	findings := []Finding{}
	state := model.NewWorkItemState(code)
	for _, ev := range events {
		if ev.Voided {
			continue
		}
		if outcome, ok := policy.OutcomeFor(ev.Type); ok {
			f := Finding{
				EventID:         ev.EventID,
				Seq:             ev.Seq,
				Type:            ev.Type,
				ActorID:         ev.ActorID,
				RecordedVersion: ev.Payload.PolicyVersion,
				AuditVersion:    pol.Version,
			}
			items, err := s.evidence.Get(ctx, ev.Payload.Evidence)
			switch {
			case model.IsNotFound(err):
				f.Decision = policy.Decision{Reasons: []string{err.Error()}}
			case err != nil:
				return nil, err
			default:
				f.Decision = pol.Evaluate(outcome, items, policy.Input{
					WorkItemCode: code,
					ReasonCode:   ev.Payload.ReasonCode,
					SubmittedAt:  ev.OccurredAt,
					QcStartedAt:  state.QcStartedAt,
				})
			}
			findings = append(findings, f)
		}

		next, err := projector.Apply(state, ev)
		if err != nil {
			break
		}
		state = next
	}
	return findings, nil
}

package remote

import (
	"github.com/roach88/floorlog/internal/canonical"
	"github.com/roach88/floorlog/internal/model"
)

// Fingerprint hashes the content of ev that the device controls. Seq, origin
// and the void flag are assigned by whichever log holds the event and are
// excluded.
func Fingerprint(ev model.WorkEvent) (string, error) {
	payload := map[string]any{}
	p := ev.Payload
	if p.ReasonCode != "" {
		payload["reason_code"] = p.ReasonCode
	}
	if len(p.Evidence) > 0 {
		payload["evidence"] = append([]string(nil), p.Evidence...)
	}
	if p.Comment != "" {
		payload["comment"] = p.Comment
	}
	if p.Priority != 0 {
		payload["priority"] = p.Priority
	}
	if p.Checklist != nil {
		items := make([]any, 0, len(p.Checklist.Items))
		for _, item := range p.Checklist.Items {
			items = append(items, map[string]any{"id": item.ID, "state": string(item.State)})
		}
		payload["checklist"] = items
	}
	if p.PolicyVersion != "" {
		payload["policy_version"] = p.PolicyVersion
	}

	return canonical.Hash(canonical.DomainEvent, map[string]any{
		"event_id":       ev.EventID,
		"work_item_code": ev.WorkItemCode,
		"type":           string(ev.Type),
		"actor_id":       ev.ActorID,
		"actor_role":     string(ev.ActorRole),
		"device_id":      ev.DeviceID,
		"occurred_at":    ev.OccurredAt.UTC().UnixNano(),
		"payload":        payload,
	})
}

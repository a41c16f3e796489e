package projector

import "github.com/roach88/floorlog/internal/model"

// transitions maps a status and an incoming event to the resulting status.
// Anything absent is invalid. Registered is additionally only valid as the
// first event of a work item (see Apply).
var transitions = map[model.Status]map[model.EventType]model.Status{
	model.StatusUnclaimed: {
		model.EventRegistered: model.StatusUnclaimed,
		model.EventClaimed:    model.StatusClaimed,
	},
	model.StatusClaimed: {
		model.EventStarted: model.StatusInProgress,
	},
	model.StatusInProgress: {
		model.EventReadyForQc: model.StatusReadyForQc,
	},
	model.StatusReadyForQc: {
		model.EventQcStarted: model.StatusQcInProgress,
	},
	model.StatusQcInProgress: {
		model.EventQcPassed: model.StatusQcPassed,
		model.EventQcFailed: model.StatusQcFailed,
	},
	model.StatusQcFailed: {
		model.EventReworkStarted: model.StatusInProgress,
	},
}

// Next returns the status reached by applying an event of type t in status
// from, and whether the transition exists.
func Next(from model.Status, t model.EventType) (model.Status, bool) {
	to, ok := transitions[from][t]
	return to, ok
}

// Accepts lists the event types valid in status s, in lifecycle order.
func Accepts(s model.Status) []model.EventType {
	var out []model.EventType
	for _, t := range model.EventTypes() {
		if _, ok := transitions[s][t]; ok {
			out = append(out, t)
		}
	}
	return out
}

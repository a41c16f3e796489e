package lifecycle

import (
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/projector"
)

var actions = map[model.EventType]string{
	model.EventRegistered:    "register",
	model.EventClaimed:       "claim",
	model.EventStarted:       "start work",
	model.EventReadyForQc:    "mark ready for QC",
	model.EventQcStarted:     "start QC",
	model.EventQcPassed:      "pass QC",
	model.EventQcFailed:      "fail QC",
	model.EventReworkStarted: "restart",
}

var permissions = map[model.EventType]model.Permission{
	model.EventRegistered: model.PermRegister,
	model.EventClaimed:    model.PermClaim,
	model.EventQcStarted:  model.PermStartQc,
	model.EventQcPassed:   model.PermPassQc,
	model.EventQcFailed:   model.PermFailQc,
}

// assigneeBound events may only be recorded by the current assignee.
var assigneeBound = map[model.EventType]bool{
	model.EventStarted:       true,
	model.EventReadyForQc:    true,
	model.EventReworkStarted: true,
}

// Authorize checks that state accepts an event of type typ and that actor may
// record it. The state check comes first, so an action that is impossible in
// the current state is an InvalidTransition whoever attempts it.
//
// Remote authorities apply the same function to incoming events.
func Authorize(state model.WorkItemState, actor model.Actor, typ model.EventType) error {
	action, ok := actions[typ]
	if !ok {
		return model.NewInvalidArgument("unknown event type %q", typ)
	}
	if _, ok := projector.Next(state.Status, typ); !ok {
		return model.NewInvalidTransition(state.Code, state.Status, action)
	}
	if typ == model.EventRegistered && state.LastEventID != "" {
		return model.NewInvalidTransition(state.Code, state.Status, action)
	}

	if actor.ID == "" || !actor.Role.Valid() {
		return model.NewUnauthorized(state.Code, actor, "is not a recognised operator")
	}
	if perm, ok := permissions[typ]; ok && !actor.Role.Can(perm) {
		return model.NewUnauthorized(state.Code, actor, "may not "+action)
	}
	if assigneeBound[typ] && actor.ID != state.AssigneeID {
		return model.NewUnauthorized(state.Code, actor, "is not the assignee ("+state.AssigneeID+")")
	}
	return nil
}

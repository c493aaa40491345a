package emergency

import (
	"fmt"

	"github.com/strokee/strokee/internal/platform/auth"
)

// Event is an actor-triggered step of the emergency lifecycle.
type Event string

const (
	EventStart   Event = "start"
	EventAssign  Event = "assign"
	EventCancel  Event = "cancel"
	EventConfirm Event = "confirm"
	EventAttend  Event = "attend"
)

type rule struct {
	from  []Status
	to    Status
	roles []string
}

// transitions is the complete legal transition graph. EventStart has no
// source state: it creates the case.
var transitions = map[Event]rule{
	EventStart: {
		to:    StatusPending,
		roles: []string{auth.RolePatient},
	},
	EventAssign: {
		from:  []Status{StatusPending},
		to:    StatusToAmbulance,
		roles: []string{auth.RoleOperator},
	},
	EventCancel: {
		from:  []Status{StatusPending, StatusToAmbulance},
		to:    StatusCancelled,
		roles: []string{auth.RoleOperator, auth.RoleParamedic},
	},
	EventConfirm: {
		from:  []Status{StatusToAmbulance},
		to:    StatusConfirmed,
		roles: []string{auth.RoleParamedic},
	},
	EventAttend: {
		from:  []Status{StatusConfirmed},
		to:    StatusAttended,
		roles: []string{auth.RoleHealthCenter},
	},
}

// Next returns the status reached by applying ev to a case in status from.
// It returns ErrConflict when ev is not legal from that status.
func Next(from Status, ev Event) (Status, error) {
	r, ok := transitions[ev]
	if !ok {
		return "", fmt.Errorf("unknown event %q", ev)
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return "", fmt.Errorf("%s from %s: %w", ev, from, ErrConflict)
}

// AllowedRoles lists the roles that may trigger ev, not counting admin.
func AllowedRoles(ev Event) []string {
	return transitions[ev].roles
}

// Permitted reports whether the actor may trigger ev. Admins may trigger
// every event.
func Permitted(a Actor, ev Event) bool {
	if a.HasRole(auth.RoleAdmin) {
		return true
	}
	for _, r := range AllowedRoles(ev) {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

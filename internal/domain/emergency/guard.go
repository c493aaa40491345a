package emergency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Guard keeps every ambulance attached to at most one case in
// TO_AMBULANCE or CONFIRMED. The pre-check refuses obvious collisions
// without a write; the store's partial unique index decides races between
// operators that both pass it.
type Guard struct {
	cases CaseRepository
}

func NewGuard(cases CaseRepository) *Guard {
	return &Guard{cases: cases}
}

// TryAssign moves the case from expected to ch.To with ch.AmbulanceID set,
// unless the ambulance is already busy.
func (g *Guard) TryAssign(ctx context.Context, emergencyID uuid.UUID, expected Status, ch Change) (*Case, error) {
	if ch.AmbulanceID == nil || *ch.AmbulanceID == "" {
		return nil, invalid("ambulance_id", "is required")
	}
	holder, err := g.cases.ActiveForAmbulance(ctx, *ch.AmbulanceID)
	switch {
	case err == nil:
		if holder.ID != emergencyID {
			return nil, fmt.Errorf("ambulance %s serves emergency %s: %w", *ch.AmbulanceID, holder.ID, ErrAmbulanceAssigned)
		}
		// The case already holds this ambulance, so it is past PENDING.
		return nil, fmt.Errorf("emergency %s already assigned: %w", emergencyID, ErrConflict)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return g.cases.CompareAndSetStatus(ctx, emergencyID, expected, ch)
}

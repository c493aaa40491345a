package emergency

import (
	"context"

	"github.com/google/uuid"
)

type CaseRepository interface {
	// Create stores a new PENDING case and its notifications atomically.
	Create(ctx context.Context, c *Case, changedBy string, notifications []Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// CompareAndSetStatus applies ch only if the stored status equals
	// expected. It returns ErrNotFound, ErrConflict or ErrAmbulanceAssigned
	// without writing anything when the condition does not hold.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected Status, ch Change) (*Case, error)
	// ActiveForAmbulance returns the case currently holding the ambulance,
	// or ErrNotFound when the ambulance is free.
	ActiveForAmbulance(ctx context.Context, ambulanceID string) (*Case, error)

	GetView(ctx context.Context, id uuid.UUID) (*CaseView, error)
	ListActive(ctx context.Context, limit, offset int) ([]*CaseView, int, error)
	ListActiveByAmbulance(ctx context.Context, ambulanceID string) ([]*CaseView, error)
	History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error)
}

type AmbulanceRepository interface {
	Create(ctx context.Context, a *Ambulance) error
	GetByID(ctx context.Context, id string) (*Ambulance, error)
	List(ctx context.Context, onlyAvailable bool) ([]*Ambulance, error)
}

package patient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strokee/strokee/internal/platform/auth"
)

const maxAge = 130

type Service struct {
	repo         Repository
	storeTimeout time.Duration
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetStoreTimeout bounds each repository call. Zero disables the bound.
func (s *Service) SetStoreTimeout(d time.Duration) {
	s.storeTimeout = d
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// storeErr passes typed outcomes through and wraps any other repository
// failure in a DependencyError.
func storeErr(op string, err error) error {
	if err == nil || declined(err) {
		return err
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return err
	}
	return &DependencyError{Op: op, Err: err}
}

// owner resolves whose profile the caller may touch. Patients are limited to
// their own id; admins may name any id.
func owner(caller auth.Caller, id uuid.UUID) (uuid.UUID, error) {
	if caller.HasRole(auth.RoleAdmin) {
		if id == uuid.Nil {
			return uuid.Nil, invalid("id", "is required")
		}
		return id, nil
	}
	self, err := uuid.Parse(caller.ID)
	if err != nil || !caller.HasRole(auth.RolePatient) {
		return uuid.Nil, ErrForbidden
	}
	if id != uuid.Nil && id != self {
		return uuid.Nil, ErrForbidden
	}
	return self, nil
}

func validate(p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" {
		return invalid("first_name", "is required")
	}
	if p.LastName == "" {
		return invalid("last_name", "is required")
	}
	if p.Age != nil && (*p.Age < 0 || *p.Age > maxAge) {
		return invalid("age", "must be between 0 and 130")
	}
	if p.Height != nil && *p.Height < 0 {
		return invalid("height", "must not be negative")
	}
	if p.Weight != nil && *p.Weight < 0 {
		return invalid("weight", "must not be negative")
	}
	if p.PhoneNumber != nil {
		phone := strings.TrimSpace(*p.PhoneNumber)
		if phone == "" {
			p.PhoneNumber = nil
		} else {
			p.PhoneNumber = &phone
		}
	}
	return nil
}

// Register creates the caller's profile, or any profile for an admin. A
// patient registering without an id gets their own.
func (s *Service) Register(ctx context.Context, caller auth.Caller, p *Patient) error {
	id, err := owner(caller, p.ID)
	if err != nil {
		return err
	}
	if err := validate(p); err != nil {
		return err
	}
	p.ID = id
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return storeErr("create patient", s.repo.Create(ctx, p))
}

func (s *Service) Get(ctx context.Context, caller auth.Caller, id uuid.UUID) (*Patient, error) {
	id, err := owner(caller, id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("get patient", err)
	}
	return p, nil
}

// Update replaces the demographic fields of an existing profile.
func (s *Service) Update(ctx context.Context, caller auth.Caller, p *Patient) error {
	id, err := owner(caller, p.ID)
	if err != nil {
		return err
	}
	if err := validate(p); err != nil {
		return err
	}
	p.ID = id
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return storeErr("update patient", s.repo.Update(ctx, p))
}

package emergency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strokee/strokee/internal/platform/auth"
)

// MaxNIHScale is the highest score on the NIH stroke scale.
const MaxNIHScale = 42

const maxCancelReason = 500

// Waker is told after every committed transition that notifications are
// waiting. Wake must not block.
type Waker interface {
	Wake()
}

type Service struct {
	cases        CaseRepository
	ambulances   AmbulanceRepository
	guard        *Guard
	waker        Waker
	storeTimeout time.Duration
	now          func() time.Time
}

func NewService(cases CaseRepository, ambulances AmbulanceRepository) *Service {
	return &Service{
		cases:      cases,
		ambulances: ambulances,
		guard:      NewGuard(cases),
		now:        time.Now,
	}
}

// SetWaker attaches the notification relay woken after commits.
func (s *Service) SetWaker(w Waker) {
	s.waker = w
}

// SetStoreTimeout bounds every store round trip made by the service. Zero
// disables the bound.
func (s *Service) SetStoreTimeout(d time.Duration) {
	s.storeTimeout = d
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// storeErr keeps typed outcomes and turns everything else, including an
// expired deadline, into a DependencyError.
func storeErr(op string, err error) error {
	if declined(err) {
		return err
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return err
	}
	return &DependencyError{Op: op, Err: err}
}

func authorize(actor Actor, ev Event) error {
	if !Permitted(actor, ev) {
		return ErrForbidden
	}
	return nil
}

// -- Transitions --

// StartEmergency opens a PENDING case for the patient. A patient may only
// start an emergency for themselves; when patientID is uuid.Nil the actor's
// own id is used.
func (s *Service) StartEmergency(ctx context.Context, actor Actor, patientID uuid.UUID) (*Case, error) {
	if err := authorize(actor, EventStart); err != nil {
		return nil, err
	}
	self, selfErr := uuid.Parse(actor.ID)
	if patientID == uuid.Nil {
		if selfErr != nil {
			return nil, invalid("patient_id", "is required")
		}
		patientID = self
	}
	if !actor.HasRole(auth.RoleAdmin) && (selfErr != nil || patientID != self) {
		return nil, ErrForbidden
	}

	now := s.now()
	c := &Case{
		ID:        uuid.New(),
		PatientID: patientID,
		Status:    StatusPending,
		StartDate: now,
	}
	notifications, err := Effects(EventStart, c, actor.ID, now)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.cases.Create(ctx, c, actor.ID, notifications); err != nil {
		return nil, storeErr("create emergency", err)
	}
	s.wake()
	return c, nil
}

// AssignAmbulance dispatches an ambulance to a PENDING case.
func (s *Service) AssignAmbulance(ctx context.Context, actor Actor, emergencyID uuid.UUID, ambulanceID string) (*Case, error) {
	if err := authorize(actor, EventAssign); err != nil {
		return nil, err
	}
	if emergencyID == uuid.Nil {
		return nil, invalid("emergency_id", "is required")
	}
	ambulanceID = strings.TrimSpace(ambulanceID)
	if ambulanceID == "" {
		return nil, invalid("ambulance_id", "is required")
	}
	return s.apply(ctx, actor, EventAssign, emergencyID, func(ch *Change, _ time.Time) {
		ch.AmbulanceID = &ambulanceID
	})
}

// CancelEmergency cancels a case that has not been confirmed yet.
func (s *Service) CancelEmergency(ctx context.Context, actor Actor, emergencyID uuid.UUID, reason string) (*Case, error) {
	if err := authorize(actor, EventCancel); err != nil {
		return nil, err
	}
	if emergencyID == uuid.Nil {
		return nil, invalid("emergency_id", "is required")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxCancelReason {
		return nil, invalid("reason", "is too long")
	}
	return s.apply(ctx, actor, EventCancel, emergencyID, func(ch *Change, _ time.Time) {
		if reason != "" {
			ch.CancelReason = &reason
		}
	})
}

// ConfirmStroke records the paramedic's confirmation and NIH score.
func (s *Service) ConfirmStroke(ctx context.Context, actor Actor, emergencyID uuid.UUID, nihScale *int) (*Case, error) {
	if err := authorize(actor, EventConfirm); err != nil {
		return nil, err
	}
	if emergencyID == uuid.Nil {
		return nil, invalid("emergency_id", "is required")
	}
	if nihScale == nil {
		return nil, invalid("nih_scale", "is required")
	}
	if *nihScale < 0 || *nihScale > MaxNIHScale {
		return nil, invalid("nih_scale", "must be between 0 and 42")
	}
	score := *nihScale
	return s.apply(ctx, actor, EventConfirm, emergencyID, func(ch *Change, now time.Time) {
		ch.NIHScale = &score
		ch.PickupDate = &now
	})
}

// MarkAttended closes a confirmed case once the health center receives the
// patient.
func (s *Service) MarkAttended(ctx context.Context, actor Actor, emergencyID uuid.UUID) (*Case, error) {
	if err := authorize(actor, EventAttend); err != nil {
		return nil, err
	}
	if emergencyID == uuid.Nil {
		return nil, invalid("emergency_id", "is required")
	}
	return s.apply(ctx, actor, EventAttend, emergencyID, func(ch *Change, now time.Time) {
		ch.DeliveredDate = &now
		ch.AttendedDate = &now
	})
}

// apply reads the case, checks the transition against its current status and
// writes it with that status as the compare-and-set condition. A lost race
// surfaces as ErrConflict or ErrAmbulanceAssigned and is not retried.
func (s *Service) apply(ctx context.Context, actor Actor, ev Event, id uuid.UUID, set func(ch *Change, now time.Time)) (*Case, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	cur, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("get emergency", err)
	}
	to, err := Next(cur.Status, ev)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ch := Change{To: to, ChangedBy: actor.ID}
	set(&ch, now)

	projected := *cur
	projected.Status = to
	if projected.AmbulanceID == nil {
		projected.AmbulanceID = ch.AmbulanceID
	}
	if ch.NIHScale != nil {
		projected.NIHScale = ch.NIHScale
	}
	if ch.Notifications, err = Effects(ev, &projected, actor.ID, now); err != nil {
		return nil, err
	}

	var updated *Case
	if ev == EventAssign {
		updated, err = s.guard.TryAssign(ctx, id, cur.Status, ch)
	} else {
		updated, err = s.cases.CompareAndSetStatus(ctx, id, cur.Status, ch)
	}
	if err != nil {
		return nil, storeErr("update emergency", err)
	}
	s.wake()
	return updated, nil
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// -- Read surface --

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*CaseView, error) {
	if id == uuid.Nil {
		return nil, invalid("emergency_id", "is required")
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	v, err := s.cases.GetView(ctx, id)
	if err != nil {
		return nil, storeErr("get emergency", err)
	}
	return v, nil
}

func (s *Service) ListActive(ctx context.Context, limit, offset int) ([]*CaseView, int, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	items, total, err := s.cases.ListActive(ctx, limit, offset)
	if err != nil {
		return nil, 0, storeErr("list active emergencies", err)
	}
	return items, total, nil
}

func (s *Service) ListActiveForAmbulance(ctx context.Context, ambulanceID string) ([]*CaseView, error) {
	ambulanceID = strings.TrimSpace(ambulanceID)
	if ambulanceID == "" {
		return nil, invalid("ambulance_id", "is required")
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	items, err := s.cases.ListActiveByAmbulance(ctx, ambulanceID)
	if err != nil {
		return nil, storeErr("list emergencies for ambulance", err)
	}
	return items, nil
}

func (s *Service) GetHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if id == uuid.Nil {
		return nil, invalid("emergency_id", "is required")
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	if _, err := s.cases.GetByID(ctx, id); err != nil {
		return nil, storeErr("get emergency", err)
	}
	items, err := s.cases.History(ctx, id)
	if err != nil {
		return nil, storeErr("list emergency history", err)
	}
	return items, nil
}

// -- Ambulances --

func (s *Service) RegisterAmbulance(ctx context.Context, a *Ambulance) error {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return invalid("ambulance_id", "is required")
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.ambulances.Create(ctx, a); err != nil {
		return storeErr("create ambulance", err)
	}
	return nil
}

func (s *Service) GetAmbulance(ctx context.Context, id string) (*Ambulance, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	a, err := s.ambulances.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("get ambulance", err)
	}
	return a, nil
}

func (s *Service) ListAmbulances(ctx context.Context, onlyAvailable bool) ([]*Ambulance, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	items, err := s.ambulances.List(ctx, onlyAvailable)
	if err != nil {
		return nil, storeErr("list ambulances", err)
	}
	return items, nil
}

package emergency

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strokee/strokee/internal/platform/auth"
)

// Status is the lifecycle position of an emergency case.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusToAmbulance Status = "TO_AMBULANCE"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCancelled   Status = "CANCELLED"
	StatusAttended    Status = "ATTENDED"
)

var allStatuses = []Status{
	StatusPending,
	StatusToAmbulance,
	StatusConfirmed,
	StatusCancelled,
	StatusAttended,
}

// ParseStatus converts a stored or wire value into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown emergency status %q", s)
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusAttended
}

// HoldsAmbulance reports whether a case in status s keeps its ambulance busy.
func (s Status) HoldsAmbulance() bool {
	return s == StatusToAmbulance || s == StatusConfirmed
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Case maps to the emergency_case table.
type Case struct {
	ID            uuid.UUID  `db:"id" json:"emergency_id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	AmbulanceID   *string    `db:"ambulance_id" json:"ambulance_id,omitempty"`
	Status        Status     `db:"status" json:"status"`
	NIHScale      *int       `db:"nih_scale" json:"nih_scale,omitempty"`
	StartDate     time.Time  `db:"start_date" json:"start_date"`
	PickupDate    *time.Time `db:"pickup_date" json:"pickup_date,omitempty"`
	DeliveredDate *time.Time `db:"delivered_date" json:"delivered_date,omitempty"`
	AttendedDate  *time.Time `db:"attended_date" json:"attended_date,omitempty"`
	CancelReason  *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// PatientSnapshot is the demographic slice of a patient joined into read
// views. It is never stored on the case.
type PatientSnapshot struct {
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Age         *int     `json:"age,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Weight      *float64 `json:"weight,omitempty"`
	PhoneNumber *string  `json:"phone_number,omitempty"`
}

// CaseView is a case enriched with its patient snapshot at read time.
type CaseView struct {
	Case
	Patient *PatientSnapshot `json:"patient,omitempty"`
}

// StatusChange maps to the emergency_status_history table.
type StatusChange struct {
	ID          int64     `db:"id" json:"id"`
	EmergencyID uuid.UUID `db:"emergency_id" json:"emergency_id"`
	FromStatus  *Status   `db:"from_status" json:"from_status,omitempty"`
	ToStatus    Status    `db:"to_status" json:"to_status"`
	ChangedBy   string    `db:"changed_by" json:"changed_by"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
}

// Ambulance maps to the ambulance table. Available is derived from the
// active cases that reference the ambulance.
type Ambulance struct {
	ID        string    `db:"id" json:"ambulance_id"`
	Plate     *string   `db:"plate" json:"plate,omitempty"`
	Base      *string   `db:"base" json:"base,omitempty"`
	Available bool      `db:"-" json:"available"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Change describes the fields a transition writes together with the new
// status. Nil pointers leave the stored value untouched; timestamps are only
// written when the stored value is still null.
type Change struct {
	To            Status
	AmbulanceID   *string
	NIHScale      *int
	PickupDate    *time.Time
	DeliveredDate *time.Time
	AttendedDate  *time.Time
	CancelReason  *string
	ChangedBy     string
	Notifications []Notification
}

// Actor is the caller of an operation as resolved by the identity layer.
type Actor = auth.Caller

package emergency

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/strokee/strokee/internal/platform/notify"
)

// Event types carried on the message channel.
const (
	TypeStarted   = "emergency.started"
	TypeAssigned  = "emergency.assigned"
	TypeCancelled = "emergency.cancelled"
	TypeConfirmed = "emergency.confirmed"
	TypeAttended  = "emergency.attended"
)

// Notification is one message queued for the message channel when a
// transition commits.
type Notification struct {
	Exchange   string
	RoutingKey string
	EventType  string
	Payload    []byte
}

// Payload is the JSON body published for every lifecycle event.
type Payload struct {
	EventID     uuid.UUID `json:"event_id"`
	Type        string    `json:"type"`
	EmergencyID uuid.UUID `json:"emergency_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	AmbulanceID *string   `json:"ambulance_id,omitempty"`
	Status      Status    `json:"status"`
	NIHScale    *int      `json:"nih_scale,omitempty"`
	ActorID     string    `json:"actor_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

var recipients = map[Event][]string{
	EventStart:   {notify.ExchangeOperator},
	EventAssign:  {notify.ExchangeParamedic, notify.ExchangePatient},
	EventCancel:  {notify.ExchangePatient},
	EventConfirm: {notify.ExchangeOperator, notify.ExchangeHealthCenter},
	EventAttend:  {notify.ExchangeParamedic},
}

var eventTypes = map[Event]string{
	EventStart:   TypeStarted,
	EventAssign:  TypeAssigned,
	EventCancel:  TypeCancelled,
	EventConfirm: TypeConfirmed,
	EventAttend:  TypeAttended,
}

// Effects builds the notifications for ev applied to c, where c already
// carries the post-transition values.
func Effects(ev Event, c *Case, actorID string, at time.Time) ([]Notification, error) {
	typ := eventTypes[ev]
	body, err := json.Marshal(Payload{
		EventID:     uuid.New(),
		Type:        typ,
		EmergencyID: c.ID,
		PatientID:   c.PatientID,
		AmbulanceID: c.AmbulanceID,
		Status:      c.Status,
		NIHScale:    c.NIHScale,
		ActorID:     actorID,
		OccurredAt:  at.UTC(),
	})
	if err != nil {
		return nil, err
	}
	var out []Notification
	for _, ex := range recipients[ev] {
		out = append(out, Notification{
			Exchange:   ex,
			RoutingKey: typ,
			EventType:  typ,
			Payload:    body,
		})
	}
	return out, nil
}

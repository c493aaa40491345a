package emergency

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strokee/strokee/internal/platform/notify"
)

func TestEffects_Recipients(t *testing.T) {
	tests := []struct {
		ev   Event
		typ  string
		want []string
	}{
		{EventStart, TypeStarted, []string{notify.ExchangeOperator}},
		{EventAssign, TypeAssigned, []string{notify.ExchangeParamedic, notify.ExchangePatient}},
		{EventCancel, TypeCancelled, []string{notify.ExchangePatient}},
		{EventConfirm, TypeConfirmed, []string{notify.ExchangeOperator, notify.ExchangeHealthCenter}},
		{EventAttend, TypeAttended, []string{notify.ExchangeParamedic}},
	}
	c := &Case{ID: uuid.New(), PatientID: uuid.New(), Status: StatusPending}

	for _, tt := range tests {
		t.Run(string(tt.ev), func(t *testing.T) {
			ns, err := Effects(tt.ev, c, "actor-1", time.Now())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got []string
			for _, n := range ns {
				got = append(got, n.Exchange)
				if n.RoutingKey != tt.typ || n.EventType != tt.typ {
					t.Errorf("expected routing key and type %s, got %s/%s", tt.typ, n.RoutingKey, n.EventType)
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected exchanges %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEffects_Payload(t *testing.T) {
	amb := "AMB-1"
	score := 7
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	c := &Case{ID: uuid.New(), PatientID: uuid.New(), AmbulanceID: &amb, Status: StatusConfirmed, NIHScale: &score}

	ns, err := Effects(EventConfirm, c, "medic-1", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(ns[0].Payload, &p); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if p.EmergencyID != c.ID || p.PatientID != c.PatientID {
		t.Errorf("ids not carried: %+v", p)
	}
	if p.Type != TypeConfirmed || p.Status != StatusConfirmed || p.ActorID != "medic-1" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.AmbulanceID == nil || *p.AmbulanceID != amb || p.NIHScale == nil || *p.NIHScale != 7 {
		t.Errorf("expected ambulance and score, got %+v", p)
	}
	if !p.OccurredAt.Equal(at) || p.OccurredAt.Location() != time.UTC {
		t.Errorf("expected UTC occurred_at, got %v", p.OccurredAt)
	}
	if p.EventID == uuid.Nil {
		t.Error("expected event id")
	}
	if string(ns[0].Payload) != string(ns[1].Payload) {
		t.Error("every exchange should receive the same payload")
	}
}

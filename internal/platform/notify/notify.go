// Package notify fans committed emergency events out to the exchanges the
// operator, patient, paramedic and health center clients consume.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/strokee/strokee/internal/platform/auth"
)

// Exchanges, one per audience.
const (
	ExchangeOperator     = "operator_exchange"
	ExchangePatient      = "patient_exchange"
	ExchangeParamedic    = "paramedic_exchange"
	ExchangeHealthCenter = "health_center_exchange"
)

// Exchanges lists every exchange the server publishes to.
var Exchanges = []string{ExchangeOperator, ExchangePatient, ExchangeParamedic, ExchangeHealthCenter}

var roleExchanges = map[string]string{
	auth.RoleOperator:     ExchangeOperator,
	auth.RolePatient:      ExchangePatient,
	auth.RoleParamedic:    ExchangeParamedic,
	auth.RoleHealthCenter: ExchangeHealthCenter,
}

// ExchangesFor returns the exchanges a caller holding roles may consume.
// Admins may consume all of them.
func ExchangesFor(roles []string) []string {
	if auth.HasRole(roles, auth.RoleAdmin) {
		return append([]string(nil), Exchanges...)
	}
	var out []string
	for _, ex := range Exchanges {
		for role, re := range roleExchanges {
			if re == ex && auth.HasRole(roles, role) {
				out = append(out, ex)
			}
		}
	}
	return out
}

// Publisher delivers one message body to an exchange under a routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// LogPublisher writes messages to the log instead of a broker.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	p.logger.Info().
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		RawJSON("payload", body).
		Msg("notification")
	return nil
}

// multi publishes every message to all of its publishers.
type multi []Publisher

// Multi returns a Publisher that hands each message to every pub in order.
// All publishers are tried; their errors are joined.
func Multi(pubs ...Publisher) Publisher {
	if len(pubs) == 1 {
		return pubs[0]
	}
	return multi(pubs)
}

func (m multi) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, exchange, routingKey, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPPublisher publishes persistent JSON messages to durable topic
// exchanges and waits for the broker's confirm. The connection is opened
// lazily and dropped on any failure so the next publish redials.
type AMQPPublisher struct {
	url    string
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
}

// NewAMQPPublisher dials url and declares the exchanges.
func NewAMQPPublisher(url string, logger zerolog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, logger: logger}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	for _, name := range Exchanges {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.conn = conn
	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.logger.Info().Msg("connected to message broker")
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.channel, p.confirms = nil, nil, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}

	err := p.channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         routingKey,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}

	select {
	case conf, ok := <-p.confirms:
		if !ok {
			p.reset()
			return errors.New("broker connection closed before confirm")
		}
		if !conf.Ack {
			return fmt.Errorf("broker rejected message for %s", exchange)
		}
		return nil
	case <-ctx.Done():
		// The confirm may still arrive; start clean so it is not mistaken
		// for the next message's.
		p.reset()
		return ctx.Err()
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.channel, p.confirms = nil, nil, nil
	return err
}

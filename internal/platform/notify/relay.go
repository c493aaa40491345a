package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Relay drains the emergency outbox into a Publisher. Delivery is at least
// once: an event is marked published only after the publisher returns nil.
// Observers see each event once, after it is marked published.
type Relay struct {
	store    OutboxStore
	pub      Publisher
	observer Publisher
	logger   zerolog.Logger
	wake     chan struct{}
	now      func() time.Time

	// PollInterval is how often the outbox is checked without a Wake.
	PollInterval time.Duration
	// BatchSize caps the events claimed per pass.
	BatchSize int
	// MaxAttempts is the number of failed publishes after which an event is
	// left in the outbox and no longer retried.
	MaxAttempts int
	// PublishTimeout bounds a single publish.
	PublishTimeout time.Duration
	// Retention is how long published events are kept. Zero keeps them.
	Retention time.Duration
	// CleanupInterval controls how often published events are purged.
	CleanupInterval time.Duration
}

func NewRelay(store OutboxStore, pub Publisher, logger zerolog.Logger) *Relay {
	return &Relay{
		store:           store,
		pub:             pub,
		logger:          logger,
		wake:            make(chan struct{}, 1),
		now:             time.Now,
		PollInterval:    2 * time.Second,
		BatchSize:       100,
		MaxAttempts:     10,
		PublishTimeout:  5 * time.Second,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Observe adds a publisher that receives every event after the broker has
// accepted it and the outbox row is marked published. Observer errors are
// logged and never retried.
func (r *Relay) Observe(p Publisher) {
	if r.observer == nil {
		r.observer = p
		return
	}
	r.observer = Multi(r.observer, p)
}

// Wake asks the relay to drain the outbox now. It never blocks.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start drains the outbox until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info().
		Dur("poll_interval", r.PollInterval).
		Int("batch_size", r.BatchSize).
		Msg("outbox relay started")

	poll := time.NewTicker(r.PollInterval)
	cleanup := time.NewTicker(r.CleanupInterval)
	defer poll.Stop()
	defer cleanup.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return
		case <-poll.C:
			r.drain(ctx)
		case <-r.wake:
			r.drain(ctx)
		case <-cleanup.C:
			if _, err := r.PurgePublished(ctx); err != nil {
				r.logger.Error().Err(err).Msg("failed to purge published outbox events")
			}
		}
	}
}

// drain keeps claiming batches while they come back full.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to claim outbox events")
			return
		}
		if n < r.BatchSize {
			return
		}
	}
}

// RunOnce claims one batch and publishes it. It returns the number of
// events claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	lease := r.PublishTimeout*time.Duration(r.BatchSize) + r.PollInterval
	events, err := r.store.Claim(ctx, r.now(), r.BatchSize, r.MaxAttempts, lease)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		r.publishOne(ctx, ev)
	}
	return len(events), nil
}

func (r *Relay) publishOne(ctx context.Context, ev *OutboxEvent) {
	pctx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	err := r.pub.Publish(pctx, ev.Exchange, ev.RoutingKey, ev.Payload)
	cancel()

	if err == nil {
		if err := r.store.MarkPublished(ctx, ev.ID, r.now()); err != nil {
			r.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("failed to mark outbox event published")
			return
		}
		r.notifyObserver(ctx, ev)
		return
	}

	attempt := ev.Attempts + 1
	logEv := r.logger.Warn()
	if attempt >= r.MaxAttempts {
		logEv = r.logger.Error()
	}
	logEv.Err(err).
		Int64("event_id", ev.ID).
		Str("emergency_id", ev.EmergencyID.String()).
		Str("exchange", ev.Exchange).
		Str("routing_key", ev.RoutingKey).
		Int("attempt", attempt).
		Msg("failed to publish notification")

	if err := r.store.MarkFailed(ctx, ev.ID, err.Error(), r.now().Add(retryBackoff(attempt))); err != nil {
		r.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("failed to record publish failure")
	}
}

func (r *Relay) notifyObserver(ctx context.Context, ev *OutboxEvent) {
	if r.observer == nil {
		return
	}
	octx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	defer cancel()
	if err := r.observer.Publish(octx, ev.Exchange, ev.RoutingKey, ev.Payload); err != nil {
		r.logger.Warn().Err(err).
			Int64("event_id", ev.ID).
			Str("exchange", ev.Exchange).
			Msg("failed to notify outbox observer")
	}
}

// PurgePublished removes events published longer than Retention ago.
func (r *Relay) PurgePublished(ctx context.Context) (int64, error) {
	if r.Retention <= 0 {
		return 0, nil
	}
	n, err := r.store.PurgePublished(ctx, r.now().Add(-r.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int64("count", n).Msg("purged published outbox events")
	}
	return n, nil
}

// retryBackoff is the delay before publish attempt n+1.
func retryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 1 * time.Second
	case 2:
		return 5 * time.Second
	case 3:
		return 15 * time.Second
	case 4:
		return 1 * time.Minute
	default:
		return 5 * time.Minute
	}
}

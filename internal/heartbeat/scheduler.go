// Package heartbeat sweeps the subscription registry on a timer: it emits
// heartbeat notifications for quiet channels, times out handshakes that never
// completed and retires subscriptions past their end of life.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/dispatch"
	"github.com/carewire/carewire/internal/platform/metrics"
	"github.com/carewire/carewire/internal/subscription"
)

// Notifier receives heartbeat notification requests. The dispatcher
// satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, req dispatch.NotifyRequest) error
}

// Scheduler drives the periodic sweep.
type Scheduler struct {
	subs     *subscription.Registry
	notifier Notifier

	tick             time.Duration
	endOfLife        time.Duration
	handshakeTimeout time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Scheduler)

func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithEndOfLife(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.endOfLife = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func New(subs *subscription.Registry, notifier Notifier, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		subs:             subs,
		notifier:         notifier,
		tick:             5 * time.Second,
		endOfLife:        30 * 24 * time.Hour,
		handshakeTimeout: 60 * time.Second,
		logger:           logger.With().Str("component", "heartbeat").Logger(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep examines every subscription once. Exported so tests and operators can
// force a pass without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	for _, sub := range s.subs.All() {
		switch sub.State {
		case subscription.StateOff:
			continue
		case subscription.StateRequested:
			if now.Sub(sub.CreatedAt) > s.handshakeTimeout {
				s.subs.MarkOff(sub.ID, "handshake-timeout")
				s.logger.Info().Str("subscription", sub.ID).Msg("handshake never completed")
			}
			continue
		}

		// end of life is measured from the last successful communication, so
		// an actively delivering subscription is never retired
		if now.Sub(sub.LastCommunication) > s.endOfLife {
			s.subs.MarkOff(sub.ID, "end-of-life")
			s.logger.Info().Str("subscription", sub.ID).Msg("subscription reached end of life")
			continue
		}

		hb := sub.Def.Channel.HeartbeatSeconds
		if hb <= 0 {
			continue
		}
		if now.Sub(sub.LastCommunication) < time.Duration(hb)*time.Second {
			continue
		}
		err := s.notifier.Enqueue(ctx, dispatch.NotifyRequest{
			SubscriptionID:   sub.ID,
			NotificationType: subscription.NotificationHeartbeat,
		})
		if err != nil {
			s.logger.Warn().Str("subscription", sub.ID).Err(err).Msg("heartbeat not enqueued")
			continue
		}
		metrics.HeartbeatsTotal.Inc()
		// advance the clock now so the next tick does not double-send while
		// the heartbeat is still in the dispatch queue
		s.subs.Touch(sub.ID)
	}
}

// Package dispatch delivers notification bundles over pluggable channels
// with bounded retries, per-call timeouts and per-subscription cancellation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/platform/metrics"
	"github.com/carewire/carewire/internal/subscription"
)

// Handler delivers one serialized notification. A nil return is success; a
// non-retryable failure is wrapped with backoff.Permanent by the handler.
type Handler interface {
	Deliver(ctx context.Context, sub subscription.Snapshot, payload []byte, contentType string) error
}

// NotifyRequest asks for one notification to a subscription. EventNumbers is
// empty for heartbeats and handshakes.
type NotifyRequest struct {
	SubscriptionID   string
	EventNumbers     []uint64
	NotificationType string
}

// Dispatcher runs a worker pool over per-subscription FIFO queues. Requests
// for one subscription are attempted strictly in enqueue order; requests for
// different subscriptions proceed in parallel. The shared channel carries
// subscription ids, never requests, so a subscription has at most one worker
// attached at a time.
type Dispatcher struct {
	queue    chan string
	workers  int
	handlers map[string]Handler

	subs    *subscription.Registry
	bundler *subscription.Bundler

	retryLimit      uint64
	initialInterval time.Duration
	maxInterval     time.Duration

	mu       sync.Mutex
	pending  map[string][]NotifyRequest
	inflight map[string]struct{}
	queued   int
	cancels  map[string]map[uint64]context.CancelFunc
	nextTok  uint64

	wg     sync.WaitGroup
	logger zerolog.Logger
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan string, n)
		}
	}
}

func WithRetryLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.retryLimit = uint64(n)
		}
	}
}

func WithHandler(code string, h Handler) Option {
	return func(d *Dispatcher) { d.handlers[code] = h }
}

// WithBackoffIntervals overrides the retry pacing, mainly for tests.
func WithBackoffIntervals(initial, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.initialInterval = initial
		d.maxInterval = max
	}
}

func New(subs *subscription.Registry, bundler *subscription.Bundler, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:           make(chan string, 256),
		workers:         16,
		handlers:        make(map[string]Handler),
		subs:            subs,
		bundler:         bundler,
		retryLimit:      5,
		initialInterval: time.Second,
		maxInterval:     60 * time.Second,
		pending:         make(map[string][]NotifyRequest),
		inflight:        make(map[string]struct{}),
		cancels:         make(map[string]map[uint64]context.CancelFunc),
		logger:          logger.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	subs.OnDelete(d.CancelSubscription)
	return d
}

// Start launches the worker pool. Workers exit when ctx is cancelled and the
// queue has drained.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case id, ok := <-d.queue:
					if !ok {
						return
					}
					d.runSubscription(ctx, id)
				case <-ctx.Done():
					// drain what is already queued, then stop
					for {
						select {
						case id, ok := <-d.queue:
							if !ok {
								return
							}
							d.runSubscription(context.Background(), id)
						default:
							return
						}
					}
				}
			}
		}()
	}
}

// Enqueue appends a request to its subscription's FIFO. When no worker owns
// that subscription, it schedules one; the bounded channel blocks the caller
// when full.
func (d *Dispatcher) Enqueue(ctx context.Context, req NotifyRequest) error {
	d.mu.Lock()
	d.pending[req.SubscriptionID] = append(d.pending[req.SubscriptionID], req)
	d.queued++
	metrics.DispatchQueueDepth.Set(float64(d.queued))
	_, owned := d.inflight[req.SubscriptionID]
	if !owned {
		d.inflight[req.SubscriptionID] = struct{}{}
	}
	d.mu.Unlock()
	if owned {
		return nil
	}

	select {
	case d.queue <- req.SubscriptionID:
		return nil
	case <-ctx.Done():
		// release ownership so the next Enqueue reschedules the work
		d.mu.Lock()
		delete(d.inflight, req.SubscriptionID)
		d.mu.Unlock()
		return ctx.Err()
	}
}

// runSubscription drains one subscription's FIFO. The owning worker is the
// only goroutine popping it, so attempts happen in enqueue order.
func (d *Dispatcher) runSubscription(ctx context.Context, id string) {
	for {
		d.mu.Lock()
		reqs := d.pending[id]
		if len(reqs) == 0 {
			delete(d.pending, id)
			delete(d.inflight, id)
			d.mu.Unlock()
			return
		}
		req := reqs[0]
		if len(reqs) == 1 {
			delete(d.pending, id)
		} else {
			d.pending[id] = reqs[1:]
		}
		d.queued--
		metrics.DispatchQueueDepth.Set(float64(d.queued))
		d.mu.Unlock()

		d.process(ctx, req)
	}
}

// Drain waits for in-flight deliveries to finish, up to the deadline.
func (d *Dispatcher) Drain(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		d.logger.Warn().Dur("deadline", deadline).Msg("dispatcher drain deadline exceeded")
	}
}

// CancelSubscription cancels every in-flight delivery for a subscription.
// Each in-flight call keeps a short grace window, half the channel timeout
// capped at five seconds, before its context is cut.
func (d *Dispatcher) CancelSubscription(id string) {
	d.mu.Lock()
	cancels := d.cancels[id]
	delete(d.cancels, id)
	if n := len(d.pending[id]); n > 0 {
		d.queued -= n
		delete(d.pending, id)
		metrics.DispatchQueueDepth.Set(float64(d.queued))
	}
	d.mu.Unlock()

	if len(cancels) == 0 {
		return
	}
	grace := 5 * time.Second
	if sub, err := d.subs.Get(id); err == nil {
		if half := time.Duration(sub.Def.Channel.TimeoutSeconds) * time.Second / 2; half < grace {
			grace = half
		}
	}
	for _, cancel := range cancels {
		time.AfterFunc(grace, cancel)
	}
}

func (d *Dispatcher) registerCancel(id string, cancel context.CancelFunc) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTok++
	tok := d.nextTok
	if d.cancels[id] == nil {
		d.cancels[id] = make(map[uint64]context.CancelFunc)
	}
	d.cancels[id][tok] = cancel
	return tok
}

func (d *Dispatcher) unregisterCancel(id string, tok uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.cancels[id]; m != nil {
		delete(m, tok)
		if len(m) == 0 {
			delete(d.cancels, id)
		}
	}
}

// process attempts one NotifyRequest end to end: bundle, deliver with
// retries, account the outcome. The error counter moves at most once per
// request, however many attempts were made.
func (d *Dispatcher) process(ctx context.Context, req NotifyRequest) {
	sub, err := d.subs.Get(req.SubscriptionID)
	if err != nil {
		return // deleted while queued
	}
	if sub.State == subscription.StateOff {
		return
	}

	events, err := d.subs.Events(req.SubscriptionID, req.EventNumbers)
	if err != nil {
		d.logger.Warn().Str("subscription", req.SubscriptionID).Err(err).Msg("events unavailable at bundling time")
		return
	}

	notificationType := req.NotificationType
	if notificationType == "" {
		notificationType = subscription.NotificationEvent
	}
	bundle := d.bundler.Build(sub, events, notificationType)
	payload, err := json.Marshal(bundle)
	if err != nil {
		d.logger.Error().Str("subscription", req.SubscriptionID).Err(err).Msg("bundle serialization failed")
		return
	}

	// sandbox endpoints are counted as delivered without any I/O
	if sub.Def.Channel.Code == subscription.ChannelRestHook && isSandboxEndpoint(sub.Def.Channel.Endpoint) {
		d.subs.MarkDelivered(req.SubscriptionID)
		metrics.DeliveriesTotal.WithLabelValues(sub.Def.Channel.Code, "sandbox").Inc()
		return
	}

	handler, ok := d.handlers[sub.Def.Channel.Code]
	if !ok {
		d.logger.Error().Str("subscription", req.SubscriptionID).Str("channel", sub.Def.Channel.Code).Msg("no handler for channel")
		d.subs.MarkFailed(req.SubscriptionID, "no handler for channel "+sub.Def.Channel.Code)
		metrics.DeliveriesTotal.WithLabelValues(sub.Def.Channel.Code, "fatal").Inc()
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	tok := d.registerCancel(req.SubscriptionID, cancel)
	defer func() {
		d.unregisterCancel(req.SubscriptionID, tok)
		cancel()
	}()

	timeout := time.Duration(sub.Def.Channel.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempt := func() error {
		attemptCtx, cancelAttempt := context.WithTimeout(callCtx, timeout)
		defer cancelAttempt()
		return handler.Deliver(attemptCtx, sub, payload, sub.Def.Channel.ContentType)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = d.maxInterval
	bo.MaxElapsedTime = 0

	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, d.retryLimit-1), callCtx))
	if err != nil {
		state := d.subs.MarkFailed(req.SubscriptionID, err.Error())
		metrics.DeliveriesTotal.WithLabelValues(sub.Def.Channel.Code, "failed").Inc()
		d.logger.Warn().
			Str("subscription", req.SubscriptionID).
			Str("channel", sub.Def.Channel.Code).
			Str("state", string(state)).
			Err(err).
			Msg("delivery failed")
		return
	}

	d.subs.MarkDelivered(req.SubscriptionID)
	metrics.DeliveriesTotal.WithLabelValues(sub.Def.Channel.Code, "ok").Inc()
	d.logger.Debug().
		Str("subscription", req.SubscriptionID).
		Int("events", len(events)).
		Str("type", notificationType).
		Msg("notification delivered")
}

// isSandboxEndpoint reports whether the endpoint host is example.org or a
// subdomain of it.
func isSandboxEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "example.org" || strings.HasSuffix(host, ".example.org")
}

// Fatal marks an error as non-retryable.
func Fatal(err error) error {
	return backoff.Permanent(err)
}

// IsFatal reports whether an error was marked non-retryable.
func IsFatal(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// FatalStatusError builds the canonical fatal error for an HTTP status.
func FatalStatusError(status int) error {
	return Fatal(fmt.Errorf("endpoint returned status %d", status))
}

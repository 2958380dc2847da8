// Package engine turns accepted store changes into subscription events. The
// generator listens on the store's change feed, evaluates topics and
// subscription filters on a worker pool, appends matching events to each
// subscription's log and hands notification requests to the dispatcher.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/dispatch"
	"github.com/carewire/carewire/internal/fhirdoc"
	"github.com/carewire/carewire/internal/pathexpr"
	"github.com/carewire/carewire/internal/platform/metrics"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/subscription"
	"github.com/carewire/carewire/internal/topic"
)

// Notifier receives the notification requests the generator produces. The
// dispatcher satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, req dispatch.NotifyRequest) error
}

// eventPlan is one event to append, produced by topic evaluation.
type eventPlan struct {
	subscriptionID string
	event          subscription.Event
	maxEvents      int
}

// task carries one change through the pipeline. Workers evaluate changes
// concurrently and publish their plans on the result channel; the sequencer
// consumes tasks in acceptance order, so event numbers per subscription always
// follow store order regardless of worker scheduling.
type task struct {
	change store.Change
	plans  chan []eventPlan
}

// Generator implements store.ChangeListener. OnChange blocks when the ingress
// queue is full, which is the intended back-pressure point: the store does not
// acknowledge a write until the engine has accepted its change.
type Generator struct {
	ingress chan task
	ordered chan task
	workers int

	topics   *topic.Registry
	subs     *subscription.Registry
	store    *store.Store
	notifier Notifier

	coalesce *coalescer

	wg     sync.WaitGroup
	logger zerolog.Logger
}

type Option func(*Generator)

func WithWorkers(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.workers = n
		}
	}
}

func WithQueueCapacity(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.ingress = make(chan task, n)
			g.ordered = make(chan task, n)
		}
	}
}

// WithCoalesceWindow sets how long the generator holds an event back waiting
// for more, when the channel allows batched notifications.
func WithCoalesceWindow(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.coalesce.window = d
		}
	}
}

func New(topics *topic.Registry, subs *subscription.Registry, st *store.Store, notifier Notifier, logger zerolog.Logger, opts ...Option) *Generator {
	g := &Generator{
		ingress:  make(chan task, 1024),
		ordered:  make(chan task, 1024),
		workers:  4,
		topics:   topics,
		subs:     subs,
		store:    st,
		notifier: notifier,
		logger:   logger.With().Str("component", "event-generator").Logger(),
	}
	g.coalesce = newCoalescer(200*time.Millisecond, g.flush)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnChange enqueues one accepted change. Both sends block when the queues are
// full; the store serializes mutations, so the two sends preserve acceptance
// order.
func (g *Generator) OnChange(ctx context.Context, ch store.Change) {
	t := task{change: ch, plans: make(chan []eventPlan, 1)}
	select {
	case g.ingress <- t:
	case <-ctx.Done():
		g.logger.Warn().Str("resource", ch.ResourceType+"/"+ch.ID).Msg("change dropped, context cancelled before enqueue")
		return
	}
	metrics.IngressQueueDepth.Set(float64(len(g.ingress)))
	g.ordered <- t
}

// Start launches the evaluation workers and the sequencer. They exit after
// ctx is cancelled and the queues have drained.
func (g *Generator) Start(ctx context.Context) {
	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case t := <-g.ingress:
					t.plans <- g.evaluate(t.change)
				case <-ctx.Done():
					for {
						select {
						case t := <-g.ingress:
							t.plans <- g.evaluate(t.change)
						default:
							return
						}
					}
				}
			}
		}()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case t := <-g.ordered:
				g.sequence(ctx, t)
			case <-ctx.Done():
				for {
					select {
					case t := <-g.ordered:
						g.sequence(context.Background(), t)
					default:
						g.coalesce.flushAll()
						return
					}
				}
			}
		}
	}()
}

// Drain waits for the pipeline to wind down, up to the deadline.
func (g *Generator) Drain(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		g.logger.Warn().Dur("deadline", deadline).Msg("generator drain deadline exceeded")
	}
}

// evaluate runs topic and filter matching for one change. It only reads; all
// log mutation happens later, in acceptance order, on the sequencer.
func (g *Generator) evaluate(ch store.Change) []eventPlan {
	metrics.ChangesObservedTotal.WithLabelValues(string(ch.Kind)).Inc()

	var plans []eventPlan
	for _, t := range g.topics.LookupForChange(ch.ResourceType, ch.Kind) {
		diags := &pathexpr.Diagnostics{}
		matched, reason := g.topics.Evaluate(t, ch, diags)
		for _, note := range diags.Notes() {
			g.logger.Debug().Str("topic", t.URL).Str("note", note).Msg("topic evaluation diagnostic")
		}
		if !matched {
			continue
		}
		metrics.EventsGeneratedTotal.WithLabelValues(t.URL).Inc()
		g.logger.Debug().
			Str("topic", t.URL).
			Str("resource", ch.ResourceType+"/"+ch.ID).
			Str("reason", string(reason)).
			Msg("topic matched")

		candidate := ch.Current
		if ch.Kind == store.ChangeDelete {
			candidate = ch.Previous
		}
		context := g.additionalContext(t.NotificationShape, ch.ResourceType, candidate)

		for _, sub := range g.subs.ForTopic(t.URL) {
			if !sub.Def.Matches(ch.ResourceType, candidate) {
				continue
			}
			plans = append(plans, eventPlan{
				subscriptionID: sub.ID,
				event: subscription.Event{
					FocusRef:          fhirdoc.Ref(ch.ResourceType, ch.ID),
					AdditionalContext: context,
					FocusSnapshot:     ch.Current,
					FocusDeleted:      ch.Kind == store.ChangeDelete,
				},
				maxEvents: sub.Def.Channel.MaxEventsPerNotification,
			})
		}
	}
	return plans
}

// sequence appends this change's events in acceptance order and schedules
// notifications.
func (g *Generator) sequence(ctx context.Context, t task) {
	plans := <-t.plans
	metrics.IngressQueueDepth.Set(float64(len(g.ingress)))
	for _, p := range plans {
		number, err := g.subs.AppendEvent(p.subscriptionID, p.event)
		if err != nil {
			g.logger.Debug().Str("subscription", p.subscriptionID).Err(err).Msg("event not appended")
			continue
		}
		g.coalesce.add(ctx, p.subscriptionID, number, p.maxEvents)
	}
}

func (g *Generator) flush(ctx context.Context, subscriptionID string, numbers []uint64) {
	err := g.notifier.Enqueue(ctx, dispatch.NotifyRequest{
		SubscriptionID:   subscriptionID,
		EventNumbers:     numbers,
		NotificationType: subscription.NotificationEvent,
	})
	if err != nil {
		g.logger.Warn().Str("subscription", subscriptionID).Err(err).Msg("notification not enqueued")
	}
}

// additionalContext resolves the topic's include hints ("Type" or
// "Type:param") against the focus resource. Only hints for the focus type
// apply; references that do not resolve in the store are logged and skipped.
func (g *Generator) additionalContext(shape []string, resourceType string, focus store.Resource) []string {
	if len(shape) == 0 || focus == nil {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, hint := range shape {
		hintType, param, ok := strings.Cut(hint, ":")
		if hintType != resourceType || !ok {
			continue
		}
		for _, ref := range referenceValues(focus, param) {
			if _, dup := seen[ref]; dup {
				continue
			}
			rt, id := fhirdoc.SplitRef(ref)
			if rt == "" || id == "" {
				continue
			}
			if _, err := g.store.Get(rt, id); err != nil {
				g.logger.Debug().Str("ref", ref).Err(err).Msg("context reference did not resolve")
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}

// referenceValues pulls reference strings from a field of the focus resource.
// The "patient" search parameter conventionally lives in the "subject"
// element.
func referenceValues(focus store.Resource, param string) []string {
	fields := []string{param}
	if param == "patient" {
		fields = append(fields, "subject")
	}
	var out []string
	for _, field := range fields {
		switch v := focus[field].(type) {
		case map[string]interface{}:
			if ref, ok := v["reference"].(string); ok {
				out = append(out, ref)
			}
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					if ref, ok := m["reference"].(string); ok {
						out = append(out, ref)
					}
				}
			}
		case string:
			out = append(out, v)
		}
	}
	return out
}

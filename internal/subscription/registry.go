package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/topic"
)

// Subscription is the registry's internal record. Counter and log access go
// through the per-subscription mutex; the registry map has its own lock.
type Subscription struct {
	mu sync.Mutex

	ID  string
	Def Definition

	State       State
	StateReason string

	CurrentEventCount uint64
	ErrorCount        uint32
	LastCommunication time.Time
	CreatedAt         time.Time

	// events is ascending by number; numbers below events[0].Number have been
	// pruned and stay reserved.
	events []Event
}

// Snapshot is an immutable view of a subscription for readers outside the
// registry.
type Snapshot struct {
	ID                string
	Def               Definition
	State             State
	StateReason       string
	CurrentEventCount uint64
	ErrorCount        uint32
	LastCommunication time.Time
	CreatedAt         time.Time
}

func (s *Subscription) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                s.ID,
		Def:               s.Def,
		State:             s.State,
		StateReason:       s.StateReason,
		CurrentEventCount: s.CurrentEventCount,
		ErrorCount:        s.ErrorCount,
		LastCommunication: s.LastCommunication,
		CreatedAt:         s.CreatedAt,
	}
}

// Registry stores subscriptions and their event logs.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	topics     *topic.Registry
	errorLimit uint32
	retention  int

	deleteHooks []func(id string)

	logger zerolog.Logger
	now    func() time.Time
}

func NewRegistry(topics *topic.Registry, errorLimit, retention int, logger zerolog.Logger) *Registry {
	return &Registry{
		subs:       make(map[string]*Subscription),
		topics:     topics,
		errorLimit: uint32(errorLimit),
		retention:  retention,
		logger:     logger.With().Str("component", "subscription-registry").Logger(),
		now:        time.Now,
	}
}

// OnDelete registers a hook invoked when a subscription is deleted, before
// its record is removed. The dispatcher uses this to cancel in-flight
// deliveries.
func (r *Registry) OnDelete(hook func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteHooks = append(r.deleteHooks, hook)
}

func (r *Registry) validate(def Definition) error {
	t, ok := r.topics.Get(def.TopicURL)
	if !ok {
		return fmt.Errorf("topic %q is not registered", def.TopicURL)
	}
	for rt, filters := range def.Filters {
		for _, f := range filters {
			if !t.AllowsFilter(rt, f.Name) {
				return fmt.Errorf("filter %q is not declared in topic %s canFilterBy for %s", f.Name, def.TopicURL, rt)
			}
		}
	}
	if err := validateChannel(def.Channel); err != nil {
		return err
	}
	if def.Channel.ContentLevel == "" {
		return nil
	}
	if !validContentLevel(def.Channel.ContentLevel) {
		return fmt.Errorf("unknown content level %q", def.Channel.ContentLevel)
	}
	return nil
}

func applyChannelDefaults(ch *Channel) {
	if ch.ContentLevel == "" {
		ch.ContentLevel = ContentIDOnly
	}
	if ch.TimeoutSeconds <= 0 {
		ch.TimeoutSeconds = 30
	}
	if ch.MaxEventsPerNotification <= 0 {
		ch.MaxEventsPerNotification = 1
	}
	if ch.ContentType == "" {
		ch.ContentType = "application/fhir+json"
	}
}

// Create validates and inserts a new subscription in state requested.
func (r *Registry) Create(def Definition) (Snapshot, error) {
	if err := r.validate(def); err != nil {
		return Snapshot{}, err
	}
	applyChannelDefaults(&def.Channel)

	sub := &Subscription{
		ID:                uuid.NewString(),
		Def:               def,
		State:             StateRequested,
		CreatedAt:         r.now(),
		LastCommunication: r.now(),
	}

	// snapshot before the map insert, while sub is still unshared
	snap := sub.snapshotLocked()

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	r.logger.Info().
		Str("subscription", sub.ID).
		Str("topic", def.TopicURL).
		Str("channel", def.Channel.Code).
		Msg("subscription created")
	return snap, nil
}

// Update replaces the definition while keeping the event log, counters and
// state.
func (r *Registry) Update(id string, def Definition) (Snapshot, error) {
	if err := r.validate(def); err != nil {
		return Snapshot{}, err
	}
	applyChannelDefaults(&def.Channel)

	sub, err := r.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.State == StateOff {
		return Snapshot{}, fmt.Errorf("subscription %s is off", id)
	}
	sub.Def = def
	return sub.snapshotLocked(), nil
}

// Delete transitions the subscription to off, fires delete hooks so in-flight
// deliveries get cancelled, then removes the record and its log.
func (r *Registry) Delete(id string) error {
	sub, err := r.get(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.State = StateOff
	sub.StateReason = "deleted"
	sub.mu.Unlock()

	r.mu.Lock()
	hooks := r.deleteHooks
	delete(r.subs, id)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
	r.logger.Info().Str("subscription", id).Msg("subscription deleted")
	return nil
}

func (r *Registry) get(id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return sub, nil
}

// Get returns a snapshot of one subscription.
func (r *Registry) Get(id string) (Snapshot, error) {
	sub, err := r.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.snapshotLocked(), nil
}

// All returns snapshots of every subscription.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(subs))
	for _, s := range subs {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	return out
}

// ForTopic returns subscriptions on a topic whose state still generates
// events (everything but off).
func (r *Registry) ForTopic(topicURL string) []Snapshot {
	var out []Snapshot
	for _, s := range r.All() {
		if s.Def.TopicURL == topicURL && s.State != StateOff {
			out = append(out, s)
		}
	}
	return out
}

// AppendEvent allocates the next event number for the subscription and
// stores the event. The per-subscription lock makes concurrent appends for
// one id strictly ordered; appends for distinct ids do not contend. The
// first appended event activates a requested subscription.
func (r *Registry) AppendEvent(id string, ev Event) (uint64, error) {
	sub, err := r.get(id)
	if err != nil {
		return 0, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.State == StateOff {
		return 0, fmt.Errorf("subscription %s is off", id)
	}

	sub.CurrentEventCount++
	ev.Number = sub.CurrentEventCount
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if sub.Def.Channel.ContentLevel != ContentFullResource {
		ev.FocusSnapshot = nil
	}
	sub.events = append(sub.events, ev)

	// retention: drop oldest beyond the cap, numbers stay reserved
	if len(sub.events) > r.retention {
		drop := len(sub.events) - r.retention
		sub.events = append(sub.events[:0:0], sub.events[drop:]...)
	}

	if sub.State == StateRequested {
		sub.State = StateActive
		r.logger.Info().Str("subscription", id).Msg("subscription activated by first event")
	}
	return ev.Number, nil
}

// EventsInRange returns retained events with since < number <= until (zero
// until means no upper bound) plus the numbers in range that were pruned.
func (r *Registry) EventsInRange(id string, since, until uint64) ([]Event, []uint64, error) {
	sub, err := r.get(id)
	if err != nil {
		return nil, nil, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	var events []Event
	var expired []uint64

	firstRetained := sub.CurrentEventCount + 1
	if len(sub.events) > 0 {
		firstRetained = sub.events[0].Number
	}
	last := sub.CurrentEventCount
	if until != 0 && until < last {
		last = until
	}
	for n := since + 1; n <= last; n++ {
		if n < firstRetained {
			expired = append(expired, n)
			continue
		}
		events = append(events, sub.events[n-firstRetained])
	}
	return events, expired, nil
}

// Events returns the retained events for the given numbers. A pruned number
// yields ErrExpired.
func (r *Registry) Events(id string, numbers []uint64) ([]Event, error) {
	sub, err := r.get(id)
	if err != nil {
		return nil, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if len(sub.events) == 0 {
		if len(numbers) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("event %d: %w", numbers[0], ErrExpired)
	}
	firstRetained := sub.events[0].Number
	out := make([]Event, 0, len(numbers))
	for _, n := range numbers {
		if n < firstRetained || n > sub.CurrentEventCount {
			return nil, fmt.Errorf("event %d: %w", n, ErrExpired)
		}
		out = append(out, sub.events[n-firstRetained])
	}
	return out, nil
}

// MarkDelivered records a successful delivery: error counter reset,
// lastCommunication bumped, error state healed.
func (r *Registry) MarkDelivered(id string) {
	sub, err := r.get(id)
	if err != nil {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.ErrorCount = 0
	sub.LastCommunication = r.now()
	if sub.State == StateError {
		sub.State = StateActive
		sub.StateReason = ""
		r.logger.Info().Str("subscription", id).Msg("subscription recovered")
	}
}

// MarkFailed records one exhausted or fatal delivery. The error counter
// increments once per call; reaching the error limit turns the subscription
// off.
func (r *Registry) MarkFailed(id, reason string) State {
	sub, err := r.get(id)
	if err != nil {
		return StateOff
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.State == StateOff {
		return StateOff
	}

	sub.ErrorCount++
	sub.StateReason = reason
	if sub.ErrorCount >= r.errorLimit {
		sub.State = StateOff
		r.logger.Warn().
			Str("subscription", id).
			Uint32("errorCount", sub.ErrorCount).
			Msg("subscription turned off after repeated delivery failures")
	} else if sub.State == StateActive {
		sub.State = StateError
	}
	return sub.State
}

// MarkOff forces the subscription off, e.g. on end-of-life or handshake
// timeout.
func (r *Registry) MarkOff(id, reason string) {
	sub, err := r.get(id)
	if err != nil {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.State == StateOff {
		return
	}
	sub.State = StateOff
	sub.StateReason = reason
	r.logger.Info().Str("subscription", id).Str("reason", reason).Msg("subscription turned off")
}

// Touch updates lastCommunication, e.g. after a delivered heartbeat.
func (r *Registry) Touch(id string) {
	sub, err := r.get(id)
	if err != nil {
		return
	}
	sub.mu.Lock()
	sub.LastCommunication = r.now()
	sub.mu.Unlock()
}

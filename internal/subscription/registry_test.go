package subscription

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/pathexpr"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/topic"
)

const testTopicURL = "http://example.org/FHIR/SubscriptionTopic/encounter-complete"

func newTestTopics(t *testing.T) *topic.Registry {
	t.Helper()
	topics := topic.NewRegistry(pathexpr.New(nil), zerolog.Nop())
	_, err := topics.Register(topic.Definition{
		URL: testTopicURL,
		Triggers: []topic.Trigger{{
			ResourceType: "Encounter",
			Interactions: []store.ChangeKind{store.ChangeUpdate},
		}},
		CanFilterBy: map[string][]string{"Encounter": {"patient", "status"}},
	})
	if err != nil {
		t.Fatalf("register topic: %v", err)
	}
	return topics
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(newTestTopics(t), 5, 1000, zerolog.Nop())
}

func validDef() Definition {
	return Definition{
		TopicURL: testTopicURL,
		Channel: Channel{
			Code:         ChannelRestHook,
			Endpoint:     "https://consumer.example.com/hook",
			ContentLevel: ContentIDOnly,
		},
	}
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"unknown topic", func(d *Definition) { d.TopicURL = "http://example.org/nope" }},
		{"undeclared filter", func(d *Definition) {
			d.Filters = map[string][]Filter{"Encounter": {{Name: "practitioner", Value: "x"}}}
		}},
		{"unknown channel", func(d *Definition) { d.Channel.Code = "carrier-pigeon" }},
		{"relative endpoint", func(d *Definition) { d.Channel.Endpoint = "/hook" }},
		{"bad scheme", func(d *Definition) { d.Channel.Endpoint = "ftp://example.com/hook" }},
		{"email without mailto", func(d *Definition) {
			d.Channel.Code = ChannelEmail
			d.Channel.Endpoint = "someone@example.com"
		}},
		{"bad content level", func(d *Definition) { d.Channel.ContentLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			tt.mutate(&def)
			if _, err := r.Create(def); err == nil {
				t.Error("Create accepted invalid definition")
			}
		})
	}

	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create valid: %v", err)
	}
	if snap.State != StateRequested {
		t.Errorf("state = %s, want requested", snap.State)
	}
	if snap.ID == "" {
		t.Error("no id assigned")
	}
}

// Create returns a snapshot taken before the subscription becomes visible to
// other goroutines. Concurrent appends against freshly listed subscriptions
// must not bleed into it.
func TestCreateSnapshotUnderConcurrentAppends(t *testing.T) {
	r := newTestRegistry(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, snap := range r.All() {
				_, _ = r.AppendEvent(snap.ID, Event{FocusRef: "Encounter/e1"})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		snap, err := r.Create(validDef())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if snap.State != StateRequested {
			t.Fatalf("fresh snapshot state = %s, want requested", snap.State)
		}
		if snap.CurrentEventCount != 0 {
			t.Fatalf("fresh snapshot already counts %d events", snap.CurrentEventCount)
		}
	}

	close(stop)
	wg.Wait()
}

func TestDeclaredFiltersAccepted(t *testing.T) {
	r := newTestRegistry(t)
	def := validDef()
	def.Filters = map[string][]Filter{"Encounter": {{Name: "patient", Value: "Patient/p1"}}}
	if _, err := r.Create(def); err != nil {
		t.Fatalf("Create with declared filter: %v", err)
	}
}

func TestAppendEventNumbering(t *testing.T) {
	r := newTestRegistry(t)
	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 1; i <= 3; i++ {
		n, err := r.AppendEvent(snap.ID, Event{FocusRef: fmt.Sprintf("Encounter/e%d", i)})
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if n != uint64(i) {
			t.Errorf("event number = %d, want %d", n, i)
		}
	}

	got, err := r.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentEventCount != 3 {
		t.Errorf("CurrentEventCount = %d, want 3", got.CurrentEventCount)
	}
	if got.State != StateActive {
		t.Errorf("state = %s, want active after first event", got.State)
	}
}

func TestAppendEventConcurrentNumbersAreContiguous(t *testing.T) {
	r := newTestRegistry(t)
	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 200
	var wg sync.WaitGroup
	numbers := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			num, err := r.AppendEvent(snap.ID, Event{FocusRef: "Encounter/e1"})
			if err != nil {
				t.Errorf("AppendEvent: %v", err)
				return
			}
			numbers[i] = num
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, num := range numbers {
		if num == 0 || num > n {
			t.Fatalf("event number %d out of range", num)
		}
		if seen[num] {
			t.Fatalf("event number %d allocated twice", num)
		}
		seen[num] = true
	}
}

func TestEventLogRetention(t *testing.T) {
	r := NewRegistry(newTestTopics(t), 5, 10, zerolog.Nop())
	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 25; i++ {
		if _, err := r.AppendEvent(snap.ID, Event{FocusRef: "Encounter/e1"}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	// numbers 1..15 are pruned and stay reserved
	if _, err := r.Events(snap.ID, []uint64{3}); !errors.Is(err, ErrExpired) {
		t.Errorf("Events(3) = %v, want ErrExpired", err)
	}
	events, err := r.Events(snap.ID, []uint64{16, 25})
	if err != nil {
		t.Fatalf("Events(16,25): %v", err)
	}
	if events[0].Number != 16 || events[1].Number != 25 {
		t.Errorf("event numbers = %d, %d", events[0].Number, events[1].Number)
	}

	// range query reports the expired prefix
	inRange, expired, err := r.EventsInRange(snap.ID, 10, 0)
	if err != nil {
		t.Fatalf("EventsInRange: %v", err)
	}
	if len(expired) != 5 { // 11..15
		t.Errorf("expired = %v, want 5 numbers", expired)
	}
	if len(inRange) != 10 { // 16..25
		t.Errorf("inRange = %d events, want 10", len(inRange))
	}
}

func TestFailureAccounting(t *testing.T) {
	r := NewRegistry(newTestTopics(t), 3, 1000, zerolog.Nop())
	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.AppendEvent(snap.ID, Event{FocusRef: "Encounter/e1"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if state := r.MarkFailed(snap.ID, "endpoint unreachable"); state != StateError {
		t.Errorf("after 1 failure state = %s, want error", state)
	}

	r.MarkDelivered(snap.ID)
	got, _ := r.Get(snap.ID)
	if got.State != StateActive || got.ErrorCount != 0 {
		t.Errorf("after recovery state = %s errorCount = %d, want active/0", got.State, got.ErrorCount)
	}

	r.MarkFailed(snap.ID, "x")
	r.MarkFailed(snap.ID, "x")
	if state := r.MarkFailed(snap.ID, "x"); state != StateOff {
		t.Errorf("after errorLimit failures state = %s, want off", state)
	}

	// off generates nothing
	if _, err := r.AppendEvent(snap.ID, Event{FocusRef: "Encounter/e2"}); err == nil {
		t.Error("AppendEvent succeeded on an off subscription")
	}
}

func TestDeleteCancelsAndRemoves(t *testing.T) {
	r := newTestRegistry(t)
	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var cancelled []string
	r.OnDelete(func(id string) { cancelled = append(cancelled, id) })

	if err := r.Delete(snap.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != snap.ID {
		t.Errorf("delete hooks got %v, want [%s]", cancelled, snap.ID)
	}
	if _, err := r.Get(snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestUpdatePreservesLogAndCounters(t *testing.T) {
	r := newTestRegistry(t)
	snap, err := r.Create(validDef())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.AppendEvent(snap.ID, Event{FocusRef: "Encounter/e1"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	def := validDef()
	def.Channel.Endpoint = "https://other.example.com/hook"
	updated, err := r.Update(snap.ID, def)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CurrentEventCount != 1 {
		t.Errorf("CurrentEventCount = %d, want 1", updated.CurrentEventCount)
	}
	if updated.Def.Channel.Endpoint != "https://other.example.com/hook" {
		t.Errorf("endpoint = %q", updated.Def.Channel.Endpoint)
	}
	events, err := r.Events(snap.ID, []uint64{1})
	if err != nil || len(events) != 1 {
		t.Errorf("Events after update = %v, %v", events, err)
	}
}

func TestForTopicExcludesOff(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.Create(validDef())
	b, _ := r.Create(validDef())
	r.MarkOff(b.ID, "end-of-life")

	got := r.ForTopic(testTopicURL)
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("ForTopic = %d subscriptions, want only the live one", len(got))
	}
}

package subscription

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/carewire/internal/fhirdoc"
	"github.com/carewire/carewire/internal/store"
)

// Notification type codes carried in the SubscriptionStatus entry.
const (
	NotificationEvent      = "event-notification"
	NotificationHeartbeat  = "heartbeat"
	NotificationHandshake  = "handshake"
	NotificationStatus     = "query-status"
	NotificationQueryEvent = "query-event"
)

// Bundler assembles notification bundles. Full-resource bodies are resolved
// from the store at bundling time, never from the event log.
type Bundler struct {
	store *store.Store
	now   func() time.Time
}

func NewBundler(st *store.Store) *Bundler {
	return &Bundler{store: st, now: time.Now}
}

// Build produces a history bundle whose first entry is the SubscriptionStatus
// document. Event entries follow in ascending event-number order; at
// full-resource level the referenced bodies follow in the order they were
// first referenced, with vanished resources marked as deleted history
// entries.
func (b *Bundler) Build(sub Snapshot, events []Event, notificationType string) map[string]interface{} {
	status := map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"id":                           uuid.NewString(),
		"status":                       string(sub.State),
		"type":                         notificationType,
		"eventsSinceSubscriptionStart": strconv.FormatUint(sub.CurrentEventCount, 10),
		"subscription": map[string]interface{}{
			"reference": fhirdoc.Ref("Subscription", sub.ID),
		},
		"topic": sub.Def.TopicURL,
	}
	if sub.ErrorCount > 0 {
		status["error"] = []interface{}{
			map[string]interface{}{"text": strconv.FormatUint(uint64(sub.ErrorCount), 10) + " consecutive delivery failures"},
		}
	}

	level := sub.Def.Channel.ContentLevel
	var notificationEvents []interface{}
	for _, ev := range events {
		ne := map[string]interface{}{
			"eventNumber": strconv.FormatUint(ev.Number, 10),
			"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339),
		}
		if level != ContentEmpty {
			ne["focus"] = map[string]interface{}{"reference": ev.FocusRef}
			if len(ev.AdditionalContext) > 0 {
				var refs []interface{}
				for _, ref := range ev.AdditionalContext {
					refs = append(refs, map[string]interface{}{"reference": ref})
				}
				ne["additionalContext"] = refs
			}
		}
		notificationEvents = append(notificationEvents, ne)
	}
	if len(notificationEvents) > 0 {
		status["notificationEvent"] = notificationEvents
	}

	entries := []interface{}{
		map[string]interface{}{"resource": status},
	}

	if level == ContentFullResource {
		entries = append(entries, b.resourceEntries(events)...)
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"timestamp":    b.now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
}

// resourceEntries materializes focus and additional-context bodies, each
// once, in first-reference order. A resource deleted since the event was
// generated becomes a DELETE history entry without a body.
func (b *Bundler) resourceEntries(events []Event) []interface{} {
	var entries []interface{}
	seen := make(map[string]bool)

	addRef := func(ref string) {
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		rt, id := fhirdoc.SplitRef(ref)
		res, err := b.store.Get(rt, id)
		if err != nil {
			if errors.Is(err, store.ErrDeleted) || errors.Is(err, store.ErrNotFound) {
				entries = append(entries, map[string]interface{}{
					"fullUrl": ref,
					"request": map[string]interface{}{"method": "DELETE", "url": ref},
				})
			}
			return
		}
		entries = append(entries, map[string]interface{}{
			"fullUrl":  ref,
			"resource": map[string]interface{}(res),
		})
	}

	for _, ev := range events {
		addRef(ev.FocusRef)
		for _, ref := range ev.AdditionalContext {
			addRef(ref)
		}
	}
	return entries
}

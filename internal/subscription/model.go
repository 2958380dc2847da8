// Package subscription implements the subscription registry: definitions,
// lifecycle state, per-subscription ordered event logs, filter evaluation and
// notification bundling.
package subscription

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("subscription not found")
	ErrExpired  = errors.New("event expired")
)

// State is the subscription lifecycle state.
type State string

const (
	StateRequested State = "requested"
	StateActive    State = "active"
	StateError     State = "error"
	StateOff       State = "off"
)

// ContentLevel controls how much resource data a notification carries.
type ContentLevel string

const (
	ContentEmpty        ContentLevel = "empty"
	ContentIDOnly       ContentLevel = "id-only"
	ContentFullResource ContentLevel = "full-resource"
)

// Channel codes with built-in handlers.
const (
	ChannelRestHook    = "rest-hook"
	ChannelEmail       = "email"
	ChannelChatMessage = "chat-message"
	ChannelWebsocket   = "websocket"
)

// Channel is the delivery configuration of a subscription.
type Channel struct {
	System                   string            `json:"system,omitempty"`
	Code                     string            `json:"code"`
	Endpoint                 string            `json:"endpoint,omitempty"`
	Headers                  map[string]string `json:"headers,omitempty"`
	ContentType              string            `json:"contentType,omitempty"`
	ContentLevel             ContentLevel      `json:"contentLevel,omitempty"`
	HeartbeatSeconds         int               `json:"heartbeatSeconds,omitempty"`
	TimeoutSeconds           int               `json:"timeoutSeconds,omitempty"`
	MaxEventsPerNotification int               `json:"maxEventsPerNotification,omitempty"`
}

// Filter is one search-style filter entry.
type Filter struct {
	Name       string `json:"name"`
	Comparator string `json:"comparator,omitempty"` // eq ne gt ge lt le
	Modifier   string `json:"modifier,omitempty"`   // contains
	Value      string `json:"value"`
}

// Definition is the caller-supplied part of a subscription.
type Definition struct {
	TopicURL string              `json:"topicUrl"`
	Filters  map[string][]Filter `json:"filters,omitempty"` // resourceType (or "*") -> filters
	Channel  Channel             `json:"channel"`
}

// Event is one entry in a subscription's log. FocusSnapshot is retained only
// for full-resource subscriptions.
type Event struct {
	Number            uint64                 `json:"eventNumber"`
	Timestamp         time.Time              `json:"timestamp"`
	FocusRef          string                 `json:"focus"`
	AdditionalContext []string               `json:"additionalContext,omitempty"`
	FocusSnapshot     map[string]interface{} `json:"-"`
	FocusDeleted      bool                   `json:"-"`
}

func validateChannel(ch Channel) error {
	switch ch.Code {
	case ChannelRestHook:
		return validateEndpointURL(ch.Endpoint, "http", "https")
	case ChannelEmail:
		if !strings.HasPrefix(ch.Endpoint, "mailto:") {
			return fmt.Errorf("email channel endpoint must be a mailto: URI, got %q", ch.Endpoint)
		}
		if len(ch.Endpoint) == len("mailto:") {
			return errors.New("email channel endpoint has no address")
		}
		return nil
	case ChannelChatMessage:
		if ch.Endpoint == "" {
			return errors.New("chat-message channel requires a destination endpoint")
		}
		return nil
	case ChannelWebsocket:
		// clients attach over the server's own websocket route
		return nil
	case "":
		return errors.New("channel code is required")
	default:
		return fmt.Errorf("unknown channel code %q", ch.Code)
	}
}

func validateEndpointURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("endpoint %q must be absolute", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("endpoint %q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("endpoint scheme %q not allowed (want one of %s)", u.Scheme, strings.Join(schemes, ", "))
}

func validContentLevel(cl ContentLevel) bool {
	switch cl {
	case ContentEmpty, ContentIDOnly, ContentFullResource:
		return true
	}
	return false
}

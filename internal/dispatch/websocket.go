package dispatch

import (
	"context"

	"github.com/carewire/carewire/internal/subscription"
)

// Publisher pushes a payload to clients bound to a subscription id. The
// websocket hub satisfies it.
type Publisher interface {
	Publish(subscriptionID string, payload []byte)
}

// WebsocketHandler publishes notifications into the hub. Delivery is
// fire-and-forget: an empty client set is still a successful delivery.
type WebsocketHandler struct {
	publisher Publisher
}

func NewWebsocketHandler(publisher Publisher) *WebsocketHandler {
	return &WebsocketHandler{publisher: publisher}
}

func (h *WebsocketHandler) Deliver(_ context.Context, sub subscription.Snapshot, payload []byte, _ string) error {
	h.publisher.Publish(sub.ID, payload)
	return nil
}

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carewire/carewire/internal/subscription"
)

// RestHookHandler posts notification bundles to the subscription's endpoint.
type RestHookHandler struct {
	client *http.Client
}

type RestHookOption func(*RestHookHandler)

// WithHTTPClient replaces the default client, mainly for tests.
func WithHTTPClient(c *http.Client) RestHookOption {
	return func(h *RestHookHandler) { h.client = c }
}

func NewRestHookHandler(opts ...RestHookOption) *RestHookHandler {
	h := &RestHookHandler{
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *RestHookHandler) Deliver(ctx context.Context, sub subscription.Snapshot, payload []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Def.Channel.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range sub.Def.Channel.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", sub.Def.Channel.Endpoint, err) // transport failures retry
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case retryableStatus(resp.StatusCode):
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	default:
		return FatalStatusError(resp.StatusCode)
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

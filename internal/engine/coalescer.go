package engine

import (
	"context"
	"sync"
	"time"
)

// coalescer batches freshly appended event numbers per subscription. A batch
// flushes when it reaches the channel's maxEventsPerNotification or when the
// hold window elapses, whichever comes first. Channels with a max of one
// bypass batching entirely.
type coalescer struct {
	mu      sync.Mutex
	pending map[string]*batch
	window  time.Duration
	flush   func(ctx context.Context, subscriptionID string, numbers []uint64)
}

type batch struct {
	numbers []uint64
	timer   *time.Timer
}

func newCoalescer(window time.Duration, flush func(context.Context, string, []uint64)) *coalescer {
	return &coalescer{
		pending: make(map[string]*batch),
		window:  window,
		flush:   flush,
	}
}

func (c *coalescer) add(ctx context.Context, subscriptionID string, number uint64, maxEvents int) {
	if maxEvents <= 1 {
		c.flush(ctx, subscriptionID, []uint64{number})
		return
	}

	c.mu.Lock()
	b := c.pending[subscriptionID]
	if b == nil {
		b = &batch{}
		c.pending[subscriptionID] = b
		b.timer = time.AfterFunc(c.window, func() {
			c.flushID(subscriptionID)
		})
	}
	b.numbers = append(b.numbers, number)
	if len(b.numbers) >= maxEvents {
		b.timer.Stop()
		numbers := b.numbers
		delete(c.pending, subscriptionID)
		c.mu.Unlock()
		c.flush(ctx, subscriptionID, numbers)
		return
	}
	c.mu.Unlock()
}

func (c *coalescer) flushID(subscriptionID string) {
	c.mu.Lock()
	b := c.pending[subscriptionID]
	delete(c.pending, subscriptionID)
	c.mu.Unlock()
	if b == nil || len(b.numbers) == 0 {
		return
	}
	c.flush(context.Background(), subscriptionID, b.numbers)
}

// flushAll releases every pending batch, used on shutdown.
func (c *coalescer) flushAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*batch)
	c.mu.Unlock()
	for id, b := range pending {
		b.timer.Stop()
		if len(b.numbers) > 0 {
			c.flush(context.Background(), id, b.numbers)
		}
	}
}

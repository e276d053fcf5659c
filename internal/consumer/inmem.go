package consumer

import (
	"context"
	"sync"
	"sync/atomic"
)

// InMem is a channel-backed Consumer for tests and the mock-engine
// developer mode. Failed messages are redelivered until they succeed,
// matching the at-least-once contract of the real backends.
type InMem struct {
	concurrency int
	ch          chan []byte
	inFlight    atomic.Int32
	ready       atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewInMem creates an in-memory consumer with the given delivery
// concurrency and buffer.
func NewInMem(concurrency int) *InMem {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &InMem{concurrency: concurrency, ch: make(chan []byte, 1024)}
}

// Publish enqueues a payload for delivery.
func (c *InMem) Publish(payload []byte) {
	c.ch <- payload
}

// Start implements Consumer.
func (c *InMem) Start(ctx context.Context, handle HandleFunc) error {
	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload := <-c.ch:
					c.inFlight.Add(1)
					if err := handle(ctx, payload); err != nil {
						// Redeliver. The inFlight count covers the gap so
						// the queue never looks momentarily empty.
						c.ch <- payload
					}
					c.inFlight.Add(-1)
				}
			}
		}()
	}
	c.ready.Store(true)
	return nil
}

// Stop implements Consumer.
func (c *InMem) Stop(ctx context.Context) error {
	c.ready.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending implements Consumer.
func (c *InMem) Pending() int {
	return len(c.ch) + int(c.inFlight.Load())
}

// Ready implements Consumer.
func (c *InMem) Ready() bool { return c.ready.Load() }

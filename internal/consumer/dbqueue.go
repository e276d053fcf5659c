package consumer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/types"
)

// dbClaimLease is how long a claimed queue row stays invisible to other
// consumers. Generous relative to handler time; an expired claim is
// simply redelivered.
const dbClaimLease = time.Minute

// DBQueue consumes info messages from the sz_message_queue table in the
// mart database. On SQLite the consumer shares the mart's single writer
// connection, so claims serialize with all other mart writes; on
// PostgreSQL the claim select skips rows locked by other consumers.
type DBQueue struct {
	mart        *mart.Mart
	concurrency int
	poll        time.Duration

	inFlight atomic.Int32
	ready    atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDBQueue creates a database-backed consumer.
func NewDBQueue(m *mart.Mart, concurrency int) *DBQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &DBQueue{mart: m, concurrency: concurrency, poll: 250 * time.Millisecond}
}

// Start implements Consumer.
func (c *DBQueue) Start(ctx context.Context, handle HandleFunc) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.ready.Store(true)
	c.wg.Add(1)
	go c.pollLoop(ctx, handle)
	return nil
}

func (c *DBQueue) pollLoop(ctx context.Context, handle HandleFunc) {
	defer c.wg.Done()
	workers := new(errgroup.Group)
	workers.SetLimit(c.concurrency)
	defer func() { _ = workers.Wait() }()

	for ctx.Err() == nil {
		claimID := types.NewOperationID()
		msgs, err := c.mart.ClaimMessages(ctx, c.concurrency, claimID, time.Now().UTC().Add(dbClaimLease))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("db queue: claim failed, backing off: %v", err)
			msgs = nil
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.poll):
			}
			continue
		}
		for _, msg := range msgs {
			c.inFlight.Add(1)
			workers.Go(func() error {
				defer c.inFlight.Add(-1)
				if err := handle(ctx, msg.Payload); err != nil {
					log.Printf("db queue: handler failed, releasing message %d: %v", msg.MessageID, err)
					if nerr := c.mart.NackMessage(ctx, msg.MessageID); nerr != nil {
						log.Printf("db queue: release of message %d failed: %v", msg.MessageID, nerr)
					}
					return nil
				}
				if aerr := c.mart.AckMessage(ctx, msg.MessageID); aerr != nil {
					log.Printf("db queue: ack of message %d failed (will redeliver on lease expiry): %v", msg.MessageID, aerr)
				}
				return nil
			})
		}
	}
}

// Stop implements Consumer.
func (c *DBQueue) Stop(ctx context.Context) error {
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

// Pending implements Consumer. The table depth is the real backlog.
func (c *DBQueue) Pending() int {
	depth, err := c.mart.QueueDepth(context.Background())
	if err != nil {
		return int(c.inFlight.Load())
	}
	return int(depth)
}

// Ready implements Consumer.
func (c *DBQueue) Ready() bool { return c.ready.Load() }

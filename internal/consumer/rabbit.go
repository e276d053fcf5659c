package consumer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/entresolve/martd/internal/connuri"
)

// Rabbit consumes info messages from one named AMQP queue. Deliveries
// are manually acknowledged after the handler succeeds; handler errors
// turn into nack-with-requeue. A lost connection is redialed with
// exponential backoff until Stop.
type Rabbit struct {
	uri         *connuri.AMQPURI
	queue       string
	concurrency int

	inFlight atomic.Int32
	ready    atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewRabbit creates a broker consumer for the named queue.
func NewRabbit(uri *connuri.AMQPURI, queue string, concurrency int) *Rabbit {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Rabbit{uri: uri, queue: queue, concurrency: concurrency}
}

// Start implements Consumer. The first connection attempt is
// synchronous so configuration errors surface at startup; reconnects
// afterwards happen in the background.
func (r *Rabbit) Start(ctx context.Context, handle HandleFunc) error {
	ctx, r.cancel = context.WithCancel(ctx)

	deliveries, err := r.connect()
	if err != nil {
		return fmt.Errorf("rabbit consumer: %w", err)
	}
	r.ready.Store(true)

	r.wg.Add(1)
	go r.consumeLoop(ctx, deliveries, handle)
	return nil
}

// connect dials, opens a channel with prefetch, and begins consuming.
func (r *Rabbit) connect() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(r.uri.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.uri.Host, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	// Prefetch bounds how many unacked deliveries the broker pushes;
	// matching the worker count keeps redelivery latency low on crash.
	if err := ch.Qos(r.concurrency, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume %s: %w", r.queue, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return deliveries, nil
}

// consumeLoop fans deliveries out to workers and redials when the
// channel closes.
func (r *Rabbit) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handle HandleFunc) {
	defer r.wg.Done()
	for {
		r.consumeBatch(ctx, deliveries, handle)
		if ctx.Err() != nil {
			return
		}

		// Connection lost. Redial until it works or we are stopped.
		r.ready.Store(false)
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		for {
			if ctx.Err() != nil {
				return
			}
			var err error
			deliveries, err = r.connect()
			if err == nil {
				break
			}
			wait := bo.NextBackOff()
			log.Printf("rabbit consumer: reconnect failed, retrying in %s: %v", wait.Round(time.Second), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		r.ready.Store(true)
	}
}

// consumeBatch processes one delivery channel until it closes.
func (r *Rabbit) consumeBatch(ctx context.Context, deliveries <-chan amqp.Delivery, handle HandleFunc) {
	var workers sync.WaitGroup
	sem := make(chan struct{}, r.concurrency)
	for {
		select {
		case <-ctx.Done():
			workers.Wait()
			return
		case d, ok := <-deliveries:
			if !ok {
				workers.Wait()
				return
			}
			sem <- struct{}{}
			workers.Add(1)
			r.inFlight.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					r.inFlight.Add(-1)
					workers.Done()
					<-sem
				}()
				if err := handle(ctx, d.Body); err != nil {
					log.Printf("rabbit consumer: handler failed, requeueing: %v", err)
					_ = d.Nack(false, true)
					return
				}
				_ = d.Ack(false)
			}(d)
		}
	}
}

// Stop implements Consumer.
func (r *Rabbit) Stop(ctx context.Context) error {
	r.ready.Store(false)
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending implements Consumer. The broker holds the backlog; only
// in-flight deliveries are visible here.
func (r *Rabbit) Pending() int { return int(r.inFlight.Load()) }

// Ready implements Consumer.
func (r *Rabbit) Ready() bool { return r.ready.Load() }

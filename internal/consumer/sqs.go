package consumer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/entresolve/martd/internal/connuri"
)

// sqsVisibility is the visibility timeout requested on receive. While a
// handler runs, a keeper goroutine extends it at half-life so a slow
// schedule attempt does not cause premature redelivery.
const sqsVisibility = 30 * time.Second

// sqsAPI is the slice of the SQS client the consumer uses; tests
// substitute a fake.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQS consumes info messages from a cloud queue with long polling.
type SQS struct {
	client   sqsAPI
	queueURL string

	concurrency int
	inFlight    atomic.Int32
	ready       atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewSQS builds a cloud-queue consumer. Credentials come from the
// default AWS provider chain; the region is taken from the queue URL.
func NewSQS(ctx context.Context, uri *connuri.SQSURI, concurrency int) (*SQS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(uri.Region()))
	if err != nil {
		return nil, fmt.Errorf("sqs consumer: load aws config: %w", err)
	}
	return newSQSWithClient(sqs.NewFromConfig(cfg), uri.String(), concurrency), nil
}

func newSQSWithClient(client sqsAPI, queueURL string, concurrency int) *SQS {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &SQS{client: client, queueURL: queueURL, concurrency: concurrency}
}

// Start implements Consumer.
func (c *SQS) Start(ctx context.Context, handle HandleFunc) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.ready.Store(true)
	c.wg.Add(1)
	go c.pollLoop(ctx, handle)
	return nil
}

func (c *SQS) pollLoop(ctx context.Context, handle HandleFunc) {
	defer c.wg.Done()
	sem := make(chan struct{}, c.concurrency)
	var workers sync.WaitGroup
	defer workers.Wait()

	for ctx.Err() == nil {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: int32(min(10, c.concurrency)),
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(sqsVisibility / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("sqs consumer: receive failed, backing off: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, msg := range out.Messages {
			sem <- struct{}{}
			workers.Add(1)
			c.inFlight.Add(1)
			go func(msg sqstypes.Message) {
				defer func() {
					c.inFlight.Add(-1)
					workers.Done()
					<-sem
				}()
				c.process(ctx, msg, handle)
			}(msg)
		}
	}
}

// process runs the handler with visibility kept alive, then deletes on
// success or zeroes visibility for prompt redelivery on failure.
func (c *SQS) process(ctx context.Context, msg sqstypes.Message, handle HandleFunc) {
	keepCtx, stopKeeper := context.WithCancel(ctx)
	defer stopKeeper()
	go c.keepVisible(keepCtx, msg.ReceiptHandle)

	err := handle(ctx, []byte(aws.ToString(msg.Body)))
	stopKeeper()

	if err != nil {
		log.Printf("sqs consumer: handler failed, releasing message: %v", err)
		_, _ = c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(c.queueURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		})
		return
	}
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		// The handler already committed its schedule; redelivery will
		// coalesce in the scheduler, so a failed delete is only noise.
		log.Printf("sqs consumer: delete failed (message will redeliver): %v", err)
	}
}

func (c *SQS) keepVisible(ctx context.Context, receipt *string) {
	tick := time.NewTicker(sqsVisibility / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(c.queueURL),
				ReceiptHandle:     receipt,
				VisibilityTimeout: int32(sqsVisibility / time.Second),
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("sqs consumer: visibility extension failed: %v", err)
			}
		}
	}
}

// Stop implements Consumer.
func (c *SQS) Stop(ctx context.Context) error {
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
func (c *SQS) Pending() int { return int(c.inFlight.Load()) }

// Ready implements Consumer.
func (c *SQS) Ready() bool { return c.ready.Load() }

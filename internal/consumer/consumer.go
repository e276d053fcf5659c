// Package consumer pulls info messages from the configured queue and
// feeds them to the replicator. Three interchangeable backends exist:
// an AMQP broker queue, an SQS cloud queue, and a table in the mart
// database itself. A channel-backed in-memory consumer serves tests
// and the mock-engine developer mode.
//
// The contract with the handler is at-least-once: a message is
// acknowledged only after the handler returns nil; any error triggers
// redelivery where the backend supports it.
package consumer

import (
	"context"
)

// HandleFunc processes one raw info payload. Returning nil acknowledges
// the message; returning an error negatively acknowledges it so the
// backend redelivers.
type HandleFunc func(ctx context.Context, payload []byte) error

// Consumer is one info-queue backend.
type Consumer interface {
	// Start begins delivery to handle. It returns once the backend is
	// connected and consuming; delivery continues on background
	// goroutines until Stop or ctx cancellation.
	Start(ctx context.Context, handle HandleFunc) error

	// Stop halts delivery and waits for in-flight handlers, bounded by ctx.
	Stop(ctx context.Context) error

	// Pending reports the known backlog: messages in flight plus any
	// backlog the backend can observe cheaply. Feeds the idle check.
	Pending() int

	// Ready reports whether the backend is connected and consuming.
	Ready() bool
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

const pipelineScopeName = "github.com/entresolve/martd/replicator"

// PipelineStats is the snapshot the pipeline observer reports on each
// metric collection.
type PipelineStats struct {
	MessagesHandled  uint64
	MessagesRejected uint64
	TasksCompleted   uint64
	TasksDropped     uint64
	ConsumerBacklog  int
	TasksRemaining   int
	FollowUpBacklog  int
	UnappliedPending int64
}

// ObservePipeline registers martd.* instruments backed by the given
// snapshot function. The function is only called while telemetry is
// enabled and an exporter collects. The returned func unregisters the
// callback; it is safe to call on shutdown.
func ObservePipeline(stats func(context.Context) (PipelineStats, error)) (func(), error) {
	m := Meter(pipelineScopeName)

	handled, err := m.Int64ObservableCounter("martd.messages.handled",
		metric.WithDescription("Info messages accepted from the queue"))
	if err != nil {
		return nil, err
	}
	rejected, err := m.Int64ObservableCounter("martd.messages.rejected",
		metric.WithDescription("Unparseable info messages nacked or dropped"))
	if err != nil {
		return nil, err
	}
	completed, err := m.Int64ObservableCounter("martd.tasks.completed",
		metric.WithDescription("Scheduler tasks finished"))
	if err != nil {
		return nil, err
	}
	dropped, err := m.Int64ObservableCounter("martd.tasks.dropped",
		metric.WithDescription("Scheduler tasks dropped after exhausting retries"))
	if err != nil {
		return nil, err
	}
	backlog, err := m.Int64ObservableGauge("martd.consumer.backlog",
		metric.WithDescription("Messages received but not yet handled"))
	if err != nil {
		return nil, err
	}
	remaining, err := m.Int64ObservableGauge("martd.tasks.remaining",
		metric.WithDescription("Scheduler tasks queued or running"))
	if err != nil {
		return nil, err
	}
	followups, err := m.Int64ObservableGauge("martd.followups.noted",
		metric.WithDescription("Report keys noted for the next follow-up sweep"))
	if err != nil {
		return nil, err
	}
	pending, err := m.Int64ObservableGauge("martd.pending.unapplied",
		metric.WithDescription("Unleased rows in the pending-delta ledger"))
	if err != nil {
		return nil, err
	}

	reg, err := m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, err := stats(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(handled, int64(s.MessagesHandled))
		o.ObserveInt64(rejected, int64(s.MessagesRejected))
		o.ObserveInt64(completed, int64(s.TasksCompleted))
		o.ObserveInt64(dropped, int64(s.TasksDropped))
		o.ObserveInt64(backlog, int64(s.ConsumerBacklog))
		o.ObserveInt64(remaining, int64(s.TasksRemaining))
		o.ObserveInt64(followups, int64(s.FollowUpBacklog))
		o.ObserveInt64(pending, s.UnappliedPending)
		return nil
	}, handled, rejected, completed, dropped, backlog, remaining, followups, pending)
	if err != nil {
		return nil, err
	}
	return func() { _ = reg.Unregister() }, nil
}

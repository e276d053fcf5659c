// Package replicator assembles the data-mart replication pipeline:
// info messages come in from the consumer, the scheduler fans them out
// as per-entity refresh tasks, the refresh handler reconciles engine
// views into mart rows while appending pending report deltas, and the
// report handlers drain those deltas into the pre-aggregated statistic
// tables under a lease protocol.
//
// The accounting invariant the whole package leans on: at any commit
// point, every statistic equals the sum of its applied report rows plus
// its unapplied pending deltas, and that sum equals the footprint sum
// of the entities the mart currently stores. Refreshes maintain it by
// settling any shared row they re-point (records adopted from another
// entity, relation edges added or removed) in the same transaction.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entresolve/martd/internal/consumer"
	"github.com/entresolve/martd/internal/debug"
	"github.com/entresolve/martd/internal/engine"
	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/scheduler"
	"github.com/entresolve/martd/internal/types"
)

// State is the service lifecycle phase.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	// StateIdle is READY with nothing in flight anywhere in the
	// pipeline. Stats reports it in place of READY when the snapshot it
	// takes is quiescent; the stored phase stays READY.
	StateIdle      State = "IDLE"
	StateDestroyed State = "DESTROYED"
)

// Options wires a Service. Engine, Mart, and Consumer are required.
type Options struct {
	Engine   engine.Repository
	Mart     *mart.Mart
	Consumer consumer.Consumer

	// Concurrency sizes the task worker pool. Defaults to 4.
	Concurrency int

	// LeaseDuration bounds report-handler apply time. Zero selects
	// DefaultLeaseDuration.
	LeaseDuration time.Duration

	// RetryCeiling caps the scheduler's retry backoff. Zero keeps the
	// scheduler default.
	RetryCeiling time.Duration

	// FollowUpPeriod is the sweep interval of the report follow-up
	// loop. Zero selects DefaultFollowUpPeriod.
	FollowUpPeriod time.Duration
}

// Stats is a point-in-time snapshot of service progress.
type Stats struct {
	State            State
	MessagesHandled  uint64
	MessagesRejected uint64
	ConsumerBacklog  int
	TasksRemaining   int
	TasksCompleted   uint64
	TasksDropped     uint64
	FollowUpBacklog  int
	UnappliedPending int64
}

// Service is the assembled replicator: consumer in, scheduler in the
// middle, refresh and report handlers against the mart. Create with
// New, then Start; the service runs on background goroutines until
// Shutdown.
type Service struct {
	opts Options

	sched     *scheduler.Scheduler
	followUps *followUps

	mu    sync.Mutex
	state State

	readyCh chan struct{}
	cancel  context.CancelFunc

	messagesHandled  atomic.Uint64
	messagesRejected atomic.Uint64
}

// New validates the wiring and returns a stopped service.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("replicator: engine repository is required")
	}
	if opts.Mart == nil {
		return nil, errors.New("replicator: mart database is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("replicator: message consumer is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Service{
		opts:    opts,
		state:   StateInitializing,
		readyCh: make(chan struct{}),
	}, nil
}

// Start brings the service to READY: schema ensured, engine probed,
// handlers registered, recovery seeded, consumer running. The passed
// context bounds startup and is the parent of all background work.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if err := s.opts.Mart.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("replicator: ensure schema: %w", err)
	}

	info, err := s.opts.Engine.Version(ctx)
	if err != nil {
		return fmt.Errorf("replicator: engine version probe: %w", err)
	}
	log.Printf("replicator: engine %s %s ready", info.Name, info.Version)

	s.sched = scheduler.New(scheduler.Options{
		Concurrency: s.opts.Concurrency,
		MaxBackoff:  s.opts.RetryCeiling,
	})
	s.followUps = newFollowUps(s.sched, s.opts.FollowUpPeriod)

	refresh := NewRefreshHandler(s.opts.Engine, s.opts.Mart, s.followUps.Note)
	reports := NewReportHandler(s.opts.Mart, s.opts.LeaseDuration)
	s.sched.Register(types.ActionRefreshEntity, refresh)
	for _, action := range []string{
		types.ActionUpdateDataSourceSummary,
		types.ActionUpdateCrossSourceSummary,
		types.ActionUpdateEntitySizeBreakdown,
		types.ActionUpdateEntityRelationBreakdown,
	} {
		s.sched.Register(action, reports)
	}

	// Ledger rows from an earlier run are report work nobody will
	// re-request; seed the follow-up loop with their keys.
	keys, err := s.opts.Mart.DistinctPendingKeys(ctx)
	if err != nil {
		return fmt.Errorf("replicator: recover pending keys: %w", err)
	}
	if len(keys) > 0 {
		log.Printf("replicator: recovering %d report keys with unapplied deltas", len(keys))
		s.followUps.Seed(keys)
	}

	s.sched.Start(runCtx)
	s.followUps.Start(runCtx)
	s.followUps.Flush()

	if err := s.opts.Consumer.Start(runCtx, s.handleMessage); err != nil {
		return fmt.Errorf("replicator: start consumer: %w", err)
	}

	s.setState(StateReady)
	close(s.readyCh)
	return nil
}

// handleMessage turns one info payload into refresh tasks, committed as
// one group so a multi-entity message schedules atomically.
func (s *Service) handleMessage(ctx context.Context, payload []byte) error {
	msgs, err := types.ParseInfoMessages(payload)
	if err != nil {
		s.messagesRejected.Add(1)
		log.Printf("replicator: rejecting message: %v", err)
		return err
	}

	handle := s.sched.NewHandle()
	scheduled := 0
	for _, msg := range msgs {
		for _, entityID := range msg.AffectedEntities {
			ScheduleRefresh(handle, entityID)
			scheduled++
		}
	}
	handle.Commit()
	debug.Logf("replicator: message scheduled %d refreshes\n", scheduled)
	s.messagesHandled.Add(1)
	return nil
}

// WaitUntilReady blocks until Start completes or ctx expires.
func (s *Service) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the lifecycle phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stats snapshots progress across the pipeline.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	unapplied, err := s.opts.Mart.UnleasedPendingCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	schedStats := s.sched.Stats()
	out := Stats{
		State:            s.State(),
		MessagesHandled:  s.messagesHandled.Load(),
		MessagesRejected: s.messagesRejected.Load(),
		ConsumerBacklog:  s.opts.Consumer.Pending(),
		TasksRemaining:   schedStats.Remaining(),
		TasksCompleted:   schedStats.Completed,
		TasksDropped:     schedStats.Dropped,
		FollowUpBacklog:  s.followUps.Backlog(),
		UnappliedPending: unapplied,
	}
	if out.State == StateReady && out.ConsumerBacklog == 0 && out.TasksRemaining == 0 &&
		out.FollowUpBacklog == 0 && out.UnappliedPending == 0 {
		out.State = StateIdle
	}
	return out, nil
}

// quiescent reports whether the whole pipeline is empty right now:
// nothing in the queue backlog, no queued or running tasks, no noted
// follow-ups, and no unleased pending rows.
func (s *Service) quiescent(ctx context.Context) (bool, error) {
	if s.opts.Consumer.Pending() > 0 || s.sched.Stats().Remaining() > 0 {
		return false, nil
	}
	if s.followUps.Backlog() > 0 {
		return false, nil
	}
	unapplied, err := s.opts.Mart.UnleasedPendingCount(ctx)
	if err != nil {
		return false, err
	}
	return unapplied == 0, nil
}

// WaitUntilIdle blocks until the pipeline has been continuously
// quiescent for the quiet duration, or fails after maxWait. A follow-up
// sweep is forced whenever the only remaining work is noted follow-up
// keys, so idleness does not wait on the periodic timer.
func (s *Service) WaitUntilIdle(ctx context.Context, quiet, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	var quietSince time.Time

	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.followUps.Backlog() > 0 && s.sched.Stats().Remaining() == 0 {
			s.followUps.Flush()
		}
		idle, err := s.quiescent(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		if !idle {
			quietSince = time.Time{}
		} else if quietSince.IsZero() {
			quietSince = now
		} else if now.Sub(quietSince) >= quiet {
			return nil
		}
		if now.After(deadline) {
			return fmt.Errorf("replicator: not idle after %s", maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Shutdown stops intake, drains in-flight work bounded by ctx, and
// tears the pipeline down. The mart handle stays open; the caller that
// opened it closes it.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.opts.Consumer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumer: %w", err))
	}
	if s.followUps != nil {
		s.followUps.Stop()
	}
	if s.sched != nil {
		if err := s.sched.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain scheduler: %w", err))
		}
		if err := s.sched.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.setState(StateDestroyed)
	return errors.Join(errs...)
}

// EntityIDParam renders an entity id the way refresh tasks carry it.
// Exposed for introspection endpoints and tests.
func EntityIDParam(entityID int64) string { return strconv.FormatInt(entityID, 10) }

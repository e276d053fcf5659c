package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	s := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = s.Stop(stopCtx)
		cancel()
	})
	_ = ctx
	return s
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func TestScheduleKeyDeterministic(t *testing.T) {
	a := &Task{Action: "X", Parameters: map[string]string{"k1": "v1", "k2": "v2"},
		Resources: []Resource{{ResourceEntity, "1"}, {ResourceReport, "DSS:A"}}}
	b := &Task{Action: "X", Parameters: map[string]string{"k2": "v2", "k1": "v1"},
		Resources: []Resource{{ResourceReport, "DSS:A"}, {ResourceEntity, "1"}}}
	assert.Equal(t, a.ScheduleKey(), b.ScheduleKey(), "key ignores map and slice order")

	c := &Task{Action: "X", Parameters: map[string]string{"k1": "v1"}}
	assert.NotEqual(t, a.ScheduleKey(), c.ScheduleKey())
}

func TestDeduplicationAccumulatesMultiplicity(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 2})

	var invocations atomic.Int32
	var multiplicity atomic.Int32
	s.Register("X", HandlerFunc(func(ctx context.Context, task *Task, _ *Handle) error {
		invocations.Add(1)
		multiplicity.Add(int32(task.Multiplicity))
		return nil
	}))

	// Enqueue N equal tasks before any dispatch.
	h := s.NewHandle()
	const n = 25
	for i := 0; i < n; i++ {
		h.Schedule("X", map[string]string{"entity_id": "1"}, Resource{ResourceEntity, "1"})
	}
	h.Commit()
	s.Start(context.Background())
	drain(t, s)

	assert.Equal(t, int32(1), invocations.Load(), "equal tasks coalesce into one dispatch")
	assert.Equal(t, int32(n), multiplicity.Load(), "multiplicity carries the enqueue count")
}

func TestResourceSerialization(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 8})

	var mu sync.Mutex
	inFlight := map[string]int{}
	maxInFlight := map[string]int{}
	order := []string{}

	s.Register("X", HandlerFunc(func(ctx context.Context, task *Task, _ *Handle) error {
		res := task.Param("resource")
		mu.Lock()
		inFlight[res]++
		if inFlight[res] > maxInFlight[res] {
			maxInFlight[res] = inFlight[res]
		}
		order = append(order, task.Param("seq"))
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[res]--
		mu.Unlock()
		return nil
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	for i := 0; i < 10; i++ {
		// Distinct parameters defeat dedup; the shared resource is what
		// serializes them.
		h.Schedule("X", map[string]string{"resource": "E1", "seq": strconv.Itoa(i)},
			Resource{ResourceEntity, "E1"})
	}
	h.Commit()
	drain(t, s)

	assert.Equal(t, 1, maxInFlight["E1"], "same resource never runs concurrently")

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		assert.Equal(t, strconv.Itoa(i), seq, "same-resource waiters dispatch FIFO")
	}
}

func TestDistinctResourcesRunConcurrently(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 4})

	var peak atomic.Int32
	var current atomic.Int32
	release := make(chan struct{})
	s.Register("X", HandlerFunc(func(ctx context.Context, task *Task, _ *Handle) error {
		v := current.Add(1)
		for {
			p := peak.Load()
			if v <= p || peak.CompareAndSwap(p, v) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	for i := 0; i < 4; i++ {
		h.Schedule("X", map[string]string{"i": strconv.Itoa(i)},
			Resource{ResourceEntity, strconv.Itoa(i)})
	}
	h.Commit()

	require.Eventually(t, func() bool { return current.Load() == 4 },
		5*time.Second, time.Millisecond)
	close(release)
	drain(t, s)
	assert.Equal(t, int32(4), peak.Load())
}

func TestRollbackDiscardsGroup(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 1})
	var ran atomic.Int32
	s.Register("X", HandlerFunc(func(context.Context, *Task, *Handle) error {
		ran.Add(1)
		return nil
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	h.Schedule("X", nil)
	h.Schedule("X", map[string]string{"k": "v"})
	assert.Equal(t, 2, h.Pending())
	h.Rollback()
	h.Commit() // after rollback: no-op

	drain(t, s)
	assert.Zero(t, ran.Load())
}

func TestFollowUpTiedToParentSuccess(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 1, MaxAttempts: 1})
	var followUps atomic.Int32

	s.Register("child", HandlerFunc(func(context.Context, *Task, *Handle) error {
		followUps.Add(1)
		return nil
	}))
	s.Register("ok-parent", HandlerFunc(func(_ context.Context, _ *Task, followup *Handle) error {
		followup.Schedule("child", map[string]string{"from": "ok"})
		return nil
	}))
	s.Register("bad-parent", HandlerFunc(func(_ context.Context, _ *Task, followup *Handle) error {
		followup.Schedule("child", map[string]string{"from": "bad"})
		return errors.New("boom")
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	h.Schedule("ok-parent", nil)
	h.Schedule("bad-parent", nil)
	h.Commit()
	drain(t, s)

	assert.Equal(t, int32(1), followUps.Load(), "only the successful parent's follow-up runs")
}

func TestRetryableErrorRetriesThenSucceeds(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 1, MaxAttempts: 5, InitialBackoff: time.Millisecond})
	var attempts atomic.Int32
	s.Register("X", HandlerFunc(func(_ context.Context, task *Task, _ *Handle) error {
		if attempts.Add(1) < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	h.Schedule("X", nil)
	h.Commit()
	drain(t, s)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(1), s.Stats().Completed)
	assert.Zero(t, s.Stats().Dropped)
}

func TestFatalErrorDropsTask(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 1, MaxAttempts: 5, InitialBackoff: time.Millisecond})
	var attempts atomic.Int32
	s.Register("X", HandlerFunc(func(context.Context, *Task, *Handle) error {
		attempts.Add(1)
		return errors.New("constraint violation")
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	h.Schedule("X", nil)
	h.Commit()
	drain(t, s)

	assert.Equal(t, int32(1), attempts.Load(), "unclassified errors do not retry")
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestRetryExhaustionDrops(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 1, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	var attempts atomic.Int32
	s.Register("X", HandlerFunc(func(context.Context, *Task, *Handle) error {
		attempts.Add(1)
		return Retryable(errors.New("still broken"))
	}))
	s.Start(context.Background())

	h := s.NewHandle()
	h.Schedule("X", nil)
	h.Commit()
	drain(t, s)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestUnknownActionDropped(t *testing.T) {
	s := startScheduler(t, Options{Concurrency: 1})
	s.Start(context.Background())
	h := s.NewHandle()
	h.Schedule("nope", nil)
	h.Commit()
	drain(t, s)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

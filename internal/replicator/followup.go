package replicator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/entresolve/martd/internal/debug"
	"github.com/entresolve/martd/internal/scheduler"
	"github.com/entresolve/martd/internal/types"
)

// DefaultFollowUpPeriod is how often the follow-up loop sweeps its
// noted keys into report-update tasks.
const DefaultFollowUpPeriod = 10 * time.Second

// followUps is the safety net under the direct follow-up tasks: every
// report key a refresh touches is noted here, and a periodic sweep
// schedules an update for each noted key. A key whose direct follow-up
// already drained the ledger costs one no-op lease attempt; a key whose
// direct follow-up was lost to a crash or a dropped task still gets
// applied. At startup the map is seeded from the keys already present
// in the ledger.
type followUps struct {
	sched  *scheduler.Scheduler
	period time.Duration

	mu      sync.Mutex
	pending map[types.ReportKey]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newFollowUps(sched *scheduler.Scheduler, period time.Duration) *followUps {
	if period <= 0 {
		period = DefaultFollowUpPeriod
	}
	return &followUps{
		sched:   sched,
		period:  period,
		pending: make(map[types.ReportKey]bool),
	}
}

// Note marks a key for the next sweep. Safe for concurrent use.
func (f *followUps) Note(key types.ReportKey) {
	f.mu.Lock()
	f.pending[key] = true
	f.mu.Unlock()
}

// Seed notes a batch of keys, used for startup recovery.
func (f *followUps) Seed(keys []types.ReportKey) {
	f.mu.Lock()
	for _, k := range keys {
		f.pending[k] = true
	}
	f.mu.Unlock()
}

// Backlog reports how many keys await the next sweep.
func (f *followUps) Backlog() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Start launches the sweep loop.
func (f *followUps) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		tick := time.NewTicker(f.period)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				f.Flush()
			}
		}
	}()
}

// Flush sweeps the noted keys into one committed group of report tasks.
func (f *followUps) Flush() {
	f.mu.Lock()
	keys := make([]types.ReportKey, 0, len(f.pending))
	for k := range f.pending {
		keys = append(keys, k)
	}
	f.pending = make(map[types.ReportKey]bool)
	f.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	debug.Logf("replicator: follow-up sweep scheduling %d report keys\n", len(keys))

	handle := f.sched.NewHandle()
	for _, key := range keys {
		ScheduleReport(handle, key)
	}
	handle.Commit()
}

// Stop halts the loop after flushing once more.
func (f *followUps) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.Flush()
}

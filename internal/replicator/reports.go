package replicator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/scheduler"
	"github.com/entresolve/martd/internal/types"
)

// ParamReportKey names the report task parameter carrying the key text.
const ParamReportKey = "report_key"

// DefaultLeaseDuration bounds how long a report handler may hold leased
// pending rows before another invocation is allowed to reclaim them.
const DefaultLeaseDuration = 60 * time.Second

// ErrLeaseLost means the handler overran its lease, or found its leased
// rows reclaimed underneath it. The transaction is rolled back and the
// task retried; the rows are applied exactly once either way.
var ErrLeaseLost = errors.New("report lease lost")

// ReportHandler drains the pending-delta ledger for one report key and
// folds the sums into the statistic and detail rows. A single handler
// value serves all four report families; the key in the task parameters
// selects the rows.
//
// The lease protocol keeps apply-at-least-once safe: rows are stamped
// with a fresh lease id, read back, summed, applied, and deleted in one
// transaction, and the whole apply aborts if the lease could have been
// reclaimed in the meantime.
type ReportHandler struct {
	mart          *mart.Mart
	leaseDuration time.Duration

	now func() time.Time

	// afterLease runs between taking the lease and applying it; tests
	// use it to simulate a stalled handler.
	afterLease func()
}

// NewReportHandler wires a report handler. leaseDuration <= 0 selects
// the default.
func NewReportHandler(m *mart.Mart, leaseDuration time.Duration) *ReportHandler {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &ReportHandler{mart: m, leaseDuration: leaseDuration, now: time.Now}
}

// ScheduleReport stages a report-update task for one key on a handle.
// The report resource serializes updates of the same key.
func ScheduleReport(h *scheduler.Handle, key types.ReportKey) {
	h.Schedule(key.Action(),
		map[string]string{ParamReportKey: key.String()},
		scheduler.Resource{Kind: scheduler.ResourceReport, Value: key.String()})
}

// Handle implements scheduler.Handler.
func (h *ReportHandler) Handle(ctx context.Context, task *scheduler.Task, _ *scheduler.Handle) error {
	key, err := types.ParseReportKey(task.Param(ParamReportKey))
	if err != nil {
		return fmt.Errorf("report update: %w", err)
	}

	leaseID := types.NewOperationID()
	start := h.now().UTC()

	var leased int64
	err = h.mart.WithTx(ctx, func(tx *mart.Tx) error {
		// Reclaim any lease whose stamped expiry falls before
		// now + 2*duration. The scheduler serializes report tasks per
		// key, so the only lease this can sweep up is a prior attempt's
		// on this same key, including one this handler abandoned after
		// overrunning; without the forward window those rows would stay
		// leased and never drain.
		expired, err := tx.ExpireStaleLeases(ctx, key, start.Add(2*h.leaseDuration))
		if err != nil {
			return err
		}
		if expired > 0 {
			log.Printf("report %s: reclaimed %d rows from an expired lease", key, expired)
		}
		leased, err = tx.LeasePending(ctx, key, leaseID, start.Add(h.leaseDuration))
		return err
	})
	if mart.IsTransient(err) {
		return scheduler.Retryable(err)
	}
	if err != nil {
		return fmt.Errorf("report %s: lease: %w", key, err)
	}
	if leased == 0 {
		return nil
	}

	if h.afterLease != nil {
		h.afterLease()
	}

	err = h.mart.WithTx(ctx, func(tx *mart.Tx) error {
		return h.apply(ctx, tx, key, leaseID, leased, start)
	})
	switch {
	case errors.Is(err, ErrLeaseLost):
		return scheduler.Retryable(err)
	case mart.IsTransient(err):
		return scheduler.Retryable(err)
	case err != nil:
		return fmt.Errorf("report %s: apply: %w", key, err)
	}
	return nil
}

// apply folds one lease's rows into the report inside tx.
func (h *ReportHandler) apply(ctx context.Context, tx *mart.Tx, key types.ReportKey, leaseID string, leased int64, start time.Time) error {
	rows, err := tx.FetchLeased(ctx, key, leaseID)
	if err != nil {
		return err
	}
	if int64(len(rows)) != leased {
		return fmt.Errorf("%w: leased %d rows, found %d", ErrLeaseLost, leased, len(rows))
	}

	var entitySum, recordSum, relationSum int64
	entityDeltas := make(map[int64]int64)
	relationDeltas := make(map[[2]int64]int64)
	for _, p := range rows {
		entitySum += int64(p.EntityDelta)
		recordSum += int64(p.RecordDelta)
		relationSum += int64(p.RelationDelta)
		if p.RelatedID != nil {
			lo, hi := types.RelationPair(p.EntityID, *p.RelatedID)
			relationDeltas[[2]int64{lo, hi}] += int64(p.RelationDelta)
		} else if p.EntityDelta != 0 {
			entityDeltas[p.EntityID] += int64(p.EntityDelta)
		}
	}

	// All-zero sums self-annihilate: no statistic row is created or
	// touched for a batch of echoes that cancelled out.
	if entitySum != 0 || recordSum != 0 || relationSum != 0 {
		if err := tx.ApplyReportDeltas(ctx, key, entitySum, recordSum, relationSum); err != nil {
			return err
		}
	}

	for _, entityID := range sortedInt64Keys(entityDeltas) {
		if d := entityDeltas[entityID]; d != 0 {
			if err := tx.UpsertReportDetail(ctx, key, entityID, 0, d, leaseID); err != nil {
				return err
			}
		}
	}
	for _, pair := range sortedPairKeys(relationDeltas) {
		if d := relationDeltas[pair]; d != 0 {
			if err := tx.UpsertReportDetail(ctx, key, pair[0], pair[1], d, leaseID); err != nil {
				return err
			}
		}
	}
	if _, err := tx.CompactZeroDetails(ctx, key, leaseID); err != nil {
		return err
	}

	deleted, err := tx.DeleteLeased(ctx, key, leaseID)
	if err != nil {
		return err
	}
	if deleted != leased {
		return fmt.Errorf("%w: leased %d rows, deleted %d", ErrLeaseLost, leased, deleted)
	}
	// Overrunning the lease means another invocation may already have
	// reclaimed and applied these rows; abandon this attempt.
	if h.now().UTC().Sub(start) > h.leaseDuration {
		return fmt.Errorf("%w: apply overran the %s lease", ErrLeaseLost, h.leaseDuration)
	}
	return nil
}

func sortedInt64Keys(m map[int64]int64) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedPairKeys(m map[[2]int64]int64) [][2]int64 {
	out := make([][2]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

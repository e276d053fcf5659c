package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/scheduler"
	"github.com/entresolve/martd/internal/types"
)

func runReport(t *testing.T, h *ReportHandler, key types.ReportKey) error {
	t.Helper()
	task := &scheduler.Task{
		Action:     key.Action(),
		Parameters: map[string]string{ParamReportKey: key.String()},
	}
	return h.Handle(context.Background(), task, nil)
}

func appendDeltas(t *testing.T, m *mart.Mart, deltas ...mart.PendingDelta) {
	t.Helper()
	require.NoError(t, m.AppendPending(context.Background(), deltas))
}

func pendingCount(t *testing.T, m *mart.Mart) int64 {
	t.Helper()
	n, err := m.UnleasedPendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestReportApplyDrainsLedger(t *testing.T) {
	m := openTestMart(t)
	key := types.DataSourceSummaryKey("CUSTOMERS")
	appendDeltas(t, m,
		mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 2},
		mart.PendingDelta{Key: key, EntityID: 2, EntityDelta: 1, RecordDelta: 1},
		mart.PendingDelta{Key: key, EntityID: 1, RecordDelta: 1},
	)

	h := NewReportHandler(m, 0)
	require.NoError(t, runReport(t, h, key))

	ctx := context.Background()
	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.EntityCount)
	assert.Equal(t, int64(4), row.RecordCount)
	assert.Zero(t, row.RelationCount)

	details, err := m.GetReportDetails(ctx, key)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, int64(1), details[0].EntityID)
	assert.Equal(t, int64(1), details[0].StatCount)
	assert.Equal(t, int64(2), details[1].EntityID)

	assert.Zero(t, pendingCount(t, m))
}

func TestReportSecondBatchAccumulates(t *testing.T) {
	m := openTestMart(t)
	key := types.EntitySizeKey(2)
	h := NewReportHandler(m, 0)

	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 2})
	require.NoError(t, runReport(t, h, key))
	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 2, EntityDelta: 1, RecordDelta: 2})
	require.NoError(t, runReport(t, h, key))

	row, err := m.GetReport(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.EntityCount)
	assert.Equal(t, int64(4), row.RecordCount)
}

func TestReportZeroBatchSelfAnnihilates(t *testing.T) {
	m := openTestMart(t)
	key := types.EntitySizeKey(3)
	appendDeltas(t, m,
		mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 3},
		mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: -1, RecordDelta: -3},
	)

	h := NewReportHandler(m, 0)
	require.NoError(t, runReport(t, h, key))

	ctx := context.Background()
	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, row, "cancelled batch creates no statistic row")
	details, err := m.GetReportDetails(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, details)
	assert.Zero(t, pendingCount(t, m))
}

func TestReportDetailCompaction(t *testing.T) {
	m := openTestMart(t)
	key := types.DataSourceSummaryKey("A")
	h := NewReportHandler(m, 0)

	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 7, EntityDelta: 1, RecordDelta: 1})
	require.NoError(t, runReport(t, h, key))
	details, err := m.GetReportDetails(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, details, 1)

	// A later batch drives the detail to zero; the sweep removes it.
	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 7, EntityDelta: -1, RecordDelta: -1})
	require.NoError(t, runReport(t, h, key))

	ctx := context.Background()
	details, err = m.GetReportDetails(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, details)

	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Zero(t, row.EntityCount)
	assert.Zero(t, row.RecordCount)
}

func TestReportNegativeDetailSurvivesAsCredit(t *testing.T) {
	m := openTestMart(t)
	key := types.DataSourceSummaryKey("B")
	h := NewReportHandler(m, 0)

	// Out-of-order apply: the removal lands before the addition.
	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 9, EntityDelta: -1})
	require.NoError(t, runReport(t, h, key))

	ctx := context.Background()
	details, err := m.GetReportDetails(ctx, key)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, int64(-1), details[0].StatCount)

	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 9, EntityDelta: 1})
	require.NoError(t, runReport(t, h, key))
	details, err = m.GetReportDetails(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, details, "the credit note and the addition cancel and compact")
}

func TestReportRelationDetailRows(t *testing.T) {
	m := openTestMart(t)
	key := types.EntityRelationKey(1)
	five := int64(5)
	three := int64(3)
	appendDeltas(t, m,
		mart.PendingDelta{Key: key, EntityID: 3, EntityDelta: 1},
		mart.PendingDelta{Key: key, EntityID: 3, RelatedID: &five, RelationDelta: 1},
		mart.PendingDelta{Key: key, EntityID: 5, EntityDelta: 1},
		mart.PendingDelta{Key: key, EntityID: 5, RelatedID: &three, RelationDelta: 1},
	)

	h := NewReportHandler(m, 0)
	require.NoError(t, runReport(t, h, key))

	ctx := context.Background()
	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.EntityCount)
	assert.Equal(t, int64(2), row.RelationCount)

	details, err := m.GetReportDetails(ctx, key)
	require.NoError(t, err)
	require.Len(t, details, 3)
	// Both relation-scoped deltas fold into one canonical (3,5) row.
	assert.Equal(t, int64(3), details[1].EntityID)
	assert.Equal(t, int64(5), details[1].RelatedID)
	assert.Equal(t, int64(2), details[1].StatCount)
}

func TestReportEmptyLedgerIsNoop(t *testing.T) {
	m := openTestMart(t)
	h := NewReportHandler(m, 0)
	key := types.EntitySizeKey(1)
	require.NoError(t, runReport(t, h, key))
	row, err := m.GetReport(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestReportLeaseOverrunIsRetryable(t *testing.T) {
	m := openTestMart(t)
	key := types.DataSourceSummaryKey("SLOW")
	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: 1})

	h := NewReportHandler(m, time.Millisecond)
	h.afterLease = func() { time.Sleep(20 * time.Millisecond) }

	err := runReport(t, h, key)
	require.Error(t, err)
	assert.True(t, scheduler.IsRetryable(err))
	assert.ErrorIs(t, err, ErrLeaseLost)

	// The apply rolled back: nothing reached the statistic row.
	row, gerr := m.GetReport(context.Background(), key)
	require.NoError(t, gerr)
	assert.Nil(t, row)
}

func TestReportRetryAfterOverrunReclaimsOwnLease(t *testing.T) {
	m := openTestMart(t)
	key := types.DataSourceSummaryKey("RETRY")
	appendDeltas(t, m,
		mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 2},
	)

	h := NewReportHandler(m, 20*time.Millisecond)
	h.afterLease = func() { time.Sleep(30 * time.Millisecond) }

	err := runReport(t, h, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseLost)

	// The prompt retry must sweep up the lease the first attempt left
	// behind, or the rows stay stamped and never drain.
	h.afterLease = nil
	require.NoError(t, runReport(t, h, key))

	ctx := context.Background()
	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.EntityCount)
	assert.Equal(t, int64(2), row.RecordCount)

	keys, err := m.DistinctPendingKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "the ledger drained, leased rows included")
	assert.Zero(t, pendingCount(t, m))
}

func TestReportReclaimsExpiredLease(t *testing.T) {
	m := openTestMart(t)
	key := types.DataSourceSummaryKey("STALE")
	appendDeltas(t, m, mart.PendingDelta{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 1})

	// A crashed handler left the rows leased far in the past.
	ctx := context.Background()
	staleExpiry := time.Now().UTC().Add(-time.Hour)
	n, err := m.LeasePending(ctx, key, types.NewOperationID(), staleExpiry)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	h := NewReportHandler(m, time.Minute)
	require.NoError(t, runReport(t, h, key))

	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.EntityCount)
}

package mart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entresolve/martd/internal/connuri"
	"github.com/entresolve/martd/internal/types"
)

func openTestMart(t *testing.T) *Mart {
	t.Helper()
	ctx := context.Background()
	m, err := Open(ctx, &connuri.SQLiteURI{InMemory: true}, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.EnsureSchema(ctx))
	return m
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	m := openTestMart(t)
	require.NoError(t, m.EnsureSchema(context.Background()))
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", Postgres.Rebind(q))
}

func TestEntityRoundTrip(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetEntityForUpdate(ctx, 1)
		require.NoError(t, err)
		require.Nil(t, got, "absent entity reads as nil")

		e := &EntityRow{
			EntityID: 1, EntityName: "Jane Smith", RecordCount: 3, RelatedCount: 1,
			EntityHash: "abc", PatchState: PatchClean, CreatorID: "op1", ModifierID: "op1",
		}
		require.NoError(t, tx.InsertEntity(ctx, e))

		got, err = tx.GetEntityForUpdate(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Jane Smith", got.EntityName)
		assert.Equal(t, 3, got.RecordCount)

		got.RecordCount = 2
		got.PrevEntityHash = got.EntityHash
		got.EntityHash = "def"
		got.ModifierID = "op2"
		require.NoError(t, tx.UpdateEntity(ctx, got))

		again, err := tx.GetEntityForUpdate(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, again.RecordCount)
		assert.Equal(t, "abc", again.PrevEntityHash)

		require.NoError(t, tx.DeleteEntity(ctx, 1))
		gone, err := tx.GetEntityForUpdate(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, gone)
		return nil
	})
	require.NoError(t, err)
}

func TestRecordAdoptAndRelease(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.AdoptRecord(ctx, "A", "R1", 1, "op1"))
		require.NoError(t, tx.AdoptRecord(ctx, "A", "R2", 1, "op1"))

		owner, err := tx.GetRecordOwner(ctx, "A", "R1")
		require.NoError(t, err)
		assert.True(t, owner.Exists)
		assert.Equal(t, int64(1), owner.EntityID)

		// Re-point to another entity.
		require.NoError(t, tx.AdoptRecord(ctx, "A", "R1", 2, "op2"))
		owner, err = tx.GetRecordOwner(ctx, "A", "R1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), owner.EntityID)

		// Release by the old owner is a no-op once re-pointed.
		released, err := tx.ReleaseRecord(ctx, "A", "R1", 1)
		require.NoError(t, err)
		assert.False(t, released)

		released, err = tx.ReleaseRecord(ctx, "A", "R2", 1)
		require.NoError(t, err)
		assert.True(t, released)

		keys, err := tx.GetEntityRecords(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, keys)
		return nil
	})
	require.NoError(t, err)
}

func TestRelationCanonicalOrdering(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx *Tx) error {
		// Written with the endpoints reversed; stored canonically.
		r := &RelationRow{EntityID: 9, RelatedID: 4, MatchLevel: 2, MatchKey: "+NAME", Principle: "MFF", ModifierID: "op1"}
		require.NoError(t, tx.UpsertRelation(ctx, r))

		rows, err := tx.GetEntityRelations(ctx, 9)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(4), rows[0].EntityID)
		assert.Equal(t, int64(9), rows[0].RelatedID)

		// Visible from either endpoint.
		rows, err = tx.GetEntityRelations(ctx, 4)
		require.NoError(t, err)
		require.Len(t, rows, 1)

		require.NoError(t, tx.DeleteRelation(ctx, 9, 4))
		rows, err = tx.GetEntityRelations(ctx, 4)
		require.NoError(t, err)
		assert.Empty(t, rows)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyReportDeltasAccumulates(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()
	key := types.DataSourceSummaryKey("A")

	err := m.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.ApplyReportDeltas(ctx, key, 1, 3, 0))
		require.NoError(t, tx.ApplyReportDeltas(ctx, key, 0, -1, 2))
		return nil
	})
	require.NoError(t, err)

	row, err := m.GetReport(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.EntityCount)
	assert.Equal(t, int64(2), row.RecordCount)
	assert.Equal(t, int64(2), row.RelationCount)
}

func TestDetailCompactionGuards(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()
	key := types.EntitySizeKey(3)

	err := m.WithTx(ctx, func(tx *Tx) error {
		// op1 creates two rows; one is later zeroed by op2, one driven negative.
		require.NoError(t, tx.UpsertReportDetail(ctx, key, 1, 0, 1, "op1"))
		require.NoError(t, tx.UpsertReportDetail(ctx, key, 2, 0, 1, "op1"))

		require.NoError(t, tx.UpsertReportDetail(ctx, key, 1, 0, -1, "op2")) // now 0
		require.NoError(t, tx.UpsertReportDetail(ctx, key, 2, 0, -2, "op2")) // now -1

		// op1 cannot sweep rows op2 modified.
		n, err := tx.CompactZeroDetails(ctx, key, "op1")
		require.NoError(t, err)
		assert.Zero(t, n)

		// op2 sweeps only the zero row; the negative row survives.
		n, err = tx.CompactZeroDetails(ctx, key, "op2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		rows, err := tx.GetReportDetails(ctx, key)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2), rows[0].EntityID)
		assert.Equal(t, int64(-1), rows[0].StatCount)
		return nil
	})
	require.NoError(t, err)
}

func TestPendingLeaseLifecycle(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()
	key := types.CrossSourceSummaryKey("A", "B")
	related := int64(7)

	require.NoError(t, m.WithTx(ctx, func(tx *Tx) error {
		return tx.AppendPending(ctx, []PendingDelta{
			{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 3},
			{Key: key, EntityID: 1, RelatedID: &related, RelationDelta: 1},
			{Key: types.DataSourceSummaryKey("A"), EntityID: 1, RecordDelta: 2},
		})
	}))

	keys, err := m.DistinctPendingKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	unleased, err := m.UnleasedPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), unleased)

	expire := time.Now().UTC().Add(time.Minute)
	n, err := m.LeasePending(ctx, key, "lease1", expire)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A second leaser finds nothing for the same key.
	n, err = m.LeasePending(ctx, key, "lease2", expire)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m.FetchLeased(ctx, key, "lease1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Expiry cutoff in the past frees nothing; one in the future does.
	n, err = m.ExpireStaleLeases(ctx, key, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = m.ExpireStaleLeases(ctx, key, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Re-lease and delete.
	n, err = m.LeasePending(ctx, key, "lease2", expire)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	deleted, err := m.DeleteLeased(ctx, key, "lease2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	unleased, err = m.UnleasedPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unleased, "the DSS:A row is untouched")
}

func TestMessageQueue(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()

	require.NoError(t, m.EnqueueMessage(ctx, []byte(`{"DATA_SOURCE":"A"}`)))
	require.NoError(t, m.EnqueueMessage(ctx, []byte(`{"DATA_SOURCE":"B"}`)))

	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	expire := time.Now().UTC().Add(time.Minute)
	msgs, err := m.ClaimMessages(ctx, 10, "c1", expire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Claimed rows are invisible to another claimer until expiry.
	again, err := m.ClaimMessages(ctx, 10, "c2", expire)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, m.AckMessage(ctx, msgs[0].MessageID))
	require.NoError(t, m.NackMessage(ctx, msgs[1].MessageID))

	msgs, err = m.ClaimMessages(ctx, 10, "c2", expire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"DATA_SOURCE":"B"}`, string(msgs[0].Payload))
}

func TestClaimMessagesLosesRaceToConcurrentConsumer(t *testing.T) {
	m := openTestMart(t)
	ctx := context.Background()

	require.NoError(t, m.EnqueueMessage(ctx, []byte(`{"DATA_SOURCE":"A"}`)))
	require.NoError(t, m.EnqueueMessage(ctx, []byte(`{"DATA_SOURCE":"B"}`)))

	// A competing consumer stamps the first row after this claim has
	// selected its candidates but before it stamps them.
	expire := time.Now().UTC().Add(time.Minute)
	m.beforeStamp = func() {
		m.beforeStamp = nil
		rival, err := m.ClaimMessages(ctx, 1, "rival", expire)
		require.NoError(t, err)
		require.Len(t, rival, 1)
	}

	msgs, err := m.ClaimMessages(ctx, 10, "c1", expire)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the row the rival stamped is not delivered twice")
	assert.JSONEq(t, `{"DATA_SOURCE":"B"}`, string(msgs[0].Payload))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("constraint violation")))
	assert.True(t, IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsTransient(ErrTransient))
}

package mart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/entresolve/martd/internal/types"
)

// PendingDelta is one unapplied increment to a report row, durably
// recorded in the same transaction as the entity mutation that caused
// it. RelatedID is non-nil only for relation-scoped deltas.
type PendingDelta struct {
	Key           types.ReportKey
	EntityID      int64
	RelatedID     *int64
	EntityDelta   int32
	RecordDelta   int32
	RelationDelta int32
}

// AppendPending inserts pending rows. Appends never coalesce; the
// report handler sums at apply time.
func (o ops) AppendPending(ctx context.Context, deltas []PendingDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	query := o.d.Rebind(`INSERT INTO sz_dm_pending_report
		(report_key, entity_id, related_id, entity_delta, record_delta, relation_delta)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, p := range deltas {
		var related sql.NullInt64
		if p.RelatedID != nil {
			related = sql.NullInt64{Int64: *p.RelatedID, Valid: true}
		}
		if _, err := o.q.ExecContext(ctx, query, p.Key.String(), p.EntityID, related,
			p.EntityDelta, p.RecordDelta, p.RelationDelta); err != nil {
			return fmt.Errorf("append pending delta %s: %w", p.Key, err)
		}
	}
	return nil
}

// DistinctPendingKeys returns every report key with pending rows,
// leased or not. Used at startup to recover in-flight work.
func (o ops) DistinctPendingKeys(ctx context.Context) ([]types.ReportKey, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT DISTINCT report_key FROM sz_dm_pending_report`)
	if err != nil {
		return nil, fmt.Errorf("distinct pending keys: %w", err)
	}
	defer rows.Close()

	var out []types.ReportKey
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("distinct pending keys: %w", err)
		}
		key, err := types.ParseReportKey(s)
		if err != nil {
			return nil, fmt.Errorf("distinct pending keys: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ExpireStaleLeases resets the lease columns on rows whose lease
// expires before the cutoff, making them leasable again. Returns how
// many leases were actually expired.
func (o ops) ExpireStaleLeases(ctx context.Context, key types.ReportKey, cutoff time.Time) (int64, error) {
	query := o.d.Rebind(`UPDATE sz_dm_pending_report
		SET lease_id = NULL, expire_lease_at = NULL
		WHERE report_key = ? AND lease_id IS NOT NULL AND expire_lease_at < ?`)
	res, err := o.q.ExecContext(ctx, query, key.String(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale leases %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LeasePending stamps every unleased row for the key with the lease id
// and expiry. Returns the number of rows leased.
func (o ops) LeasePending(ctx context.Context, key types.ReportKey, leaseID string, expireAt time.Time) (int64, error) {
	query := o.d.Rebind(`UPDATE sz_dm_pending_report
		SET lease_id = ?, expire_lease_at = ?
		WHERE report_key = ? AND lease_id IS NULL`)
	res, err := o.q.ExecContext(ctx, query, leaseID, expireAt, key.String())
	if err != nil {
		return 0, fmt.Errorf("lease pending %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FetchLeased reads back the rows held under a lease id.
func (o ops) FetchLeased(ctx context.Context, key types.ReportKey, leaseID string) ([]PendingDelta, error) {
	query := o.d.Rebind(`SELECT entity_id, related_id, entity_delta, record_delta, relation_delta
		FROM sz_dm_pending_report WHERE report_key = ? AND lease_id = ?`)
	rows, err := o.q.QueryContext(ctx, query, key.String(), leaseID)
	if err != nil {
		return nil, fmt.Errorf("fetch leased %s: %w", key, err)
	}
	defer rows.Close()

	var out []PendingDelta
	for rows.Next() {
		p := PendingDelta{Key: key}
		var related sql.NullInt64
		if err := rows.Scan(&p.EntityID, &related, &p.EntityDelta, &p.RecordDelta, &p.RelationDelta); err != nil {
			return nil, fmt.Errorf("fetch leased %s: %w", key, err)
		}
		if related.Valid {
			v := related.Int64
			p.RelatedID = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteLeased removes the rows held under a lease id. Returns the
// count removed so the handler can assert it matches the lease.
func (o ops) DeleteLeased(ctx context.Context, key types.ReportKey, leaseID string) (int64, error) {
	query := o.d.Rebind(`DELETE FROM sz_dm_pending_report WHERE report_key = ? AND lease_id = ?`)
	res, err := o.q.ExecContext(ctx, query, key.String(), leaseID)
	if err != nil {
		return 0, fmt.Errorf("delete leased %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnleasedPendingCount counts rows not currently under lease, across
// all keys. Feeds the idle check.
func (o ops) UnleasedPendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sz_dm_pending_report WHERE lease_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unleased pending count: %w", err)
	}
	return n, nil
}

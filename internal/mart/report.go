package mart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/entresolve/martd/internal/types"
)

// ReportRow is one pre-aggregated statistic row.
type ReportRow struct {
	Key           types.ReportKey
	EntityCount   int64
	RecordCount   int64
	RelationCount int64
}

// DetailRow is one report-detail row. RelatedID 0 means "no relation".
type DetailRow struct {
	Key        types.ReportKey
	EntityID   int64
	RelatedID  int64
	StatCount  int64
	CreatorID  string
	ModifierID string
}

// ApplyReportDeltas adds the summed deltas to the statistic row,
// inserting it when absent. Exactly one row must be affected.
func (o ops) ApplyReportDeltas(ctx context.Context, key types.ReportKey, entityDelta, recordDelta, relationDelta int64) error {
	query := o.d.Rebind(`INSERT INTO sz_dm_report
		(report_key, report, statistic, data_source1, data_source2,
		 entity_count, record_count, relation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (report_key) DO UPDATE
		SET entity_count = sz_dm_report.entity_count + excluded.entity_count,
		    record_count = sz_dm_report.record_count + excluded.record_count,
		    relation_count = sz_dm_report.relation_count + excluded.relation_count`)
	res, err := o.q.ExecContext(ctx, query, key.String(), string(key.Report), key.Statistic,
		key.DataSource1, key.DataSource2, entityDelta, recordDelta, relationDelta)
	if err != nil {
		return fmt.Errorf("apply report deltas %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("apply report deltas %s: %d rows affected, want 1", key, n)
	}
	return nil
}

// GetReport reads one statistic row. Returns (nil, nil) when absent.
func (o ops) GetReport(ctx context.Context, key types.ReportKey) (*ReportRow, error) {
	query := o.d.Rebind(`SELECT entity_count, record_count, relation_count
		FROM sz_dm_report WHERE report_key = ?`)
	r := ReportRow{Key: key}
	err := o.q.QueryRowContext(ctx, query, key.String()).Scan(&r.EntityCount, &r.RecordCount, &r.RelationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", key, err)
	}
	return &r, nil
}

// UpsertReportDetail adds delta to a detail row's stat_count, creating
// the row with stat_count = delta when absent. The modifier id records
// which handler invocation last touched the row; the compaction step
// keys on it.
func (o ops) UpsertReportDetail(ctx context.Context, key types.ReportKey, entityID, relatedID, delta int64, opID string) error {
	query := o.d.Rebind(`INSERT INTO sz_dm_report_detail
		(report_key, entity_id, related_id, stat_count, creator_id, modifier_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (report_key, entity_id, related_id) DO UPDATE
		SET stat_count = sz_dm_report_detail.stat_count + excluded.stat_count,
		    modifier_id = excluded.modifier_id`)
	_, err := o.q.ExecContext(ctx, query, key.String(), entityID, relatedID, delta, opID, opID)
	if err != nil {
		return fmt.Errorf("upsert report detail %s entity %d: %w", key, entityID, err)
	}
	return nil
}

// CompactZeroDetails deletes the detail rows this handler invocation
// drove to zero. The modifier guard means a row concurrently bumped by
// another invocation is never swept, and negative rows are kept as
// credit notes for future positive deltas.
func (o ops) CompactZeroDetails(ctx context.Context, key types.ReportKey, opID string) (int64, error) {
	query := o.d.Rebind(`DELETE FROM sz_dm_report_detail
		WHERE report_key = ? AND modifier_id = ? AND stat_count = 0`)
	res, err := o.q.ExecContext(ctx, query, key.String(), opID)
	if err != nil {
		return 0, fmt.Errorf("compact report details %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetReportDetails reads all detail rows for a key, for tests and
// introspection.
func (o ops) GetReportDetails(ctx context.Context, key types.ReportKey) ([]DetailRow, error) {
	query := o.d.Rebind(`SELECT entity_id, related_id, stat_count, creator_id, modifier_id
		FROM sz_dm_report_detail WHERE report_key = ? ORDER BY entity_id, related_id`)
	rows, err := o.q.QueryContext(ctx, query, key.String())
	if err != nil {
		return nil, fmt.Errorf("get report details %s: %w", key, err)
	}
	defer rows.Close()

	var out []DetailRow
	for rows.Next() {
		d := DetailRow{Key: key}
		if err := rows.Scan(&d.EntityID, &d.RelatedID, &d.StatCount, &d.CreatorID, &d.ModifierID); err != nil {
			return nil, fmt.Errorf("get report details %s: %w", key, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

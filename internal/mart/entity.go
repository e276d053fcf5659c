package mart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/entresolve/martd/internal/types"
)

// PatchState tracks whether an entity row's aggregates are settled.
type PatchState string

const (
	PatchClean  PatchState = "CLEAN"
	PatchDirty  PatchState = "DIRTY"
	PatchLocked PatchState = "LOCKED-BY-OP"
)

// EntityRow is the mart's last-committed snapshot of one entity.
type EntityRow struct {
	EntityID       int64
	EntityName     string
	RecordCount    int
	RelatedCount   int
	EntityHash     string
	PrevEntityHash string
	PatchState     PatchState
	CreatorID      string
	ModifierID     string
}

// GetEntityForUpdate reads the entity row, taking a row lock on
// PostgreSQL. Returns (nil, nil) when the row is absent.
func (o ops) GetEntityForUpdate(ctx context.Context, entityID int64) (*EntityRow, error) {
	query := o.d.Rebind(`SELECT entity_id, entity_name, record_count, related_count,
		entity_hash, prev_entity_hash, patch_state, creator_id, modifier_id
		FROM sz_dm_entity WHERE entity_id = ?` + o.d.forUpdate())
	row := o.q.QueryRowContext(ctx, query, entityID)

	var e EntityRow
	err := row.Scan(&e.EntityID, &e.EntityName, &e.RecordCount, &e.RelatedCount,
		&e.EntityHash, &e.PrevEntityHash, (*string)(&e.PatchState), &e.CreatorID, &e.ModifierID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %d: %w", entityID, err)
	}
	return &e, nil
}

// InsertEntity creates the entity row.
func (o ops) InsertEntity(ctx context.Context, e *EntityRow) error {
	query := o.d.Rebind(`INSERT INTO sz_dm_entity
		(entity_id, entity_name, record_count, related_count, entity_hash,
		 prev_entity_hash, patch_state, creator_id, modifier_id, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := o.q.ExecContext(ctx, query, e.EntityID, e.EntityName, e.RecordCount,
		e.RelatedCount, e.EntityHash, e.PrevEntityHash, string(e.PatchState),
		e.CreatorID, e.ModifierID, now())
	if err != nil {
		return fmt.Errorf("insert entity %d: %w", e.EntityID, err)
	}
	return nil
}

// UpdateEntity rewrites the mutable columns of an existing entity row.
func (o ops) UpdateEntity(ctx context.Context, e *EntityRow) error {
	query := o.d.Rebind(`UPDATE sz_dm_entity SET entity_name = ?, record_count = ?,
		related_count = ?, entity_hash = ?, prev_entity_hash = ?, patch_state = ?,
		modifier_id = ?, modified_at = ? WHERE entity_id = ?`)
	res, err := o.q.ExecContext(ctx, query, e.EntityName, e.RecordCount, e.RelatedCount,
		e.EntityHash, e.PrevEntityHash, string(e.PatchState), e.ModifierID, now(), e.EntityID)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", e.EntityID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("update entity %d: %d rows affected", e.EntityID, n)
	}
	return nil
}

// DeleteEntity removes the entity row.
func (o ops) DeleteEntity(ctx context.Context, entityID int64) error {
	query := o.d.Rebind(`DELETE FROM sz_dm_entity WHERE entity_id = ?`)
	if _, err := o.q.ExecContext(ctx, query, entityID); err != nil {
		return fmt.Errorf("delete entity %d: %w", entityID, err)
	}
	return nil
}

// GetEntityRecords returns the record keys currently assigned to the entity.
func (o ops) GetEntityRecords(ctx context.Context, entityID int64) ([]types.RecordKey, error) {
	query := o.d.Rebind(`SELECT data_source, record_id FROM sz_dm_record
		WHERE entity_id = ? ORDER BY data_source, record_id`)
	rows, err := o.q.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("records of entity %d: %w", entityID, err)
	}
	defer rows.Close()

	var out []types.RecordKey
	for rows.Next() {
		var r types.RecordKey
		if err := rows.Scan(&r.DataSource, &r.RecordID); err != nil {
			return nil, fmt.Errorf("records of entity %d: %w", entityID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

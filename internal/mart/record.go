package mart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordOwner reports which entity, if any, a record row points at.
type RecordOwner struct {
	Exists   bool
	EntityID int64 // 0 when orphaned
}

// GetRecordOwner reads a record row's current entity assignment.
func (o ops) GetRecordOwner(ctx context.Context, dataSource, recordID string) (RecordOwner, error) {
	query := o.d.Rebind(`SELECT entity_id FROM sz_dm_record
		WHERE data_source = ? AND record_id = ?` + o.d.forUpdate())
	var entityID sql.NullInt64
	err := o.q.QueryRowContext(ctx, query, dataSource, recordID).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return RecordOwner{}, nil
	}
	if err != nil {
		return RecordOwner{}, fmt.Errorf("record owner %s:%s: %w", dataSource, recordID, err)
	}
	return RecordOwner{Exists: true, EntityID: entityID.Int64}, nil
}

// AdoptRecord points a record row at an entity, inserting the row when
// absent. adopterID attributes the assignment.
func (o ops) AdoptRecord(ctx context.Context, dataSource, recordID string, entityID int64, adopterID string) error {
	query := o.d.Rebind(`INSERT INTO sz_dm_record (data_source, record_id, entity_id, adopter_id, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (data_source, record_id) DO UPDATE
		SET entity_id = excluded.entity_id,
		    adopter_id = excluded.adopter_id,
		    modified_at = excluded.modified_at`)
	if _, err := o.q.ExecContext(ctx, query, dataSource, recordID, entityID, adopterID, now()); err != nil {
		return fmt.Errorf("adopt record %s:%s: %w", dataSource, recordID, err)
	}
	return nil
}

// ReleaseRecord deletes a record row, but only while it still belongs
// to the releasing entity. A row another entity has already adopted is
// left alone; that entity's refresh owns it now.
func (o ops) ReleaseRecord(ctx context.Context, dataSource, recordID string, entityID int64) (bool, error) {
	query := o.d.Rebind(`DELETE FROM sz_dm_record
		WHERE data_source = ? AND record_id = ? AND entity_id = ?`)
	res, err := o.q.ExecContext(ctx, query, dataSource, recordID, entityID)
	if err != nil {
		return false, fmt.Errorf("release record %s:%s: %w", dataSource, recordID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEntityRecords removes every record row assigned to the entity.
// Used when the engine stops resolving the entity entirely.
func (o ops) DeleteEntityRecords(ctx context.Context, entityID int64) error {
	query := o.d.Rebind(`DELETE FROM sz_dm_record WHERE entity_id = ?`)
	if _, err := o.q.ExecContext(ctx, query, entityID); err != nil {
		return fmt.Errorf("delete records of entity %d: %w", entityID, err)
	}
	return nil
}

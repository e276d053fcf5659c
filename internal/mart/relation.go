package mart

import (
	"context"
	"fmt"

	"github.com/entresolve/martd/internal/types"
)

// RelationRow is one stored relation. Rows honor the canonical ordering
// EntityID < RelatedID; the schema enforces it with a CHECK constraint.
type RelationRow struct {
	EntityID     int64
	RelatedID    int64
	MatchLevel   int
	MatchKey     string
	Principle    string
	RelationHash string
	ModifierID   string
}

// GetEntityRelations returns every relation the entity participates in,
// from either side of the canonical ordering.
func (o ops) GetEntityRelations(ctx context.Context, entityID int64) ([]RelationRow, error) {
	query := o.d.Rebind(`SELECT entity_id, related_id, match_level, match_key, principle,
		relation_hash, modifier_id
		FROM sz_dm_relation WHERE entity_id = ? OR related_id = ?
		ORDER BY entity_id, related_id`)
	rows, err := o.q.QueryContext(ctx, query, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("relations of entity %d: %w", entityID, err)
	}
	defer rows.Close()

	var out []RelationRow
	for rows.Next() {
		var r RelationRow
		if err := rows.Scan(&r.EntityID, &r.RelatedID, &r.MatchLevel, &r.MatchKey,
			&r.Principle, &r.RelationHash, &r.ModifierID); err != nil {
			return nil, fmt.Errorf("relations of entity %d: %w", entityID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRelation writes a relation row under the canonical ordering.
func (o ops) UpsertRelation(ctx context.Context, r *RelationRow) error {
	lo, hi := types.RelationPair(r.EntityID, r.RelatedID)
	query := o.d.Rebind(`INSERT INTO sz_dm_relation
		(entity_id, related_id, match_level, match_key, principle, relation_hash, modifier_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, related_id) DO UPDATE
		SET match_level = excluded.match_level,
		    match_key = excluded.match_key,
		    principle = excluded.principle,
		    relation_hash = excluded.relation_hash,
		    modifier_id = excluded.modifier_id`)
	_, err := o.q.ExecContext(ctx, query, lo, hi, r.MatchLevel, r.MatchKey,
		r.Principle, r.RelationHash, r.ModifierID)
	if err != nil {
		return fmt.Errorf("upsert relation %d-%d: %w", lo, hi, err)
	}
	return nil
}

// DeleteRelation removes a relation row. Accepts the pair in either order.
func (o ops) DeleteRelation(ctx context.Context, e1, e2 int64) error {
	lo, hi := types.RelationPair(e1, e2)
	query := o.d.Rebind(`DELETE FROM sz_dm_relation WHERE entity_id = ? AND related_id = ?`)
	if _, err := o.q.ExecContext(ctx, query, lo, hi); err != nil {
		return fmt.Errorf("delete relation %d-%d: %w", lo, hi, err)
	}
	return nil
}

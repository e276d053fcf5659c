package replicator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/entresolve/martd/internal/engine"
	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/scheduler"
	"github.com/entresolve/martd/internal/types"
)

// ParamEntityID names the refresh task parameter carrying the entity id.
const ParamEntityID = "entity_id"

// RefreshHandler reconciles one entity between the engine and the mart.
// It fetches the engine's current view, diffs it against the stored
// rows, rewrites entity/record/relation rows, and appends the pending
// report deltas, all in one mart transaction. Follow-up work (refreshes
// of related entities, report updates for touched keys) is published
// through the scheduler handle so it only becomes visible if the
// transaction committed.
type RefreshHandler struct {
	engine engine.Repository
	mart   *mart.Mart

	// notify registers a touched report key with the follow-up loop.
	// Optional; the direct follow-up tasks carry the common path.
	notify func(types.ReportKey)
}

// NewRefreshHandler wires a refresh handler.
func NewRefreshHandler(eng engine.Repository, m *mart.Mart, notify func(types.ReportKey)) *RefreshHandler {
	return &RefreshHandler{engine: eng, mart: m, notify: notify}
}

// ScheduleRefresh stages a refresh task for one entity on a handle.
// The entity resource serializes refreshes of the same entity, and the
// deterministic parameters make duplicate requests coalesce.
func ScheduleRefresh(h *scheduler.Handle, entityID int64) {
	id := strconv.FormatInt(entityID, 10)
	h.Schedule(types.ActionRefreshEntity,
		map[string]string{ParamEntityID: id},
		scheduler.Resource{Kind: scheduler.ResourceEntity, Value: id})
}

// Handle implements scheduler.Handler.
func (h *RefreshHandler) Handle(ctx context.Context, task *scheduler.Task, followup *scheduler.Handle) error {
	entityID, err := strconv.ParseInt(task.Param(ParamEntityID), 10, 64)
	if err != nil || entityID <= 0 {
		return fmt.Errorf("refresh: bad entity id %q", task.Param(ParamEntityID))
	}

	view, err := h.engine.FetchEntity(ctx, entityID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		view = nil
	case errors.Is(err, engine.ErrUnavailable):
		return scheduler.Retryable(err)
	case err != nil:
		return fmt.Errorf("refresh entity %d: %w", entityID, err)
	}

	opID := types.NewOperationID()
	var touched []types.ReportKey
	var refreshRelated []int64

	err = h.mart.WithTx(ctx, func(tx *mart.Tx) error {
		touched, refreshRelated, err = h.reconcile(ctx, tx, entityID, view, opID)
		return err
	})
	if mart.IsTransient(err) {
		return scheduler.Retryable(err)
	}
	if err != nil {
		return fmt.Errorf("refresh entity %d: %w", entityID, err)
	}

	for _, related := range refreshRelated {
		ScheduleRefresh(followup, related)
	}
	for _, key := range touched {
		followup.Schedule(key.Action(),
			map[string]string{ParamReportKey: key.String()},
			scheduler.Resource{Kind: scheduler.ResourceReport, Value: key.String()})
		if h.notify != nil {
			h.notify(key)
		}
	}
	return nil
}

// reconcile applies the engine view to the mart inside one transaction.
// Returns the report keys touched and the related entities whose own
// refresh must follow.
func (h *RefreshHandler) reconcile(ctx context.Context, tx *mart.Tx, entityID int64, view *types.EntityView, opID string) ([]types.ReportKey, []int64, error) {
	row, err := tx.GetEntityForUpdate(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}

	// Entity unknown on both sides: a late echo of an already settled
	// change. Nothing to do.
	if row == nil && view == nil {
		return nil, nil, nil
	}

	var old *types.EntityView
	var oldRelations []mart.RelationRow
	if row != nil {
		records, err := tx.GetEntityRecords(ctx, entityID)
		if err != nil {
			return nil, nil, err
		}
		oldRelations, err = tx.GetEntityRelations(ctx, entityID)
		if err != nil {
			return nil, nil, err
		}
		old = &types.EntityView{
			EntityID:   entityID,
			EntityName: row.EntityName,
			Records:    records,
			Relations:  relationViews(entityID, oldRelations),
		}
	}

	// Unchanged content hash means the stored rows already reflect this
	// exact view; skip the whole diff.
	if row != nil && view != nil && row.EntityHash == view.Hash() {
		return nil, nil, nil
	}

	var refreshRelated []int64
	var deltas []mart.PendingDelta
	if view == nil {
		// The engine no longer resolves this entity: remove it. Each
		// deleted edge settles the far endpoint's accounting first.
		for _, r := range oldRelations {
			far := farEndpoint(entityID, r)
			settled, err := h.settleRelationChange(ctx, tx, entityID, far, -1, opID)
			if err != nil {
				return nil, nil, err
			}
			deltas = append(deltas, settled...)
			if err := tx.DeleteRelation(ctx, r.EntityID, r.RelatedID); err != nil {
				return nil, nil, err
			}
			refreshRelated = append(refreshRelated, far)
		}
		if err := tx.DeleteEntityRecords(ctx, entityID); err != nil {
			return nil, nil, err
		}
		if err := tx.DeleteEntity(ctx, entityID); err != nil {
			return nil, nil, err
		}
	} else {
		related, corrections, err := h.applyView(ctx, tx, row, old, view, opID)
		if err != nil {
			return nil, nil, err
		}
		refreshRelated = related
		deltas = corrections
	}

	deltas = append(deltas, diffFootprints(entityID, viewFootprint(old), viewFootprint(view))...)
	if err := tx.AppendPending(ctx, deltas); err != nil {
		return nil, nil, err
	}
	return touchedKeys(deltas), refreshRelated, nil
}

// applyView rewrites the entity, record, and relation rows to match the
// engine view. It returns the far endpoints of added, removed, or
// modified relations, plus the correction deltas owed to entities whose
// records this refresh adopted away.
func (h *RefreshHandler) applyView(ctx context.Context, tx *mart.Tx, row *mart.EntityRow, old, view *types.EntityView, opID string) ([]int64, []mart.PendingDelta, error) {
	entityID := view.EntityID

	oldRecords := make(map[types.RecordKey]bool)
	if old != nil {
		for _, r := range old.Records {
			oldRecords[r] = true
		}
	}
	var adds []types.RecordKey
	newRecords := make(map[types.RecordKey]bool, len(view.Records))
	for _, r := range view.Records {
		newRecords[r] = true
		if !oldRecords[r] {
			adds = append(adds, r)
		}
	}

	// Records adopted from another entity must be settled against that
	// entity's accounting before the rows are re-pointed.
	stolen := make(map[int64][]types.RecordKey)
	for _, r := range adds {
		owner, err := tx.GetRecordOwner(ctx, r.DataSource, r.RecordID)
		if err != nil {
			return nil, nil, err
		}
		if owner.Exists && owner.EntityID != 0 && owner.EntityID != entityID {
			stolen[owner.EntityID] = append(stolen[owner.EntityID], r)
		}
	}
	var corrections []mart.PendingDelta
	for _, ownerID := range sortedInt64MapKeys(stolen) {
		settled, err := h.settleAdoption(ctx, tx, ownerID, stolen[ownerID], opID)
		if err != nil {
			return nil, nil, err
		}
		corrections = append(corrections, settled...)
	}

	for _, r := range adds {
		if err := tx.AdoptRecord(ctx, r.DataSource, r.RecordID, entityID, opID); err != nil {
			return nil, nil, err
		}
	}
	for _, r := range sortedRecordKeys(oldRecords) {
		if !newRecords[r] {
			if _, err := tx.ReleaseRecord(ctx, r.DataSource, r.RecordID, entityID); err != nil {
				return nil, nil, err
			}
		}
	}

	oldRel := make(map[int64]string)
	if old != nil {
		for _, r := range old.Relations {
			oldRel[r.RelatedID] = r.Hash()
		}
	}
	var refreshRelated []int64
	newRel := make(map[int64]bool, len(view.Relations))
	for _, r := range view.Relations {
		newRel[r.RelatedID] = true
		oldHash, existed := oldRel[r.RelatedID]
		if existed && oldHash == r.Hash() {
			continue
		}
		if existed {
			// Match attributes changed but the edge set did not: the far
			// endpoint's counts stand, only its stored hash went stale.
			if err := h.markEntityDirty(ctx, tx, r.RelatedID, opID); err != nil {
				return nil, nil, err
			}
		} else {
			settled, err := h.settleRelationChange(ctx, tx, entityID, r.RelatedID, +1, opID)
			if err != nil {
				return nil, nil, err
			}
			corrections = append(corrections, settled...)
		}
		if err := tx.UpsertRelation(ctx, &mart.RelationRow{
			EntityID:     entityID,
			RelatedID:    r.RelatedID,
			MatchLevel:   r.MatchLevel,
			MatchKey:     r.MatchKey,
			Principle:    r.Principle,
			RelationHash: r.Hash(),
			ModifierID:   opID,
		}); err != nil {
			return nil, nil, err
		}
		refreshRelated = append(refreshRelated, r.RelatedID)
	}
	for _, related := range sortedInt64StringMapKeys(oldRel) {
		if !newRel[related] {
			settled, err := h.settleRelationChange(ctx, tx, entityID, related, -1, opID)
			if err != nil {
				return nil, nil, err
			}
			corrections = append(corrections, settled...)
			if err := tx.DeleteRelation(ctx, entityID, related); err != nil {
				return nil, nil, err
			}
			refreshRelated = append(refreshRelated, related)
		}
	}

	next := &mart.EntityRow{
		EntityID:     entityID,
		EntityName:   view.EntityName,
		RecordCount:  view.RecordCount(),
		RelatedCount: view.RelatedCount(),
		EntityHash:   view.Hash(),
		PatchState:   mart.PatchClean,
		ModifierID:   opID,
	}
	if row == nil {
		next.CreatorID = opID
		if err := tx.InsertEntity(ctx, next); err != nil {
			return nil, nil, err
		}
	} else {
		next.CreatorID = row.CreatorID
		next.PrevEntityHash = row.EntityHash
		if err := tx.UpdateEntity(ctx, next); err != nil {
			return nil, nil, err
		}
	}
	return refreshRelated, corrections, nil
}

// settleAdoption closes out a prior owner's accounting for records this
// refresh is about to re-point. The owner's record-driven statistics
// are re-derived with and without the taken records and the difference
// appended as pending deltas attributed to the owner, keeping the
// ledger conserved even though the owner's own refresh will later diff
// against the shrunken row set. The owner row is marked DIRTY with its
// hash cleared so that refresh can never short-circuit on a stale hash.
func (h *RefreshHandler) settleAdoption(ctx context.Context, tx *mart.Tx, ownerID int64, taken []types.RecordKey, opID string) ([]mart.PendingDelta, error) {
	ownerRow, err := tx.GetEntityForUpdate(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	before, err := tx.GetEntityRecords(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	takenSet := make(map[types.RecordKey]bool, len(taken))
	for _, r := range taken {
		takenSet[r] = true
	}
	after := make([]types.RecordKey, 0, len(before))
	for _, r := range before {
		if !takenSet[r] {
			after = append(after, r)
		}
	}

	deltas := diffFootprints(ownerID, recordFootprint(before), recordFootprint(after))

	if ownerRow != nil {
		ownerRow.RecordCount = len(after)
		ownerRow.EntityHash = ""
		ownerRow.PatchState = mart.PatchDirty
		ownerRow.ModifierID = opID
		if err := tx.UpdateEntity(ctx, ownerRow); err != nil {
			return nil, err
		}
	}
	return deltas, nil
}

// settleRelationChange closes out the far endpoint's accounting for an
// edge this refresh is about to add (delta +1) or remove (delta -1).
// The far entity's related-count bucket migrates and every edge it
// holds migrates with it, all attributed to the far entity. A far
// endpoint with no entity row has never accounted anything; its own
// refresh will pick the edge up from a clean slate.
func (h *RefreshHandler) settleRelationChange(ctx context.Context, tx *mart.Tx, entityID, farID int64, delta int, opID string) ([]mart.PendingDelta, error) {
	farRow, err := tx.GetEntityForUpdate(ctx, farID)
	if err != nil {
		return nil, err
	}
	if farRow == nil {
		return nil, nil
	}

	before, err := tx.GetEntityRelations(ctx, farID)
	if err != nil {
		return nil, err
	}
	lo, hi := types.RelationPair(entityID, farID)
	after := make([]mart.RelationRow, 0, len(before)+1)
	for _, r := range before {
		if r.EntityID == lo && r.RelatedID == hi {
			continue
		}
		after = append(after, r)
	}
	if delta > 0 {
		after = append(after, mart.RelationRow{EntityID: lo, RelatedID: hi})
	}

	deltas := diffFootprints(farID, relationFootprint(farID, before), relationFootprint(farID, after))

	farRow.RelatedCount = len(after)
	farRow.EntityHash = ""
	farRow.PatchState = mart.PatchDirty
	farRow.ModifierID = opID
	if err := tx.UpdateEntity(ctx, farRow); err != nil {
		return nil, err
	}
	return deltas, nil
}

// markEntityDirty clears an entity row's stored hash so its next
// refresh cannot short-circuit against rows that changed underneath it.
func (h *RefreshHandler) markEntityDirty(ctx context.Context, tx *mart.Tx, entityID int64, opID string) error {
	row, err := tx.GetEntityForUpdate(ctx, entityID)
	if err != nil || row == nil {
		return err
	}
	row.EntityHash = ""
	row.PatchState = mart.PatchDirty
	row.ModifierID = opID
	return tx.UpdateEntity(ctx, row)
}

// relationViews converts stored relation rows into the entity's view of
// them, with the far endpoint as RelatedID.
func relationViews(entityID int64, rows []mart.RelationRow) []types.RelationView {
	out := make([]types.RelationView, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.RelationView{
			RelatedID:  farEndpoint(entityID, r),
			MatchLevel: r.MatchLevel,
			MatchKey:   r.MatchKey,
			Principle:  r.Principle,
		})
	}
	return out
}

func farEndpoint(entityID int64, r mart.RelationRow) int64 {
	if r.EntityID == entityID {
		return r.RelatedID
	}
	return r.EntityID
}

func sortedInt64MapKeys(m map[int64][]types.RecordKey) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedInt64StringMapKeys(m map[int64]string) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedRecordKeys(set map[types.RecordKey]bool) []types.RecordKey {
	out := make([]types.RecordKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	// Map order is random; stable iteration keeps SQL statement order
	// deterministic across runs.
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

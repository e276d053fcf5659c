package replicator

import (
	"sort"

	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/types"
)

// contribution is what one entity adds to one report statistic row.
type contribution struct {
	entities  int32
	records   int32
	relations int32
}

func (c contribution) minus(o contribution) contribution {
	return contribution{
		entities:  c.entities - o.entities,
		records:   c.records - o.records,
		relations: c.relations - o.relations,
	}
}

func (c contribution) zero() bool {
	return c.entities == 0 && c.records == 0 && c.relations == 0
}

// relationRef scopes a relation edge to the report key it counts under.
type relationRef struct {
	key     types.ReportKey
	related int64
}

// footprint is the full set of report contributions derivable from a
// single entity view. Every statistic the mart keeps is a sum of
// footprints, which is what makes refresh purely incremental: the
// pending deltas for a change are footprint(new) - footprint(old),
// computed without looking at any other entity.
type footprint struct {
	stats     map[types.ReportKey]contribution
	relations map[relationRef]int32
}

// viewFootprint derives the footprint of one engine view. A nil view
// (entity not resolved) has an empty footprint.
//
// The breakdown per report family:
//   - DSS per data source in the record set: one entity, its records
//     from that source.
//   - CSS per unordered pair of co-occurring sources: one entity, the
//     records from both sources. A same-source pair counts only when
//     the source has at least two records.
//   - ESB for the record-count bucket: one entity, all its records.
//   - ERB for the related-count bucket: one entity, plus one relation
//     edge per related entity.
func viewFootprint(view *types.EntityView) footprint {
	if view == nil {
		return footprint{
			stats:     make(map[types.ReportKey]contribution),
			relations: make(map[relationRef]int32),
		}
	}
	fp := recordFootprint(view.Records)

	erb := types.EntityRelationKey(view.RelatedCount())
	fp.stats[erb] = contribution{entities: 1}
	for _, rel := range view.Relations {
		fp.relations[relationRef{key: erb, related: rel.RelatedID}]++
	}
	return fp
}

// recordFootprint derives the record-driven statistics (DSS, CSS, ESB)
// of one record set. Used on its own when a refresh re-points records
// away from another entity and must settle that entity's accounting
// without touching its relation-driven statistics.
func recordFootprint(records []types.RecordKey) footprint {
	fp := footprint{
		stats:     make(map[types.ReportKey]contribution),
		relations: make(map[relationRef]int32),
	}

	view := types.EntityView{Records: records}
	sources, counts := view.DataSources()
	for _, ds := range sources {
		fp.stats[types.DataSourceSummaryKey(ds)] = contribution{
			entities: 1,
			records:  int32(counts[ds]),
		}
	}
	for i, ds1 := range sources {
		if counts[ds1] >= 2 {
			fp.stats[types.CrossSourceSummaryKey(ds1, ds1)] = contribution{
				entities: 1,
				records:  int32(counts[ds1]),
			}
		}
		for _, ds2 := range sources[i+1:] {
			fp.stats[types.CrossSourceSummaryKey(ds1, ds2)] = contribution{
				entities: 1,
				records:  int32(counts[ds1] + counts[ds2]),
			}
		}
	}

	if size := len(records); size > 0 {
		fp.stats[types.EntitySizeKey(size)] = contribution{
			entities: 1,
			records:  int32(size),
		}
	}
	return fp
}

// relationFootprint derives the relation-driven statistic (ERB) of one
// entity from a stored edge list. Used when a refresh adds or removes a
// shared relation row and must settle the far endpoint's accounting.
func relationFootprint(entityID int64, edges []mart.RelationRow) footprint {
	fp := footprint{
		stats:     make(map[types.ReportKey]contribution),
		relations: make(map[relationRef]int32),
	}
	erb := types.EntityRelationKey(len(edges))
	fp.stats[erb] = contribution{entities: 1}
	for _, r := range edges {
		far := r.RelatedID
		if far == entityID {
			far = r.EntityID
		}
		fp.relations[relationRef{key: erb, related: far}]++
	}
	return fp
}

// diffFootprints turns an old/new footprint pair into pending-delta
// rows for the entity. Every statistic key touched by either side gets
// a row, even a zero one: zero rows cost one append and self-annihilate
// at apply time, and emitting them keeps the touched-key set equal to
// the follow-up set. Relation-scoped rows are only emitted when the
// edge actually changed.
func diffFootprints(entityID int64, old, new footprint) []mart.PendingDelta {
	keys := make([]types.ReportKey, 0, len(old.stats)+len(new.stats))
	seen := make(map[types.ReportKey]bool)
	for k := range old.stats {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range new.stats {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var out []mart.PendingDelta
	for _, key := range keys {
		d := new.stats[key].minus(old.stats[key])
		out = append(out, mart.PendingDelta{
			Key:           key,
			EntityID:      entityID,
			EntityDelta:   d.entities,
			RecordDelta:   d.records,
			RelationDelta: d.relations,
		})
	}

	refs := make([]relationRef, 0, len(old.relations)+len(new.relations))
	seenRef := make(map[relationRef]bool)
	for r := range old.relations {
		seenRef[r] = true
		refs = append(refs, r)
	}
	for r := range new.relations {
		if !seenRef[r] {
			refs = append(refs, r)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].key != refs[j].key {
			return refs[i].key.String() < refs[j].key.String()
		}
		return refs[i].related < refs[j].related
	})
	for _, ref := range refs {
		d := new.relations[ref] - old.relations[ref]
		if d == 0 {
			continue
		}
		related := ref.related
		out = append(out, mart.PendingDelta{
			Key:           ref.key,
			EntityID:      entityID,
			RelatedID:     &related,
			RelationDelta: d,
		})
	}
	return out
}

// touchedKeys returns the distinct report keys of a delta batch in
// first-seen order.
func touchedKeys(deltas []mart.PendingDelta) []types.ReportKey {
	var out []types.ReportKey
	seen := make(map[types.ReportKey]bool)
	for _, d := range deltas {
		if !seen[d.Key] {
			seen[d.Key] = true
			out = append(out, d.Key)
		}
	}
	return out
}

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// RecordKey names a source record: the (data source, record id) pair is
// globally unique across the engine.
type RecordKey struct {
	DataSource string
	RecordID   string
}

func (r RecordKey) String() string {
	return r.DataSource + ":" + r.RecordID
}

// RelationView is one edge of an entity's relation set as reported by
// the engine. Relations are undirected; a view lists the far endpoint.
type RelationView struct {
	RelatedID  int64
	MatchLevel int
	MatchKey   string
	Principle  string
}

// Hash returns a stable digest of the relation's match attributes.
// Used to detect modified relations without comparing field by field.
func (r RelationView) Hash() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", r.MatchLevel, r.MatchKey, r.Principle)))
	return hex.EncodeToString(h[:16])
}

// EntityView is the engine's current opinion about one resolved entity:
// its members and its relations to other entities.
type EntityView struct {
	EntityID   int64
	EntityName string
	Records    []RecordKey
	Relations  []RelationView
}

// RecordCount returns the number of member records.
func (v *EntityView) RecordCount() int { return len(v.Records) }

// RelatedCount returns the number of related entities.
func (v *EntityView) RelatedCount() int { return len(v.Relations) }

// DataSources returns the distinct data sources present in the record
// set, sorted, with per-source record counts.
func (v *EntityView) DataSources() ([]string, map[string]int) {
	counts := make(map[string]int)
	for _, r := range v.Records {
		counts[r.DataSource]++
	}
	sources := make([]string, 0, len(counts))
	for ds := range counts {
		sources = append(sources, ds)
	}
	sort.Strings(sources)
	return sources, counts
}

// Hash returns a stable content hash of the view. Two views with the
// same members, relations, and name hash equal regardless of slice
// order. The refresh handler compares this against the mart's stored
// hash to skip no-op updates.
func (v *EntityView) Hash() string {
	records := make([]string, len(v.Records))
	for i, r := range v.Records {
		records[i] = r.String()
	}
	sort.Strings(records)

	relations := make([]string, len(v.Relations))
	for i, r := range v.Relations {
		relations[i] = fmt.Sprintf("%d|%d|%s|%s", r.RelatedID, r.MatchLevel, r.MatchKey, r.Principle)
	}
	sort.Strings(relations)

	var b strings.Builder
	fmt.Fprintf(&b, "%d\x1f%s\x1f", v.EntityID, v.EntityName)
	b.WriteString(strings.Join(records, "\x1e"))
	b.WriteByte(0x1f)
	b.WriteString(strings.Join(relations, "\x1e"))

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:16])
}

// RelationPair returns the canonical (low, high) ordering of an
// undirected relation between two entities. All relation rows, keys,
// and hashes use this ordering.
func RelationPair(e1, e2 int64) (int64, int64) {
	if e1 < e2 {
		return e1, e2
	}
	return e2, e1
}

// RelationToken renders the canonical "min:max" token for a relation,
// used to key in-memory delta maps during report aggregation.
func RelationToken(e1, e2 int64) string {
	lo, hi := RelationPair(e1, e2)
	return fmt.Sprintf("%d:%d", lo, hi)
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityViewHashIgnoresOrder(t *testing.T) {
	a := &EntityView{
		EntityID:   1,
		EntityName: "Jane Smith",
		Records: []RecordKey{
			{DataSource: "A", RecordID: "R1"},
			{DataSource: "B", RecordID: "R3"},
		},
		Relations: []RelationView{
			{RelatedID: 2, MatchLevel: 2, MatchKey: "+NAME", Principle: "MFF"},
			{RelatedID: 5, MatchLevel: 3, MatchKey: "+ADDR", Principle: "CFF"},
		},
	}
	b := &EntityView{
		EntityID:   1,
		EntityName: "Jane Smith",
		Records: []RecordKey{
			{DataSource: "B", RecordID: "R3"},
			{DataSource: "A", RecordID: "R1"},
		},
		Relations: []RelationView{
			{RelatedID: 5, MatchLevel: 3, MatchKey: "+ADDR", Principle: "CFF"},
			{RelatedID: 2, MatchLevel: 2, MatchKey: "+NAME", Principle: "MFF"},
		},
	}
	assert.Equal(t, a.Hash(), b.Hash())

	b.Relations[0].MatchKey = "+ADDR+DOB"
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestEntityViewDataSources(t *testing.T) {
	v := &EntityView{
		Records: []RecordKey{
			{DataSource: "B", RecordID: "R3"},
			{DataSource: "A", RecordID: "R1"},
			{DataSource: "A", RecordID: "R2"},
		},
	}
	sources, counts := v.DataSources()
	require.Equal(t, []string{"A", "B"}, sources)
	assert.Equal(t, 2, counts["A"])
	assert.Equal(t, 1, counts["B"])
}

func TestRelationPairCanonical(t *testing.T) {
	lo, hi := RelationPair(9, 4)
	assert.Equal(t, int64(4), lo)
	assert.Equal(t, int64(9), hi)
	assert.Equal(t, "4:9", RelationToken(9, 4))
	assert.Equal(t, "4:9", RelationToken(4, 9))
}

func TestRelationViewHashStable(t *testing.T) {
	r := RelationView{RelatedID: 2, MatchLevel: 2, MatchKey: "+NAME", Principle: "MFF"}
	assert.Equal(t, r.Hash(), r.Hash())
	other := r
	other.Principle = "CFF"
	assert.NotEqual(t, r.Hash(), other.Hash())
}

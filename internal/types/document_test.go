package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityDocument(t *testing.T) {
	doc := `{
		"RESOLVED_ENTITY": {
			"ENTITY_ID": 100001,
			"ENTITY_NAME": "Robert Smith",
			"RECORDS": [
				{"DATA_SOURCE": "CUSTOMERS", "RECORD_ID": "1001"},
				{"DATA_SOURCE": "WATCHLIST", "RECORD_ID": "2001"}
			]
		},
		"RELATED_ENTITIES": [
			{"ENTITY_ID": 100002, "MATCH_LEVEL": 3, "MATCH_KEY": "+NAME+ADDRESS", "ERRULE_CODE": "CNAME_CFF"}
		]
	}`

	view, err := ParseEntityDocument([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, int64(100001), view.EntityID)
	assert.Equal(t, "Robert Smith", view.EntityName)
	require.Len(t, view.Records, 2)
	assert.Equal(t, RecordKey{DataSource: "CUSTOMERS", RecordID: "1001"}, view.Records[0])
	require.Len(t, view.Relations, 1)
	assert.Equal(t, int64(100002), view.Relations[0].RelatedID)
	assert.Equal(t, "CNAME_CFF", view.Relations[0].Principle)
}

func TestParseEntityDocumentRejectsMissingID(t *testing.T) {
	_, err := ParseEntityDocument([]byte(`{"RESOLVED_ENTITY": {}}`))
	require.Error(t, err)
}

func TestParseEntityDocumentRejectsGarbage(t *testing.T) {
	_, err := ParseEntityDocument([]byte(`not json`))
	require.Error(t, err)
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportKeyRoundTrip(t *testing.T) {
	keys := []ReportKey{
		DataSourceSummaryKey("CUSTOMERS"),
		DataSourceSummaryKey(""),
		CrossSourceSummaryKey("CUSTOMERS", "WATCHLIST"),
		CrossSourceSummaryKey("A", "A"),
		EntitySizeKey(3),
		EntityRelationKey(0),
		EntityRelationKey(17),
	}
	for _, k := range keys {
		parsed, err := ParseReportKey(k.String())
		require.NoError(t, err, "key %s", k)
		assert.Equal(t, k, parsed, "key %s", k)
	}
}

func TestCrossSourceSummaryKeySorts(t *testing.T) {
	assert.Equal(t, CrossSourceSummaryKey("B", "A"), CrossSourceSummaryKey("A", "B"))
	assert.Equal(t, "CSS:A:B", CrossSourceSummaryKey("B", "A").String())
}

func TestParseReportKeyRejects(t *testing.T) {
	bad := []string{
		"",
		"DSS",
		"XYZ:A",
		"CSS:A",          // missing second source
		"CSS:B:A",        // out of canonical order
		"ESB:three",      // non-numeric bucket
		"DSS:A:B",        // too many fields
		"ERB:1:2",        // too many fields
	}
	for _, s := range bad {
		_, err := ParseReportKey(s)
		assert.ErrorIs(t, err, ErrBadReportKey, "input %q", s)
	}
}

func TestReportKeyAction(t *testing.T) {
	assert.Equal(t, ActionUpdateDataSourceSummary, DataSourceSummaryKey("A").Action())
	assert.Equal(t, ActionUpdateCrossSourceSummary, CrossSourceSummaryKey("A", "B").Action())
	assert.Equal(t, ActionUpdateEntitySizeBreakdown, EntitySizeKey(2).Action())
	assert.Equal(t, ActionUpdateEntityRelationBreakdown, EntityRelationKey(2).Action())
}

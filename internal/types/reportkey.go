package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ReportCode identifies one of the pre-aggregated report families kept
// in the data mart.
type ReportCode string

const (
	// DataSourceSummary aggregates per-data-source entity and record counts.
	DataSourceSummary ReportCode = "DSS"
	// CrossSourceSummary aggregates counts for unordered pairs of data
	// sources that co-occur within an entity (same-source pairs included).
	CrossSourceSummary ReportCode = "CSS"
	// EntitySizeBreakdown buckets entities by record count.
	EntitySizeBreakdown ReportCode = "ESB"
	// EntityRelationBreakdown buckets entities by related-entity count.
	EntityRelationBreakdown ReportCode = "ERB"
)

// ErrBadReportKey is returned by ParseReportKey for text that does not
// round-trip through ReportKey.String.
var ErrBadReportKey = errors.New("malformed report key")

// ReportKey identifies a single report statistic row. The zero value is
// not a valid key. Keys are comparable and safe for use as map keys.
//
// The canonical textual form is colon-joined and depends on the report
// family: "DSS:<ds>", "CSS:<ds1>:<ds2>" (data sources sorted), and
// "ESB:<size>" / "ERB:<relatedCount>". ParseReportKey is total over the
// output of String.
type ReportKey struct {
	Report      ReportCode
	Statistic   string
	DataSource1 string
	DataSource2 string
}

// DataSourceSummaryKey returns the DSS key for one data source.
func DataSourceSummaryKey(dataSource string) ReportKey {
	return ReportKey{Report: DataSourceSummary, DataSource1: dataSource}
}

// CrossSourceSummaryKey returns the CSS key for an unordered pair of
// data sources. The pair is stored sorted so that (A,B) and (B,A) name
// the same key. Same-source pairs (A,A) are valid.
func CrossSourceSummaryKey(ds1, ds2 string) ReportKey {
	if ds2 < ds1 {
		ds1, ds2 = ds2, ds1
	}
	return ReportKey{Report: CrossSourceSummary, DataSource1: ds1, DataSource2: ds2}
}

// EntitySizeKey returns the ESB key for entities with the given record count.
func EntitySizeKey(size int) ReportKey {
	return ReportKey{Report: EntitySizeBreakdown, Statistic: strconv.Itoa(size)}
}

// EntityRelationKey returns the ERB key for entities with the given
// related-entity count.
func EntityRelationKey(relatedCount int) ReportKey {
	return ReportKey{Report: EntityRelationBreakdown, Statistic: strconv.Itoa(relatedCount)}
}

// String renders the canonical textual form.
func (k ReportKey) String() string {
	switch k.Report {
	case DataSourceSummary:
		return string(k.Report) + ":" + k.DataSource1
	case CrossSourceSummary:
		return string(k.Report) + ":" + k.DataSource1 + ":" + k.DataSource2
	default:
		return string(k.Report) + ":" + k.Statistic
	}
}

// Action returns the scheduler action name that applies pending deltas
// for this key's report family.
func (k ReportKey) Action() string {
	switch k.Report {
	case DataSourceSummary:
		return ActionUpdateDataSourceSummary
	case CrossSourceSummary:
		return ActionUpdateCrossSourceSummary
	case EntitySizeBreakdown:
		return ActionUpdateEntitySizeBreakdown
	default:
		return ActionUpdateEntityRelationBreakdown
	}
}

// ParseReportKey parses the canonical textual form produced by String.
func ParseReportKey(s string) (ReportKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return ReportKey{}, fmt.Errorf("%w: %q", ErrBadReportKey, s)
	}
	code := ReportCode(parts[0])
	fields := parts[1:]
	switch code {
	case DataSourceSummary:
		if len(fields) != 1 {
			return ReportKey{}, fmt.Errorf("%w: %q wants 1 field", ErrBadReportKey, s)
		}
		return ReportKey{Report: code, DataSource1: fields[0]}, nil
	case CrossSourceSummary:
		if len(fields) != 2 {
			return ReportKey{}, fmt.Errorf("%w: %q wants 2 fields", ErrBadReportKey, s)
		}
		if fields[1] < fields[0] {
			return ReportKey{}, fmt.Errorf("%w: %q data sources out of order", ErrBadReportKey, s)
		}
		return ReportKey{Report: code, DataSource1: fields[0], DataSource2: fields[1]}, nil
	case EntitySizeBreakdown, EntityRelationBreakdown:
		if len(fields) != 1 {
			return ReportKey{}, fmt.Errorf("%w: %q wants 1 field", ErrBadReportKey, s)
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			return ReportKey{}, fmt.Errorf("%w: %q bucket is not a number", ErrBadReportKey, s)
		}
		return ReportKey{Report: code, Statistic: fields[0]}, nil
	default:
		return ReportKey{}, fmt.Errorf("%w: unknown report code %q", ErrBadReportKey, parts[0])
	}
}

// Scheduler action names for the report handler family. Kept here so
// both the refresh handler and the follow-up loop agree on the mapping
// without importing each other.
const (
	ActionRefreshEntity                 = "REFRESH_ENTITY"
	ActionUpdateDataSourceSummary       = "UPDATE_DATA_SOURCE_SUMMARY"
	ActionUpdateCrossSourceSummary      = "UPDATE_CROSS_SOURCE_SUMMARY"
	ActionUpdateEntitySizeBreakdown     = "UPDATE_ENTITY_SIZE_BREAKDOWN"
	ActionUpdateEntityRelationBreakdown = "UPDATE_ENTITY_RELATION_BREAKDOWN"
)

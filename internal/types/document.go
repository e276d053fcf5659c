package types

import (
	"encoding/json"
	"fmt"
)

// Raw entity document as the engine serves it. Field names follow the
// engine's JSON conventions; ERRULE_CODE carries the resolution
// principle.
type rawEntityDocument struct {
	ResolvedEntity struct {
		EntityID   int64  `json:"ENTITY_ID"`
		EntityName string `json:"ENTITY_NAME"`
		Records    []struct {
			DataSource string `json:"DATA_SOURCE"`
			RecordID   string `json:"RECORD_ID"`
		} `json:"RECORDS"`
	} `json:"RESOLVED_ENTITY"`
	RelatedEntities []struct {
		EntityID   int64  `json:"ENTITY_ID"`
		MatchLevel int    `json:"MATCH_LEVEL"`
		MatchKey   string `json:"MATCH_KEY"`
		ErruleCode string `json:"ERRULE_CODE"`
	} `json:"RELATED_ENTITIES"`
}

// ParseEntityDocument decodes the engine's raw entity JSON into an
// EntityView.
func ParseEntityDocument(payload []byte) (*EntityView, error) {
	var raw rawEntityDocument
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parsing entity document: %w", err)
	}
	if raw.ResolvedEntity.EntityID == 0 {
		return nil, fmt.Errorf("entity document has no RESOLVED_ENTITY.ENTITY_ID")
	}

	view := &EntityView{
		EntityID:   raw.ResolvedEntity.EntityID,
		EntityName: raw.ResolvedEntity.EntityName,
	}
	for _, r := range raw.ResolvedEntity.Records {
		view.Records = append(view.Records, RecordKey{DataSource: r.DataSource, RecordID: r.RecordID})
	}
	for _, r := range raw.RelatedEntities {
		view.Relations = append(view.Relations, RelationView{
			RelatedID:  r.EntityID,
			MatchLevel: r.MatchLevel,
			MatchKey:   r.MatchKey,
			Principle:  r.ErruleCode,
		})
	}
	return view, nil
}

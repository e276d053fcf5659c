package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnparseableMessage is returned when an info payload cannot be
// decoded. Consumers nack such messages where the backend supports it
// and drop them loudly otherwise.
var ErrUnparseableMessage = errors.New("unparseable info message")

// InfoMessage is one change event from the entity-resolution engine: a
// source record and the set of entities whose resolution may have
// changed because of it.
type InfoMessage struct {
	DataSource       string
	RecordID         string
	AffectedEntities []int64
}

// rawInfoMessage mirrors the engine's wire shape. AFFECTED_ENTITIES is
// a list of {"ENTITY_ID": n} objects.
type rawInfoMessage struct {
	DataSource       string `json:"DATA_SOURCE"`
	RecordID         string `json:"RECORD_ID"`
	AffectedEntities []struct {
		EntityID int64 `json:"ENTITY_ID"`
	} `json:"AFFECTED_ENTITIES"`
}

func (r rawInfoMessage) toInfoMessage() InfoMessage {
	msg := InfoMessage{DataSource: r.DataSource, RecordID: r.RecordID}
	seen := make(map[int64]bool, len(r.AffectedEntities))
	for _, e := range r.AffectedEntities {
		if e.EntityID == 0 || seen[e.EntityID] {
			continue
		}
		seen[e.EntityID] = true
		msg.AffectedEntities = append(msg.AffectedEntities, e.EntityID)
	}
	return msg
}

// ParseInfoMessages decodes an info payload. A payload is either a
// single message object or a JSON array of them; both shapes occur in
// deployed queues.
func ParseInfoMessages(payload []byte) ([]InfoMessage, error) {
	trimmed := firstNonSpace(payload)
	switch trimmed {
	case '[':
		var raws []rawInfoMessage
		if err := json.Unmarshal(payload, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableMessage, err)
		}
		msgs := make([]InfoMessage, 0, len(raws))
		for _, r := range raws {
			msgs = append(msgs, r.toInfoMessage())
		}
		return msgs, nil
	case '{':
		var raw rawInfoMessage
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableMessage, err)
		}
		return []InfoMessage{raw.toInfoMessage()}, nil
	default:
		return nil, fmt.Errorf("%w: payload is not a JSON object or array", ErrUnparseableMessage)
	}
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}

package ingest

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// Normalize turns one raw vendor occurrence into a canonical event. Resource
// and rule key are required; a missing or unknown level defaults to warning.
// A zero received-at is stamped with now so late-mapped vendors still land
// inside the aggregation window.
func Normalize(raw alert.RawAlert, src *alert.Source, now time.Time) (*alert.Event, error) {
	if raw.Resource == "" {
		return nil, &alert.NormalizationError{Field: "resource", Reason: "required"}
	}
	if raw.RuleKey == "" {
		return nil, &alert.NormalizationError{Field: "rule_key", Reason: "required"}
	}

	level := alert.Level(raw.Level)
	if !level.Valid() {
		level = alert.LevelWarning
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	return &alert.Event{
		ID:          "EVT-" + ulid.Make().String(),
		SourceID:    src.SourceID,
		ReceivedAt:  receivedAt,
		Resource:    raw.Resource,
		RuleKey:     raw.RuleKey,
		Level:       level,
		RawPayload:  raw.Payload,
		Fingerprint: alert.Fingerprint(raw.Resource, raw.RuleKey, src.SourceID),
	}, nil
}

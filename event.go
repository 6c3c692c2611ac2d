package outbox

import (
	"maps"
	"time"

	"github.com/SebastienMelki/outbox/internal/batch"
)

// Event is a track call.
type Event struct {
	// Name is the event name (required).
	Name string

	UserID     string
	Properties map[string]any
	Context    map[string]any

	// Integrations holds per-event routing overrides. Routing flags set with
	// SetIntegrations take precedence.
	Integrations map[string]any

	// Timestamp defaults to the time of the Track call.
	Timestamp time.Time

	// MessageID defaults to a random UUID.
	MessageID string
}

// record builds the event map. Top-level maps are copied because the event is
// serialized after Track returns; nested values are still shared.
func (e Event) record(anonymousID string) map[string]any {
	record := map[string]any{
		"type":        "track",
		"event":       e.Name,
		"messageId":   e.MessageID,
		"timestamp":   e.Timestamp.UTC().Format(batch.SentAtLayout),
		"anonymousId": anonymousID,
	}
	if e.UserID != "" {
		record["userId"] = e.UserID
	}
	if len(e.Properties) > 0 {
		record["properties"] = maps.Clone(e.Properties)
	}
	if len(e.Context) > 0 {
		record["context"] = maps.Clone(e.Context)
	}
	if len(e.Integrations) > 0 {
		record["integrations"] = maps.Clone(e.Integrations)
	}
	return record
}

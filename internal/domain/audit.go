package domain

import (
	"encoding/json"
	"time"
)

// Actor types recorded on audit events.
const (
	ActorVoiceAgent = "voice_agent"
	ActorTextAgent  = "text_agent"
)

// EventCategorySaved is the audit event type written by a scoring save.
const EventCategorySaved = "deal.category_saved"

// AuditEvent is an append-only record of one persisted save.
type AuditEvent struct {
	EventID        string          `json:"event_id"`
	OrganizationID string          `json:"organization_id"`
	DealID         string          `json:"deal_id"`
	ActorType      string          `json:"actor_type"`
	EventType      string          `json:"event_type"`
	Delta          json.RawMessage `json:"delta"`
	AggregateScore int             `json:"aggregate_score"`
	RunID          string          `json:"run_id"`
	CallID         string          `json:"call_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

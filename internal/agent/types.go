// Package agent runs the browser text-mode review: a model completion loop
// per turn that shares the tool router with phone calls.
package agent

import (
	"time"

	"github.com/ashureev/meddpicc-voice/internal/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChannelBrowser tags transcript events written by text sessions.
const ChannelBrowser = "browser"

// Message is one entry of a session's conversation history.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []tools.Call
	ToolCallID string
}

// Completion is the model's reply to a history.
type Completion struct {
	Content   string
	ToolCalls []tools.Call
}

// InitResponse describes a new text session.
type InitResponse struct {
	SessionID string   `json:"session_id"`
	DealID    string   `json:"deal_id"`
	Queue     []string `json:"queue"`
	Reply     string   `json:"reply,omitempty"`
}

// TurnResponse is the outcome of one user message.
type TurnResponse struct {
	Reply          string   `json:"reply"`
	DealID         string   `json:"deal_id,omitempty"`
	AggregateScore *int     `json:"aggregate_score,omitempty"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	Advanced       bool     `json:"advanced"`
	Done           bool     `json:"done"`
}

// Config holds text-mode settings.
type Config struct {
	MaxToolRounds int
	QueueLimit    int
	SessionTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns default text-mode configuration.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds: 4,
		QueueLimit:    10,
		SessionTTL:    30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

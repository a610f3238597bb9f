// Package realtime speaks the speech-to-speech model's event protocol.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/tools"
)

// Inbound event types.
const (
	EventTurnCreated           = "turn.created"
	EventTurnDone              = "turn.done"
	EventToolCallArgumentsDone = "tool_call.arguments.done"
	EventSpeechStarted         = "speech.started"
	EventSpeechStopped         = "speech.stopped"
	EventAudioDelta            = "audio.delta"
	EventError                 = "error"
)

// Outbound command types.
const (
	TypeSessionConfigure   = "session.configure"
	TypeTurnStart          = "turn.start"
	TypeConversationAppend = "conversation.append"
	TypeAudioAppend        = "audio.append"
	TypeConversationReset  = "conversation.reset"
)

// Error codes carried by EventError.
const (
	CodeTurnAlreadyActive = "turn_already_active"
	CodeTurnFailed        = "turn_failed"
)

// Turn completion statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ItemToolResult is the conversation item type carrying a tool's output.
const ItemToolResult = "tool_result"

// ErrorDetail is the payload of an error event.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Event is one decoded inbound frame. Only the fields of its type are set.
type Event struct {
	Type      string       `json:"type"`
	Status    string       `json:"status,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Name      string       `json:"name,omitempty"`
	Arguments string       `json:"arguments,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// Failed reports whether a turn.done event ended unsuccessfully.
func (e Event) Failed() bool {
	return e.Status == StatusFailed
}

// IsDuplicateTurn reports whether the event rejects a start because a turn
// is already active upstream.
func (e Event) IsDuplicateTurn() bool {
	return e.Type == EventError && e.Error != nil && e.Error.Code == CodeTurnAlreadyActive
}

// ToolCall converts a tool_call.arguments.done event for the router.
func (e Event) ToolCall() tools.Call {
	return tools.Call{ID: e.CallID, Name: e.Name, Arguments: e.Arguments}
}

// Decode parses one inbound frame. Malformed frames wrap
// domain.ErrProtocolFrame; unknown types decode without error so callers can
// skip them.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w: %w", domain.ErrProtocolFrame, err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("event has no type: %w", domain.ErrProtocolFrame)
	}

	switch ev.Type {
	case EventToolCallArgumentsDone:
		if ev.CallID == "" || ev.Name == "" {
			return Event{}, fmt.Errorf("tool call without id or name: %w", domain.ErrProtocolFrame)
		}
	case EventError:
		if ev.Error == nil {
			return Event{}, fmt.Errorf("error event without detail: %w", domain.ErrProtocolFrame)
		}
	}
	return ev, nil
}

// SessionConfig is sent with session.configure.
type SessionConfig struct {
	Instructions      string             `json:"instructions"`
	Tools             []tools.Definition `json:"tools"`
	Voice             string             `json:"voice,omitempty"`
	InputAudioFormat  string             `json:"input_audio_format,omitempty"`
	OutputAudioFormat string             `json:"output_audio_format,omitempty"`
}

// Item is a conversation entry appended by the client.
type Item struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type sessionConfigure struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type turnStart struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type conversationAppend struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type conversationReset struct {
	Type string `json:"type"`
}

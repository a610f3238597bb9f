// Package api provides HTTP handlers for the review API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/meddpicc-voice/internal/agent"
	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// TextAgent runs text-mode review sessions.
type TextAgent interface {
	Init(ctx context.Context, orgID, repID string) (*agent.InitResponse, error)
	Turn(ctx context.Context, sessionID, text string) (*agent.TurnResponse, error)
}

// Speech converts between audio and text.
type Speech interface {
	Transcribe(ctx context.Context, audio []byte, filename, contentType string) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// DealStore is the read side of the deal repository.
type DealStore interface {
	GetDeal(ctx context.Context, orgID, dealID string) (*domain.Deal, error)
	ListAuditEvents(ctx context.Context, orgID, dealID string) ([]*domain.AuditEvent, error)
}

// CallTracker reports live phone calls.
type CallTracker interface {
	Active(orgID string) []string
}

// Handler provides common handler utilities.
type Handler struct {
	agent  TextAgent
	speech Speech
	deals  DealStore
	calls  CallTracker
}

// NewHandler creates a new Handler with common dependencies. speech and
// calls may be nil when those features are disabled.
func NewHandler(textAgent TextAgent, speech Speech, deals DealStore, calls CallTracker) *Handler {
	return &Handler{
		agent:  textAgent,
		speech: speech,
		deals:  deals,
		calls:  calls,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/agent"
	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes  = 64 << 10
	maxAudioBytes = 25 << 20
	maxSpeechText = 4096
)

// RegisterRoutes registers review routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/init", h.InitSession)
	r.Post("/session/turn", h.Turn)
	r.Post("/speech-to-text", h.SpeechToText)
	r.Post("/text-to-speech", h.TextToSpeech)

	r.Route("/api", func(r chi.Router) {
		r.Get("/deals/{dealID}", h.GetDeal)
		r.Get("/deals/{dealID}/audit", h.ListAudit)
		r.Get("/calls", h.ListCalls)
	})
}

type initRequest struct {
	OrganizationID string `json:"organization_id"`
	RepID          string `json:"rep_id"`
}

type turnRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type speechRequest struct {
	Text string `json:"text"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// InitSession opens a text review session. Identity headers win over the
// request body.
func (h *Handler) InitSession(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	orgID := identity.OrganizationIDFromContext(ctx)
	if orgID == "" {
		orgID = req.OrganizationID
	}
	repID := identity.RepIDFromContext(ctx)
	if repID == "" {
		repID = req.RepID
	}

	resp, err := h.agent.Init(ctx, orgID, repID)
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		Error(w, http.StatusBadRequest, "organization_id and rep_id are required")
		return
	case errors.Is(err, agent.ErrNoDeals):
		Error(w, http.StatusNotFound, "no deals to review")
		return
	case err != nil:
		slog.Error("Failed to start review session", "error", err, "organization_id", orgID, "rep_id", repID)
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	slog.Info("Review session started", "session_id", resp.SessionID, "organization_id", orgID, "deals", len(resp.Queue))
	JSON(w, http.StatusOK, resp)
}

// Turn runs one text turn.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}

	resp, err := h.agent.Turn(r.Context(), req.SessionID, req.Message)
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, agent.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, agent.ErrTurnInProgress):
		Error(w, http.StatusConflict, "turn_in_progress")
		return
	case err != nil:
		slog.Error("Turn failed", "error", err, "session_id", req.SessionID)
		Error(w, http.StatusBadGateway, "the assistant is unavailable, please try again")
		return
	}
	JSON(w, http.StatusOK, resp)
}

// SpeechToText transcribes a multipart "audio" upload.
func (h *Handler) SpeechToText(w http.ResponseWriter, r *http.Request) {
	if h.speech == nil {
		Error(w, http.StatusServiceUnavailable, "speech is disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		Error(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read audio")
		return
	}
	if len(audio) == 0 {
		Error(w, http.StatusBadRequest, "audio file is empty")
		return
	}

	text, err := h.speech.Transcribe(r.Context(), audio, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeSpeechError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"text": text})
}

// TextToSpeech renders text as WAV audio.
func (h *Handler) TextToSpeech(w http.ResponseWriter, r *http.Request) {
	if h.speech == nil {
		Error(w, http.StatusServiceUnavailable, "speech is disabled")
		return
	}
	var req speechRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if len(text) > maxSpeechText {
		Error(w, http.StatusRequestEntityTooLarge, "text is too long")
		return
	}

	audio, err := h.speech.Synthesize(r.Context(), text)
	if err != nil {
		writeSpeechError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func writeSpeechError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "speech service timed out")
	case errors.Is(err, domain.ErrCapture):
		slog.Warn("Speech request failed", "error", err)
		Error(w, http.StatusUnprocessableEntity, "could not process audio, please try again")
	default:
		slog.Error("Speech request failed", "error", err)
		Error(w, http.StatusInternalServerError, "speech request failed")
	}
}

// GetDeal returns a deal of the caller's organization.
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	orgID := identity.OrganizationIDFromContext(r.Context())
	if orgID == "" {
		Error(w, http.StatusUnauthorized, "organization id required")
		return
	}
	dealID := chi.URLParam(r, "dealID")

	deal, err := h.deals.GetDeal(r.Context(), orgID, dealID)
	if errors.Is(err, domain.ErrDealNotFound) || (err == nil && deal == nil) {
		Error(w, http.StatusNotFound, "deal not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load deal", "error", err, "organization_id", orgID, "deal_id", dealID)
		Error(w, http.StatusInternalServerError, "failed to load deal")
		return
	}
	JSON(w, http.StatusOK, deal)
}

// ListAudit returns the audit trail of a deal, oldest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	orgID := identity.OrganizationIDFromContext(r.Context())
	if orgID == "" {
		Error(w, http.StatusUnauthorized, "organization id required")
		return
	}
	dealID := chi.URLParam(r, "dealID")

	events, err := h.deals.ListAuditEvents(r.Context(), orgID, dealID)
	if err != nil {
		slog.Error("Failed to list audit events", "error", err, "organization_id", orgID, "deal_id", dealID)
		Error(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ListCalls reports the caller organization's live phone calls.
func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	orgID := identity.OrganizationIDFromContext(r.Context())
	if orgID == "" {
		Error(w, http.StatusUnauthorized, "organization id required")
		return
	}
	active := []string{}
	if h.calls != nil {
		if ids := h.calls.Active(orgID); ids != nil {
			active = ids
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"calls": active})
}

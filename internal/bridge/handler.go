package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/identity"
	"github.com/ashureev/meddpicc-voice/internal/prompt"
	"github.com/ashureev/meddpicc-voice/internal/realtime"
	"github.com/ashureev/meddpicc-voice/internal/tools"
	"github.com/ashureev/meddpicc-voice/internal/transcript"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Dialer opens the model leg for a new call.
type Dialer func(ctx context.Context) (AILeg, error)

// QueueSource lists the deals a rep should review.
type QueueSource interface {
	DealReader
	ListReviewQueue(ctx context.Context, orgID, repID string, limit int) ([]*domain.Deal, error)
}

// HandlerConfig holds telephony endpoint settings.
type HandlerConfig struct {
	Call         CallConfig
	QueueLimit   int
	StartTimeout time.Duration
}

// Handler accepts telephony media streams on GET /ws/telephony.
type Handler struct {
	cfg        HandlerConfig
	deals      QueueSource
	saver      tools.Saver
	dial       Dialer
	prompt     *prompt.Builder
	registry   *Registry
	transcript transcript.Logger
	logger     *slog.Logger
}

// NewHandler creates a telephony handler.
func NewHandler(cfg HandlerConfig, deals QueueSource, saver tools.Saver, dial Dialer, pb *prompt.Builder, registry *Registry, tr transcript.Logger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tr == nil {
		tr = transcript.Nop{}
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10
	}
	return &Handler{
		cfg:        cfg,
		deals:      deals,
		saver:      saver,
		dial:       dial,
		prompt:     pb,
		registry:   registry,
		transcript: tr,
		logger:     logger,
	}
}

// ServeHTTP implements http.Handler for the media stream upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Telephony stream request", "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept telephony websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "call ended"); closeErr != nil {
			h.logger.Debug("Failed to close telephony websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	start, err := h.awaitStart(ctx, ws)
	if err != nil {
		h.logger.Warn("Telephony stream did not start", "error", err)
		return
	}
	orgID, repID, err := start.Identity()
	if err != nil {
		h.logger.Warn("Rejecting call without identity", "stream_sid", start.StreamSID, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "missing identity")
		return
	}

	queue, err := h.deals.ListReviewQueue(ctx, orgID, repID, h.cfg.QueueLimit)
	if err != nil {
		h.logger.Error("Failed to load review queue", "organization_id", orgID, "rep_id", repID, "error", err)
		return
	}
	if len(queue) == 0 {
		h.logger.Info("No deals to review", "organization_id", orgID, "rep_id", repID)
		return
	}
	ids := make([]string, len(queue))
	for i, d := range queue {
		ids[i] = d.DealID
	}

	ai, err := h.dial(ctx)
	if err != nil {
		h.logger.Error("Failed to connect model leg", "error", err)
		return
	}
	defer func() { _ = ai.Close() }()

	sess := domain.NewReviewSession(uuid.NewString(), orgID, repID, ids)
	sess.CallID = start.CallSID
	if sess.CallID == "" {
		sess.CallID = start.StreamSID
	}
	logger := h.logger.With("session_id", sess.SessionID, "call_id", sess.CallID, "organization_id", orgID, "rep_id", repID)

	phone := &phoneConn{ws: ws, streamSID: start.StreamSID}
	call := NewCall(h.cfg.Call, CallDeps{
		Session:    sess,
		AI:         ai,
		Phone:      phone,
		Deals:      h.deals,
		Prompt:     h.prompt,
		Router:     tools.NewRouter(h.saver, domain.ActorVoiceAgent, logger),
		Transcript: h.transcript,
		Logger:     logger,
	})

	unregister := h.registry.Register(orgID, sess.CallID, cancel)
	defer unregister()

	logger.Info("Call started", "deals", len(ids))

	var wg sync.WaitGroup
	wg.Add(3)

	// Caller audio -> model.
	go func() {
		defer wg.Done()
		defer cancel()
		pumpPhone(ctx, ws, ai, logger)
	}()

	// Model events -> loop, model audio -> caller.
	go func() {
		defer wg.Done()
		defer cancel()
		pumpAI(ctx, ai, phone, call, logger)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		_ = call.Run(ctx)
	}()

	wg.Wait()
	logger.Info("Call finished", "deal_index", sess.Index)
}

// awaitStart reads frames until the stream's start frame.
func (h *Handler) awaitStart(ctx context.Context, ws *websocket.Conn) (StartInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StartTimeout)
	defer cancel()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return StartInfo{}, fmt.Errorf("read start frame: %w", err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			h.logger.Warn("Dropping telephony frame", "error", err)
			continue
		}
		switch f.Event {
		case FrameStart:
			info := *f.Start
			info.StreamSID = f.StreamSID
			return info, nil
		case FrameStop:
			return StartInfo{}, errors.New("stream stopped before start")
		}
	}
}

func pumpPhone(ctx context.Context, ws *websocket.Conn, ai AILeg, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("Telephony websocket closed by provider")
			} else if ctx.Err() == nil {
				logger.Warn("Telephony read error", "error", err)
			}
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			logger.Warn("Dropping telephony frame", "error", err)
			continue
		}
		switch f.Event {
		case FrameMedia:
			if err := ai.AppendAudio(ctx, f.Media.Payload); err != nil {
				logger.Warn("Failed to forward caller audio", "error", err)
				return
			}
		case FrameStop:
			logger.Info("Telephony stream stopped")
			return
		}
	}
}

func pumpAI(ctx context.Context, ai AILeg, phone PhoneLeg, call *Call, logger *slog.Logger) {
	for {
		ev, err := ai.Read(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrProtocolFrame) {
				logger.Warn("Dropping realtime frame", "error", err)
				continue
			}
			if ctx.Err() == nil {
				logger.Warn("Realtime read error", "error", err)
			}
			return
		}
		if ev.Type == realtime.EventAudioDelta {
			if err := phone.SendMedia(ctx, ev.Delta); err != nil {
				logger.Warn("Failed to play agent audio", "error", err)
				return
			}
			continue
		}
		call.HandleEvent(ev)
	}
}

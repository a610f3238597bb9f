package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/prompt"
	"github.com/ashureev/meddpicc-voice/internal/tools"
	"github.com/ashureev/meddpicc-voice/internal/transcript"
	"github.com/google/uuid"
)

var (
	// ErrTurnInProgress is returned when a session already has a turn running.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoDeals is returned when a rep has nothing to review.
	ErrNoDeals = errors.New("no deals to review")
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message is empty")
)

// Service runs text-mode review sessions.
type Service struct {
	cfg        Config
	model      Model
	deals      QueueSource
	router     *tools.Router
	prompt     *prompt.Builder
	sessions   *Sessions
	transcript transcript.Logger
	logger     *slog.Logger
}

// NewService creates a text-mode service.
func NewService(cfg Config, model Model, deals QueueSource, saver tools.Saver, pb *prompt.Builder, tr transcript.Logger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tr == nil {
		tr = transcript.Nop{}
	}
	if pb == nil {
		pb = prompt.NewBuilder("")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultConfig().MaxToolRounds
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultConfig().QueueLimit
	}
	return &Service{
		cfg:        cfg,
		model:      model,
		deals:      deals,
		router:     tools.NewRouter(saver, domain.ActorTextAgent, logger),
		prompt:     pb,
		sessions:   NewSessions(),
		transcript: tr,
		logger:     logger,
	}
}

// Sessions exposes the session store for sweeping.
func (s *Service) Sessions() *Sessions {
	return s.sessions
}

// Init opens a session over the rep's review queue and returns the agent's
// opening message.
func (s *Service) Init(ctx context.Context, orgID, repID string) (*InitResponse, error) {
	orgID, repID = strings.TrimSpace(orgID), strings.TrimSpace(repID)
	if orgID == "" || repID == "" {
		return nil, fmt.Errorf("organization and rep are required: %w", domain.ErrInvalidIdentity)
	}

	queue, err := s.deals.ListReviewQueue(ctx, orgID, repID, s.cfg.QueueLimit)
	if err != nil {
		return nil, fmt.Errorf("load review queue: %w", err)
	}
	if len(queue) == 0 {
		return nil, ErrNoDeals
	}
	ids := make([]string, len(queue))
	for i, d := range queue {
		ids[i] = d.DealID
	}

	review := domain.NewReviewSession(uuid.NewString(), orgID, repID, ids)
	sess := &session{review: review}
	sess.history = []Message{{Role: RoleSystem, Content: s.prompt.ForDeal(queue[0], review.Remaining())}}
	s.sessions.put(review.SessionID, sess)

	s.logger.Info("text session started", "session_id", review.SessionID, "organization_id", orgID, "rep_id", repID, "deals", len(ids))

	resp := &InitResponse{SessionID: review.SessionID, DealID: ids[0], Queue: ids}

	sess.gate.Lock()
	defer sess.gate.Unlock()
	var opening TurnResponse
	if err := s.run(ctx, sess, &opening); err != nil {
		s.logger.Warn("opening message failed", "session_id", review.SessionID, "error", err)
		return resp, nil
	}
	resp.Reply = opening.Reply
	return resp, nil
}

// Turn handles one user message. A second concurrent turn on the same
// session is refused with ErrTurnInProgress.
func (s *Service) Turn(ctx context.Context, sessionID, text string) (*TurnResponse, error) {
	sess := s.sessions.get(sessionID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !sess.gate.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer sess.gate.Unlock()

	sess.history = append(sess.history, Message{Role: RoleUser, Content: text})
	s.log(sess, transcript.DirectionInbound, transcript.EventUserText, text)

	resp := &TurnResponse{}
	if err := s.run(ctx, sess, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// run completes the history, routing tool calls until the model answers in
// text or the round budget is spent.
func (s *Service) run(ctx context.Context, sess *session, resp *TurnResponse) error {
	logger := s.logger.With("session_id", sess.review.SessionID)

	for round := 0; round < s.cfg.MaxToolRounds; round++ {
		comp, err := s.model.Complete(ctx, sess.history, s.definitions(sess))
		if err != nil {
			return fmt.Errorf("model completion: %w", err)
		}
		sess.history = append(sess.history, Message{Role: RoleAssistant, Content: comp.Content, ToolCalls: comp.ToolCalls})

		if len(comp.ToolCalls) == 0 {
			resp.Reply = comp.Content
			resp.DealID, _ = sess.review.CurrentDealID()
			s.log(sess, transcript.DirectionOutbound, transcript.EventAgentText, comp.Content)
			return nil
		}

		if s.routeCalls(ctx, logger, sess, comp.ToolCalls, resp) {
			s.resetHistory(ctx, sess)
		}
	}

	logger.Warn("tool round budget exhausted", "rounds", s.cfg.MaxToolRounds)
	resp.DealID, _ = sess.review.CurrentDealID()
	return nil
}

// routeCalls applies one batch of tool calls and reports whether the
// session advanced. Calls after an advance in the same batch are dropped so
// they cannot land on the next deal.
func (s *Service) routeCalls(ctx context.Context, logger *slog.Logger, sess *session, calls []tools.Call, resp *TurnResponse) bool {
	for i, call := range calls {
		out := s.router.Route(ctx, sess.review, call)
		sess.history = append(sess.history, Message{Role: RoleTool, Content: out.Result.Output, ToolCallID: call.ID})
		resp.ToolsUsed = append(resp.ToolsUsed, call.Name)
		s.log(sess, transcript.DirectionOutbound, transcript.EventToolResult, out.Result.Output)

		if out.Saved != nil {
			agg := out.Saved.Aggregate
			resp.AggregateScore = &agg
		}
		if out.Failed() && out.Err != nil {
			resp.Errors = append(resp.Errors, out.Err.Error())
		}
		if out.Advanced {
			resp.Advanced = true
			resp.Done = out.Done
			if dropped := len(calls) - i - 1; dropped > 0 {
				logger.Warn("dropping tool calls issued after advance", "count", dropped)
			}
			return true
		}
	}
	return false
}

// resetHistory starts a fresh conversation for the deal now under review.
func (s *Service) resetHistory(ctx context.Context, sess *session) {
	dealID, ok := sess.review.CurrentDealID()
	if !ok {
		sess.history = []Message{{Role: RoleSystem, Content: s.prompt.WrapUp()}}
		return
	}
	deal, err := s.deals.GetDeal(ctx, sess.review.OrganizationID, dealID)
	if err != nil {
		s.logger.Warn("failed to load deal for instructions", "deal_id", dealID, "error", err)
	}
	sess.history = []Message{{Role: RoleSystem, Content: s.prompt.ForDeal(deal, sess.review.Remaining())}}
}

func (s *Service) definitions(sess *session) []tools.Definition {
	if _, ok := sess.review.CurrentDealID(); !ok {
		return nil
	}
	return tools.Definitions()
}

func (s *Service) log(sess *session, direction, eventType, content string) {
	dealID, _ := sess.review.CurrentDealID()
	s.transcript.Log(transcript.Event{
		OrganizationID: sess.review.OrganizationID,
		SessionID:      sess.review.SessionID,
		DealID:         dealID,
		Channel:        ChannelBrowser,
		Direction:      direction,
		EventType:      eventType,
		Content:        content,
	})
}

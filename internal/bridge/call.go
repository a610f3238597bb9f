package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/prompt"
	"github.com/ashureev/meddpicc-voice/internal/realtime"
	"github.com/ashureev/meddpicc-voice/internal/tools"
	"github.com/ashureev/meddpicc-voice/internal/transcript"
	"github.com/ashureev/meddpicc-voice/internal/turn"
)

// Reasons a call requests a turn.
const (
	ReasonCallStarted = "call_started"
	ReasonUserSpeech  = "user_speech"
	ReasonToolResult  = "tool_result"
)

// ChannelTelephony tags transcript events written by calls.
const ChannelTelephony = "telephony"

// AILeg is the model side of a call.
type AILeg interface {
	ConfigureSession(ctx context.Context, cfg realtime.SessionConfig) error
	StartTurn(ctx context.Context, reason string) error
	AppendToolResult(ctx context.Context, callID, output string) error
	AppendAudio(ctx context.Context, payload string) error
	ResetConversation(ctx context.Context) error
	Read(ctx context.Context) (realtime.Event, error)
	Close() error
}

// PhoneLeg is the caller side of a call.
type PhoneLeg interface {
	SendMedia(ctx context.Context, payload string) error
	Clear(ctx context.Context) error
}

// DealReader loads the deal under review for instructions.
type DealReader interface {
	GetDeal(ctx context.Context, orgID, dealID string) (*domain.Deal, error)
}

// CallConfig holds per-call settings.
type CallConfig struct {
	Turn        turn.Config
	Voice       string
	AudioFormat string
}

// CallDeps wires a Call.
type CallDeps struct {
	Session    *domain.ReviewSession
	AI         AILeg
	Phone      PhoneLeg
	Deals      DealReader
	Prompt     *prompt.Builder
	Router     *tools.Router
	Transcript transcript.Logger
	Logger     *slog.Logger

	// Schedule overrides the timer used for queued turn reissues.
	Schedule turn.Scheduler
}

// Call is the event loop of one phone call. Every session and controller
// mutation runs on the goroutine executing Run; other goroutines hand work
// over through HandleEvent.
type Call struct {
	cfg        CallConfig
	sess       *domain.ReviewSession
	ai         AILeg
	phone      PhoneLeg
	deals      DealReader
	prompt     *prompt.Builder
	router     *tools.Router
	transcript transcript.Logger
	ctrl       *turn.Controller
	logger     *slog.Logger

	ctx    context.Context
	events chan func()
	done   chan struct{}

	speechAccepted bool
	resetPending   bool
	finished       bool
}

// NewCall creates a call. Run must be started for it to make progress.
func NewCall(cfg CallConfig, deps CallDeps) *Call {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", deps.Session.SessionID, "call_id", deps.Session.CallID)
	tr := deps.Transcript
	if tr == nil {
		tr = transcript.Nop{}
	}
	pb := deps.Prompt
	if pb == nil {
		pb = prompt.NewBuilder("")
	}

	c := &Call{
		cfg:        cfg,
		sess:       deps.Session,
		ai:         deps.AI,
		phone:      deps.Phone,
		deals:      deps.Deals,
		prompt:     pb,
		router:     deps.Router,
		transcript: tr,
		logger:     logger,
		ctx:        context.Background(),
		events:     make(chan func(), 64),
		done:       make(chan struct{}),
	}

	schedule := deps.Schedule
	if schedule == nil {
		schedule = func(d time.Duration, fn func()) {
			time.AfterFunc(d, func() { c.post(fn) })
		}
	}
	c.ctrl = turn.NewController(cfg.Turn, turn.StarterFunc(c.startTurn), schedule, turn.WithLogger(logger))
	return c
}

// Run configures the model session, greets the rep and processes events
// until ctx ends.
func (c *Call) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.ctrl.Reset()

	c.begin()
	for {
		select {
		case <-ctx.Done():
			c.logEvent(transcript.DirectionOutbound, transcript.EventCallEnd, "")
			c.logger.Info("call ended", "turns_issued", c.ctrl.Snapshot().Issued, "deal_index", c.sess.Index)
			return ctx.Err()
		case fn := <-c.events:
			fn()
		}
	}
}

// HandleEvent queues an AI-leg event for the loop.
func (c *Call) HandleEvent(ev realtime.Event) {
	c.post(func() { c.dispatch(ev) })
}

func (c *Call) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Call) begin() {
	c.logEvent(transcript.DirectionInbound, transcript.EventCallStart, "")
	c.configure()
	c.ctrl.RequestTurn(ReasonCallStarted)
}

func (c *Call) startTurn(reason string) error {
	return c.ai.StartTurn(c.ctx, reason)
}

// configure sends instructions for the current deal, or the wrap-up once
// the queue is exhausted.
func (c *Call) configure() {
	cfg := realtime.SessionConfig{
		Voice:             c.cfg.Voice,
		InputAudioFormat:  c.cfg.AudioFormat,
		OutputAudioFormat: c.cfg.AudioFormat,
	}

	dealID, ok := c.sess.CurrentDealID()
	if !ok {
		cfg.Instructions = c.prompt.WrapUp()
	} else {
		var deal *domain.Deal
		if c.deals != nil {
			d, err := c.deals.GetDeal(c.ctx, c.sess.OrganizationID, dealID)
			if err != nil {
				c.logger.Warn("failed to load deal for instructions", "deal_id", dealID, "error", err)
			}
			deal = d
		}
		cfg.Instructions = c.prompt.ForDeal(deal, c.sess.Remaining())
		cfg.Tools = tools.Definitions()
	}

	if err := c.ai.ConfigureSession(c.ctx, cfg); err != nil {
		c.logger.Warn("failed to configure realtime session", "deal_id", dealID, "error", err)
	}
}

func (c *Call) dispatch(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventTurnCreated:
		c.ctrl.OnTurnCreated()

	case realtime.EventTurnDone:
		c.onTurnDone(ev.Failed())

	case realtime.EventToolCallArgumentsDone:
		c.onToolCall(ev.ToolCall())

	case realtime.EventSpeechStarted:
		c.speechAccepted = c.ctrl.OnSpeechStarted()
		if c.speechAccepted {
			if err := c.phone.Clear(c.ctx); err != nil {
				c.logger.Debug("failed to clear telephony playback", "error", err)
			}
		}

	case realtime.EventSpeechStopped:
		if c.speechAccepted {
			c.speechAccepted = false
			c.ctrl.RequestTurn(ReasonUserSpeech)
		}

	case realtime.EventError:
		if ev.IsDuplicateTurn() {
			c.ctrl.OnDuplicateTurn()
			return
		}
		c.logger.Warn("realtime error", "code", ev.Error.Code, "message", ev.Error.Message)
		c.ctrl.OnTurnFailed()

	default:
		c.logger.Debug("ignoring realtime event", "type", ev.Type)
	}
}

func (c *Call) onToolCall(call tools.Call) {
	c.ctrl.OnToolCall()
	dealID, _ := c.sess.CurrentDealID()
	c.transcript.Log(transcript.Event{
		OrganizationID: c.sess.OrganizationID,
		SessionID:      c.sess.SessionID,
		DealID:         dealID,
		Channel:        ChannelTelephony,
		Direction:      transcript.DirectionInbound,
		EventType:      transcript.EventToolCall,
		Content:        call.Arguments,
		ToolName:       call.Name,
		ToolCallID:     call.ID,
	})

	var out tools.Outcome
	if c.resetPending {
		// The session already points at the next deal.
		c.logger.Warn("dropping tool call issued after advance", "tool", call.Name, "tool_call_id", call.ID)
		out = tools.Reject(call, "deal already advanced; resend after the next turn")
	} else {
		out = c.router.Route(c.ctx, c.sess, call)
	}
	if err := c.ai.AppendToolResult(c.ctx, call.ID, out.Result.Output); err != nil {
		c.logger.Warn("failed to send tool result", "tool_call_id", call.ID, "error", err)
	}
	c.transcript.Log(transcript.Event{
		OrganizationID: c.sess.OrganizationID,
		SessionID:      c.sess.SessionID,
		DealID:         dealID,
		Channel:        ChannelTelephony,
		Direction:      transcript.DirectionOutbound,
		EventType:      transcript.EventToolResult,
		Content:        out.Result.Output,
		ToolName:       call.Name,
		ToolCallID:     call.ID,
		Status:         out.Result.Status,
	})

	if out.Advanced {
		c.resetPending = true
		c.finished = out.Done
		c.logEvent(transcript.DirectionOutbound, transcript.EventAdvance, dealID)
	}
	// A failed result still needs a turn so the model can re-prompt the rep.
	c.ctrl.RequestTurn(ReasonToolResult)
}

func (c *Call) onTurnDone(failed bool) {
	if c.resetPending {
		c.resetPending = false
		if err := c.ai.ResetConversation(c.ctx); err != nil {
			c.logger.Warn("failed to reset conversation", "error", err)
		}
		c.configure()
		if c.finished {
			c.logger.Info("review queue finished")
		}
	}
	c.ctrl.OnTurnDone(failed)
}

func (c *Call) logEvent(direction, eventType, content string) {
	dealID, _ := c.sess.CurrentDealID()
	c.transcript.Log(transcript.Event{
		OrganizationID: c.sess.OrganizationID,
		SessionID:      c.sess.SessionID,
		DealID:         dealID,
		Channel:        ChannelTelephony,
		Direction:      direction,
		EventType:      eventType,
		Content:        content,
	})
}

// Snapshot exposes the controller state. It is only safe on the loop or
// after Run returns.
func (c *Call) Snapshot() turn.Snapshot {
	return c.ctrl.Snapshot()
}

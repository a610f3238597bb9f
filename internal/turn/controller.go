// Package turn keeps at most one conversational turn outstanding per session.
//
// A Controller is owned by a single event loop. It takes no locks; every
// method, including callbacks delivered through the Scheduler, must run on
// that loop.
package turn

import (
	"log/slog"
	"time"
)

// State is the controller's turn state.
type State int

const (
	StateIdle State = iota
	StateTurnInFlight
	StateWaitingForToolResult
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTurnInFlight:
		return "TURN_IN_FLIGHT"
	case StateWaitingForToolResult:
		return "WAITING_FOR_TOOL_RESULT"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Reasons passed to RequestTurn by the controller itself.
const (
	ReasonQueuedContinue = "queued_continue"
)

// Starter sends the upstream "start turn" command.
type Starter interface {
	StartTurn(reason string) error
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(reason string) error

// StartTurn implements Starter.
func (f StarterFunc) StartTurn(reason string) error { return f(reason) }

// Scheduler runs fn on the owning event loop after d.
type Scheduler func(d time.Duration, fn func())

// Config holds controller timing.
type Config struct {
	// Debounce drops a request issued within this window of the last start.
	Debounce time.Duration
	// Settle is the minimum pause before a queued request is reissued.
	Settle time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Debounce: 900 * time.Millisecond,
		Settle:   250 * time.Millisecond,
	}
}

// Snapshot is a read-only view for logs and tests.
type Snapshot struct {
	State          State
	Pending        bool
	CreateInFlight bool
	Issued         int
	LastIssue      time.Time
}

// Controller is the per-session turn state machine.
type Controller struct {
	cfg      Config
	starter  Starter
	schedule Scheduler
	now      func() time.Time
	logger   *slog.Logger

	state          State
	pending        bool
	createInFlight bool
	lastIssue      time.Time
	issued         int
	generation     int
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// NewController creates a controller in the IDLE state.
func NewController(cfg Config, starter Starter, schedule Scheduler, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		starter:  starter,
		schedule: schedule,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Snapshot returns the controller's bookkeeping.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:          c.state,
		Pending:        c.pending,
		CreateInFlight: c.createInFlight,
		Issued:         c.issued,
		LastIssue:      c.lastIssue,
	}
}

func (c *Controller) outstanding() bool {
	return c.state == StateTurnInFlight || c.state == StateWaitingForToolResult
}

// RequestTurn asks for a new turn. While one is outstanding the request is
// queued; at most one request is ever queued. Requests inside the debounce
// window of the previous start are dropped. It reports whether a start
// command was sent.
func (c *Controller) RequestTurn(reason string) bool {
	if c.outstanding() {
		if !c.pending {
			c.logger.Debug("turn outstanding, queueing request", "reason", reason, "state", c.state.String())
		}
		c.pending = true
		return false
	}

	now := c.now()
	if !c.lastIssue.IsZero() && now.Sub(c.lastIssue) < c.cfg.Debounce {
		c.logger.Debug("dropping turn request inside debounce window", "reason", reason)
		return false
	}

	c.state = StateTurnInFlight
	c.createInFlight = true
	c.lastIssue = now
	c.issued++

	if err := c.starter.StartTurn(reason); err != nil {
		c.logger.Warn("failed to send turn start", "reason", reason, "error", err)
		c.state = StateError
		c.createInFlight = false
		return false
	}
	c.logger.Debug("turn started", "reason", reason, "issued", c.issued)
	return true
}

// OnTurnCreated handles the upstream acknowledgment of a start command.
func (c *Controller) OnTurnCreated() {
	c.createInFlight = false
}

// OnToolCall records that the outstanding turn ended in a tool call whose
// result has not been returned yet.
func (c *Controller) OnToolCall() {
	if c.state == StateTurnInFlight {
		c.state = StateWaitingForToolResult
	}
}

// OnTurnDone handles upstream turn completion. A failed turn leaves the
// controller in ERROR; a queued request is still reissued.
func (c *Controller) OnTurnDone(failed bool) {
	c.createInFlight = false
	if failed {
		c.state = StateError
	} else {
		c.state = StateIdle
	}
	if !c.pending {
		return
	}
	c.pending = false

	delay := c.cfg.Settle
	if remaining := c.cfg.Debounce - c.now().Sub(c.lastIssue); remaining > delay {
		delay = remaining
	}
	gen := c.generation
	c.schedule(delay, func() {
		if gen != c.generation {
			return
		}
		c.RequestTurn(ReasonQueuedContinue)
	})
}

// OnSpeechStarted reports whether upstream speech detection should count as
// user speech. While a turn is outstanding it is the agent's own playback.
func (c *Controller) OnSpeechStarted() bool {
	if c.outstanding() {
		c.logger.Debug("ignoring speech start during turn", "state", c.state.String())
		return false
	}
	return true
}

// OnDuplicateTurn reconciles with an upstream turn that is already active.
func (c *Controller) OnDuplicateTurn() {
	c.logger.Debug("upstream reports active turn, reconciling")
	c.state = StateTurnInFlight
	c.createInFlight = false
	c.pending = true
}

// OnTurnFailed records a non-duplicate upstream failure. The next
// RequestTurn or turn completion recovers.
func (c *Controller) OnTurnFailed() {
	c.state = StateError
	c.createInFlight = false
}

// Reset discards the queued request and any scheduled reissue.
func (c *Controller) Reset() {
	c.state = StateIdle
	c.pending = false
	c.createInFlight = false
	c.generation++
}

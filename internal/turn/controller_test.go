package turn

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type scheduled struct {
	delay time.Duration
	fn    func()
}

type harness struct {
	clock   *fakeClock
	starts  []string
	timers  []scheduled
	sendErr error
	ctrl    *Controller
}

func newHarness() *harness {
	h := &harness{clock: &fakeClock{now: time.Unix(1700000000, 0)}}
	h.ctrl = NewController(DefaultConfig(),
		StarterFunc(func(reason string) error {
			h.starts = append(h.starts, reason)
			return h.sendErr
		}),
		func(d time.Duration, fn func()) {
			h.timers = append(h.timers, scheduled{delay: d, fn: fn})
		},
		WithClock(h.clock.Now),
	)
	return h
}

// fire advances the clock past every scheduled timer and runs them in order.
func (h *harness) fire() {
	timers := h.timers
	h.timers = nil
	for _, tm := range timers {
		h.clock.Advance(tm.delay)
		tm.fn()
	}
}

func TestRequestTurnStartsWhenIdle(t *testing.T) {
	h := newHarness()

	if !h.ctrl.RequestTurn("user_speech") {
		t.Fatal("expected a start")
	}
	snap := h.ctrl.Snapshot()
	if snap.State != StateTurnInFlight || !snap.CreateInFlight {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(h.starts) != 1 || h.starts[0] != "user_speech" {
		t.Fatalf("starts = %v", h.starts)
	}

	h.ctrl.OnTurnCreated()
	if h.ctrl.Snapshot().CreateInFlight {
		t.Fatal("turn.created must clear the create flag")
	}
	if h.ctrl.State() != StateTurnInFlight {
		t.Fatalf("state = %v, want TURN_IN_FLIGHT", h.ctrl.State())
	}
}

func TestManyRequestsWhileInFlightQueueExactlyOne(t *testing.T) {
	for _, n := range []int{1, 2, 5, 50} {
		h := newHarness()
		h.ctrl.RequestTurn("first")

		for i := 0; i < n; i++ {
			if h.ctrl.RequestTurn("burst") {
				t.Fatalf("n=%d: start issued while in flight", n)
			}
		}
		if len(h.starts) != 1 {
			t.Fatalf("n=%d: starts = %d, want 1", n, len(h.starts))
		}
		if !h.ctrl.Snapshot().Pending {
			t.Fatalf("n=%d: expected pending", n)
		}

		h.clock.Advance(2 * time.Second)
		h.ctrl.OnTurnDone(false)
		if len(h.timers) != 1 {
			t.Fatalf("n=%d: scheduled = %d, want 1", n, len(h.timers))
		}
		h.fire()

		if len(h.starts) != 2 || h.starts[1] != ReasonQueuedContinue {
			t.Fatalf("n=%d: starts = %v", n, h.starts)
		}
		if h.ctrl.Snapshot().Pending {
			t.Fatalf("n=%d: pending must be consumed", n)
		}

		h.clock.Advance(2 * time.Second)
		h.ctrl.OnTurnDone(false)
		if len(h.timers) != 0 {
			t.Fatalf("n=%d: nothing should be queued after the reissue", n)
		}
	}
}

func TestDebounceDropsGlitchTriggers(t *testing.T) {
	h := newHarness()
	h.ctrl.RequestTurn("a")
	h.clock.Advance(100 * time.Millisecond)
	h.ctrl.OnTurnDone(false)

	h.clock.Advance(300 * time.Millisecond)
	if h.ctrl.RequestTurn("glitch") {
		t.Fatal("request inside debounce window must be dropped")
	}
	if h.ctrl.Snapshot().Pending {
		t.Fatal("debounced request must not be queued")
	}

	h.clock.Advance(600 * time.Millisecond)
	if !h.ctrl.RequestTurn("later") {
		t.Fatal("request after the window must start")
	}
	if len(h.starts) != 2 {
		t.Fatalf("starts = %v", h.starts)
	}
}

func TestQueuedRequestSurvivesDebounce(t *testing.T) {
	h := newHarness()
	h.ctrl.RequestTurn("a")
	h.ctrl.RequestTurn("b")

	h.clock.Advance(50 * time.Millisecond)
	h.ctrl.OnTurnDone(false)
	if got := h.timers[0].delay; got < 850*time.Millisecond {
		t.Fatalf("settle delay = %v, must cover the rest of the debounce window", got)
	}
	h.fire()

	if len(h.starts) != 2 {
		t.Fatalf("queued request lost: starts = %v", h.starts)
	}
}

func TestToolCallWaitsThenContinues(t *testing.T) {
	h := newHarness()
	h.ctrl.RequestTurn("user_speech")
	h.ctrl.OnToolCall()
	if h.ctrl.State() != StateWaitingForToolResult {
		t.Fatalf("state = %v", h.ctrl.State())
	}

	if h.ctrl.RequestTurn("tool_result") {
		t.Fatal("tool result must wait for the turn to finish")
	}
	if h.ctrl.OnSpeechStarted() {
		t.Fatal("speech while waiting for a tool result is agent audio")
	}

	h.clock.Advance(time.Second)
	h.ctrl.OnTurnDone(false)
	h.fire()

	if len(h.starts) != 2 || h.ctrl.State() != StateTurnInFlight {
		t.Fatalf("starts = %v, state = %v", h.starts, h.ctrl.State())
	}
}

func TestSpeechStartedIgnoredDuringTurn(t *testing.T) {
	h := newHarness()
	if !h.ctrl.OnSpeechStarted() {
		t.Fatal("speech while idle is user speech")
	}
	h.ctrl.RequestTurn("x")
	if h.ctrl.OnSpeechStarted() {
		t.Fatal("speech during a turn must be ignored")
	}
	if h.ctrl.State() != StateTurnInFlight {
		t.Fatalf("state changed to %v", h.ctrl.State())
	}
}

func TestDuplicateTurnReconciles(t *testing.T) {
	h := newHarness()
	h.ctrl.RequestTurn("a")
	h.clock.Advance(time.Second)
	h.ctrl.OnTurnDone(false)

	// A start raced with a server-side turn.
	h.clock.Advance(time.Second)
	h.ctrl.RequestTurn("b")
	h.ctrl.OnDuplicateTurn()

	snap := h.ctrl.Snapshot()
	if snap.State != StateTurnInFlight || !snap.Pending {
		t.Fatalf("snapshot = %+v", snap)
	}

	h.clock.Advance(time.Second)
	h.ctrl.OnTurnDone(false)
	h.fire()
	if len(h.starts) != 3 {
		t.Fatalf("starts = %v, want the queued retry", h.starts)
	}
}

func TestDuplicateTurnWhileIdle(t *testing.T) {
	h := newHarness()
	h.ctrl.OnDuplicateTurn()
	if h.ctrl.RequestTurn("x") {
		t.Fatal("must not start while upstream turn is active")
	}
	h.ctrl.OnTurnDone(false)
	h.fire()
	if len(h.starts) != 1 || h.starts[0] != ReasonQueuedContinue {
		t.Fatalf("starts = %v", h.starts)
	}
}

func TestSendFailureEntersErrorAndRecovers(t *testing.T) {
	h := newHarness()
	h.sendErr = errors.New("socket closed")
	if h.ctrl.RequestTurn("a") {
		t.Fatal("failed send must not report a start")
	}
	if h.ctrl.State() != StateError {
		t.Fatalf("state = %v, want ERROR", h.ctrl.State())
	}

	h.sendErr = nil
	h.clock.Advance(time.Second)
	if !h.ctrl.RequestTurn("b") {
		t.Fatal("request from ERROR should start")
	}
}

func TestTurnFailedThenDone(t *testing.T) {
	h := newHarness()
	h.ctrl.RequestTurn("a")
	h.ctrl.RequestTurn("b")
	h.ctrl.OnTurnFailed()
	if h.ctrl.State() != StateError {
		t.Fatalf("state = %v", h.ctrl.State())
	}

	h.clock.Advance(time.Second)
	h.ctrl.OnTurnDone(true)
	if h.ctrl.State() != StateError {
		t.Fatalf("state = %v, want ERROR after failed done", h.ctrl.State())
	}
	h.fire()
	if len(h.starts) != 2 || h.ctrl.State() != StateTurnInFlight {
		t.Fatalf("starts = %v, state = %v", h.starts, h.ctrl.State())
	}
}

func TestResetDiscardsQueuedRequest(t *testing.T) {
	h := newHarness()
	h.ctrl.RequestTurn("a")
	h.ctrl.RequestTurn("b")
	h.clock.Advance(time.Second)
	h.ctrl.OnTurnDone(false)

	h.ctrl.Reset()
	h.fire()

	if len(h.starts) != 1 {
		t.Fatalf("starts = %v, reset must cancel the scheduled retry", h.starts)
	}
	if snap := h.ctrl.Snapshot(); snap.Pending || snap.State != StateIdle {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateIdle:                 "IDLE",
		StateTurnInFlight:         "TURN_IN_FLIGHT",
		StateWaitingForToolResult: "WAITING_FOR_TOOL_RESULT",
		StateError:                "ERROR",
		State(42):                 "UNKNOWN",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), w)
		}
	}
}

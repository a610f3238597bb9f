package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// ErrNoSpeech is reported when a listening window passes without voice.
var ErrNoSpeech = fmt.Errorf("no input detected: %w", domain.ErrCapture)

// ErrRecording is returned by BeginPlayback while a segment is recording.
var ErrRecording = errors.New("segment is recording")

// Config holds VAD thresholds and timings.
type Config struct {
	Threshold            float64
	MinSpeech            time.Duration
	TrailingSilence      time.Duration
	NoSpeechTimeout      time.Duration
	MaxSegment           time.Duration
	TickInterval         time.Duration
	MaxConsecutiveErrors int
}

// DefaultConfig returns thresholds tuned for a close-talk microphone.
func DefaultConfig() Config {
	return Config{
		Threshold:            0.02,
		MinSpeech:            300 * time.Millisecond,
		TrailingSilence:      900 * time.Millisecond,
		NoSpeechTimeout:      10 * time.Second,
		MaxSegment:           30 * time.Second,
		TickInterval:         50 * time.Millisecond,
		MaxConsecutiveErrors: 3,
	}
}

// Event is what a tick observed.
type Event int

const (
	EventNone Event = iota
	EventSpeechStarted
	EventSegment
	EventNoSpeech
)

// Segment is one captured utterance.
type Segment struct {
	Audio   []byte
	Started time.Time
	Ended   time.Time
	Forced  bool
}

// TickResult is returned by Tick.
type TickResult struct {
	Event   Event
	Segment *Segment
	Err     error
}

// SegmentHandler consumes a finished segment, typically transcription
// followed by a text turn and playback of the reply.
type SegmentHandler func(ctx context.Context, seg Segment) error

// Loop is the energy-based capture state machine. Tick may be driven by Run
// or directly by a caller owning the clock.
type Loop struct {
	cfg      Config
	source   EnergySource
	recorder Recorder
	now      func() time.Time
	logger   *slog.Logger

	mu           sync.Mutex
	listening    bool
	playback     bool
	recording    bool
	stopped      bool
	listenStart  time.Time
	heardVoice   bool
	firstVoiceAt time.Time
	lastVoiceAt  time.Time
	failures     int
}

// NewLoop creates a loop. It starts listening on the first Tick.
func NewLoop(cfg Config, source EnergySource, recorder Recorder, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		source:    source,
		recorder:  recorder,
		now:       time.Now,
		logger:    logger,
		listening: true,
	}
}

// Tick runs one detection step at now.
func (l *Loop) Tick(now time.Time) TickResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || !l.listening || l.playback {
		return TickResult{}
	}
	if l.listenStart.IsZero() {
		l.listenStart = now
	}

	var res TickResult
	if l.source.Energy() >= l.cfg.Threshold {
		l.heardVoice = true
		l.lastVoiceAt = now
		if !l.recording {
			l.recorder.Start()
			l.recording = true
			l.firstVoiceAt = now
			res.Event = EventSpeechStarted
		}
	}

	if l.recording {
		if now.Sub(l.firstVoiceAt) >= l.cfg.MaxSegment {
			return l.emitLocked(now, true)
		}
		if l.heardVoice &&
			now.Sub(l.firstVoiceAt) >= l.cfg.MinSpeech &&
			now.Sub(l.lastVoiceAt) >= l.cfg.TrailingSilence {
			return l.emitLocked(now, false)
		}
		return res
	}

	if !l.heardVoice && now.Sub(l.listenStart) >= l.cfg.NoSpeechTimeout {
		l.resetSegmentLocked()
		l.failLocked(now)
		return TickResult{Event: EventNoSpeech, Err: ErrNoSpeech}
	}
	return res
}

func (l *Loop) emitLocked(now time.Time, forced bool) TickResult {
	seg := &Segment{
		Audio:   l.recorder.Stop(),
		Started: l.firstVoiceAt,
		Ended:   now,
		Forced:  forced,
	}
	l.recording = false
	l.listening = false
	l.failures = 0
	l.resetSegmentLocked()
	return TickResult{Event: EventSegment, Segment: seg}
}

func (l *Loop) resetSegmentLocked() {
	l.heardVoice = false
	l.firstVoiceAt = time.Time{}
	l.lastVoiceAt = time.Time{}
	l.listenStart = time.Time{}
}

// failLocked counts a capture error and re-arms or stops the loop.
func (l *Loop) failLocked(now time.Time) {
	l.failures++
	if l.cfg.MaxConsecutiveErrors > 0 && l.failures >= l.cfg.MaxConsecutiveErrors {
		l.stopped = true
		l.listening = false
		return
	}
	l.listening = true
	l.listenStart = now
}

// ReportError counts a failure downstream of a segment, such as a
// transcription timeout or an empty transcript.
func (l *Loop) ReportError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Warn("capture error", "error", err, "consecutive", l.failures+1)
	l.failLocked(l.now())
}

// Resume re-arms listening after a segment has been handled.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.playback {
		return
	}
	if !l.listening {
		l.listening = true
		l.listenStart = time.Time{}
	}
}

// BeginPlayback closes the microphone gate for agent audio. It is refused
// while a segment is recording.
func (l *Loop) BeginPlayback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recording {
		return ErrRecording
	}
	l.playback = true
	return nil
}

// EndPlayback reopens the gate and resumes listening.
func (l *Loop) EndPlayback() {
	l.mu.Lock()
	l.playback = false
	l.mu.Unlock()
	l.Resume()
}

// Recording reports whether a segment is being captured.
func (l *Loop) Recording() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recording
}

// Stopped reports whether the error budget is exhausted.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Run ticks until ctx ends or the loop stops after too many consecutive
// errors. Segments are handled synchronously; ticks pause meanwhile.
func (l *Loop) Run(ctx context.Context, handle SegmentHandler, onError func(error)) error {
	interval := l.cfg.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.Recording() {
				l.recorder.Stop()
			}
			return ctx.Err()
		case <-ticker.C:
		}

		res := l.Tick(l.now())
		switch res.Event {
		case EventSpeechStarted:
			l.logger.Debug("speech started")
		case EventNoSpeech:
			if onError != nil {
				onError(res.Err)
			}
		case EventSegment:
			l.logger.Debug("segment captured",
				"bytes", len(res.Segment.Audio),
				"duration", res.Segment.Ended.Sub(res.Segment.Started),
				"forced", res.Segment.Forced,
			)
			if err := handle(ctx, *res.Segment); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if onError != nil {
					onError(err)
				}
				l.ReportError(err)
			} else {
				l.Resume()
			}
		}

		if l.Stopped() {
			return fmt.Errorf("capture stopped after %d consecutive errors: %w", l.cfg.MaxConsecutiveErrors, domain.ErrCapture)
		}
	}
}

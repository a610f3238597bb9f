// Package transcript writes per-session conversation logs as NDJSON.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event types.
const (
	EventUserText   = "user_text"
	EventAgentText  = "agent_text"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventAdvance    = "deal_advanced"
	EventCallStart  = "call_started"
	EventCallEnd    = "call_ended"
)

// Event is one transcript line.
type Event struct {
	Timestamp      time.Time `json:"ts"`
	OrganizationID string    `json:"organization_id"`
	SessionID      string    `json:"session_id"`
	DealID         string    `json:"deal_id,omitempty"`
	Channel        string    `json:"channel"`
	Direction      string    `json:"direction"`
	EventType      string    `json:"event_type"`
	Content        string    `json:"content,omitempty"`
	ToolName       string    `json:"tool_name,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// Logger records transcript events without blocking the caller.
type Logger interface {
	Log(ev Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// FileLogger appends events to Dir/<organization>/<session>.ndjson from a
// single background writer.
type FileLogger struct {
	dir    string
	queue  chan Event
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	files  map[string]*os.File
}

// New returns a FileLogger, or Nop when cfg is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Log queues ev. When the queue is full the oldest event is dropped.
func (l *FileLogger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
		return
	default:
	}

	select {
	case <-l.queue:
		l.logger.Warn("transcript queue full, dropped oldest event", "session_id", ev.SessionID)
	default:
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("transcript event dropped", "session_id", ev.SessionID)
	}
}

func (l *FileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("failed to write transcript event", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *FileLogger) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := l.file(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (l *FileLogger) file(ev Event) (*os.File, error) {
	org := sanitize(ev.OrganizationID)
	session := sanitize(ev.SessionID)
	key := org + "/" + session
	if f, ok := l.files[key]; ok {
		return f, nil
	}

	dir := filepath.Join(l.dir, org)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create org dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, session+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	l.files[key] = f
	return f, nil
}

// Close flushes queued events and closes every file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		l.logger.Warn("transcript writer shutdown timeout")
		return nil
	}

	var firstErr error
	for key, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close transcript %s: %w", key, err)
		}
	}
	return firstErr
}

// sanitize keeps path components inside the transcript dir.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

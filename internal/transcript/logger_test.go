package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{
		OrganizationID: "org-1",
		SessionID:      "call-1",
		DealID:         "deal-1",
		Channel:        "telephony",
		Direction:      DirectionInbound,
		EventType:      EventToolCall,
		ToolName:       "save_category_data",
	})
	logger.Log(Event{
		OrganizationID: "org-1",
		SessionID:      "call-1",
		Channel:        "telephony",
		Direction:      DirectionOutbound,
		EventType:      EventToolResult,
		Status:         "success",
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "org-1", "call-1.ndjson"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ToolName != "save_category_data" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestLogAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: true, Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	logger.Log(Event{SessionID: "late"})
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDisabledReturnsNop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := logger.(Nop); !ok {
		t.Fatalf("logger = %T, want Nop", logger)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           "unknown",
		"../etc":     "___etc",
		"org-1":      "org-1",
		"a/b":        "a_b",
		"  CA5c_9  ": "CA5c_9",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

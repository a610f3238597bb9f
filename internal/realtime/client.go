package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/coder/websocket"
)

// readLimit bounds a single inbound frame. Audio deltas are the largest.
const readLimit = 1 << 20

// Client is one connection to the model's realtime endpoint. Send methods
// may be called from any goroutine; Read must be called from one.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger
}

// Dial connects to url, authenticating with apiKey when set.
func Dial(ctx context.Context, url, apiKey string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &Client{ws: ws, logger: logger}, nil
}

// NewClient wraps an established connection.
func NewClient(ws *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ws.SetReadLimit(readLimit)
	return &Client{ws: ws, logger: logger}
}

func (c *Client) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write realtime frame: %w", err)
	}
	return nil
}

// ConfigureSession sends instructions, tools and audio formats.
func (c *Client) ConfigureSession(ctx context.Context, cfg SessionConfig) error {
	return c.send(ctx, sessionConfigure{Type: TypeSessionConfigure, Session: cfg})
}

// StartTurn asks the model to produce a response turn.
func (c *Client) StartTurn(ctx context.Context, reason string) error {
	return c.send(ctx, turnStart{Type: TypeTurnStart, Reason: reason})
}

// AppendToolResult returns a tool call's output to the conversation.
func (c *Client) AppendToolResult(ctx context.Context, callID, output string) error {
	return c.send(ctx, conversationAppend{
		Type: TypeConversationAppend,
		Item: Item{Type: ItemToolResult, CallID: callID, Output: output},
	})
}

// AppendAudio forwards a base64 audio chunk from the caller.
func (c *Client) AppendAudio(ctx context.Context, payload string) error {
	return c.send(ctx, audioAppend{Type: TypeAudioAppend, Audio: payload})
}

// ResetConversation drops the model's conversation history.
func (c *Client) ResetConversation(ctx context.Context) error {
	return c.send(ctx, conversationReset{Type: TypeConversationReset})
}

// Read blocks for the next event. Decode failures wrap
// domain.ErrProtocolFrame and leave the connection usable; any other error
// means the connection is gone.
func (c *Client) Read(ctx context.Context) (Event, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	if typ != websocket.MessageText {
		return Event{}, fmt.Errorf("unexpected binary frame: %w", domain.ErrProtocolFrame)
	}
	return Decode(data)
}

// Close closes the connection normally.
func (c *Client) Close() error {
	if err := c.ws.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
		c.logger.Debug("Failed to close realtime websocket", "error", err)
		return err
	}
	return nil
}

// Package bridge connects a telephony media stream to the realtime model and
// runs one review session per call.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/coder/websocket"
)

// Telephony stream events.
const (
	FrameConnected = "connected"
	FrameStart     = "start"
	FrameMedia     = "media"
	FrameStop      = "stop"
	FrameMark      = "mark"
	FrameClear     = "clear"
)

// Custom parameters the telephony provider forwards from the call setup.
const (
	ParamRepID          = "rep_id"
	ParamOrganizationID = "organization_id"
)

// Frame is one message on the telephony media stream.
type Frame struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *StartInfo `json:"start,omitempty"`
	Media     *MediaInfo `json:"media,omitempty"`
}

// StartInfo describes the stream when it begins.
type StartInfo struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Identity returns the organization and rep the call is for.
func (s StartInfo) Identity() (orgID, repID string, err error) {
	orgID = strings.TrimSpace(s.CustomParameters[ParamOrganizationID])
	repID = strings.TrimSpace(s.CustomParameters[ParamRepID])
	if orgID == "" || repID == "" {
		return "", "", fmt.Errorf("start frame missing %s or %s: %w", ParamOrganizationID, ParamRepID, domain.ErrInvalidIdentity)
	}
	return orgID, repID, nil
}

// MediaInfo carries base64 μ-law audio.
type MediaInfo struct {
	Payload string `json:"payload"`
}

// DecodeFrame parses one telephony message. Malformed frames wrap
// domain.ErrProtocolFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode telephony frame: %w: %w", domain.ErrProtocolFrame, err)
	}
	switch f.Event {
	case "":
		return Frame{}, fmt.Errorf("telephony frame has no event: %w", domain.ErrProtocolFrame)
	case FrameStart:
		if f.Start == nil {
			return Frame{}, fmt.Errorf("start frame without start block: %w", domain.ErrProtocolFrame)
		}
		if f.StreamSID == "" {
			f.StreamSID = f.Start.StreamSID
		}
	case FrameMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return Frame{}, fmt.Errorf("media frame without payload: %w", domain.ErrProtocolFrame)
		}
	}
	return f, nil
}

// phoneConn writes outbound frames to the telephony stream.
type phoneConn struct {
	ws        *websocket.Conn
	streamSID string
}

// SendMedia plays a base64 μ-law chunk to the caller.
func (p *phoneConn) SendMedia(ctx context.Context, payload string) error {
	return p.write(ctx, Frame{Event: FrameMedia, StreamSID: p.streamSID, Media: &MediaInfo{Payload: payload}})
}

// Clear drops audio the provider has buffered but not yet played.
func (p *phoneConn) Clear(ctx context.Context) error {
	return p.write(ctx, Frame{Event: FrameClear, StreamSID: p.streamSID})
}

func (p *phoneConn) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal telephony frame: %w", err)
	}
	return p.ws.Write(ctx, websocket.MessageText, data)
}

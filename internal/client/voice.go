package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ashureev/meddpicc-voice/internal/capture"
)

// Player renders agent audio.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// Gate mutes capture while agent audio plays.
type Gate interface {
	BeginPlayback() error
	EndPlayback()
}

// Voice drives one spoken review: each captured segment is transcribed,
// sent as a turn, and the reply is spoken back.
type Voice struct {
	client    *Client
	sessionID string
	player    Player
	gate      Gate
	out       io.Writer
	logger    *slog.Logger

	done bool
}

// NewVoice creates a voice driver for an open session. gate may be set
// later with SetGate once the capture loop exists.
func NewVoice(c *Client, sessionID string, player Player, out io.Writer, logger *slog.Logger) *Voice {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Voice{client: c, sessionID: sessionID, player: player, out: out, logger: logger}
}

// SetGate attaches the capture gate.
func (v *Voice) SetGate(g Gate) {
	v.gate = g
}

// Done reports whether the server ended the review.
func (v *Voice) Done() bool {
	return v.done
}

// HandleSegment implements capture.SegmentHandler.
func (v *Voice) HandleSegment(ctx context.Context, seg capture.Segment) error {
	wav := capture.EncodeWAV(seg.Audio, capture.SampleRate)
	text, err := v.client.Transcribe(ctx, wav)
	if err != nil {
		return fmt.Errorf("transcribe segment: %w", err)
	}
	fmt.Fprintf(v.out, "you: %s\n", text)

	resp, err := v.client.Turn(ctx, v.sessionID, text)
	if err != nil {
		return fmt.Errorf("send turn: %w", err)
	}
	for _, e := range resp.Errors {
		v.logger.Warn("turn reported error", "error", e)
	}
	if resp.Done {
		v.done = true
	}
	return v.Speak(ctx, resp.Reply)
}

// Speak prints and plays an agent reply.
func (v *Voice) Speak(ctx context.Context, reply string) error {
	if reply == "" {
		return nil
	}
	fmt.Fprintf(v.out, "agent: %s\n", reply)
	if v.player == nil {
		return nil
	}

	audio, err := v.client.Synthesize(ctx, reply)
	if err != nil {
		return fmt.Errorf("synthesize reply: %w", err)
	}
	if v.gate != nil {
		if err := v.gate.BeginPlayback(); err != nil {
			v.logger.Debug("playback skipped", "reason", err)
			return nil
		}
		defer v.gate.EndPlayback()
	}
	if err := v.player.Play(ctx, audio); err != nil {
		v.logger.Warn("playback failed", "error", err)
	}
	return nil
}

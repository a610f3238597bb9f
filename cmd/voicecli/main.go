// voicecli runs deal reviews against the review server from a terminal.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/capture"
	"github.com/ashureev/meddpicc-voice/internal/client"
	"github.com/ashureev/meddpicc-voice/internal/health"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	serverURL string
	orgID     string
	repID     string
	verbose   bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:               "voicecli",
		Short:             "Review MEDDPICC deals by voice or text",
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("REVIEW_SERVER_URL", "http://localhost:8080"), "review server base URL")
	rootCmd.PersistentFlags().StringVar(&orgID, "org", os.Getenv("REVIEW_ORGANIZATION_ID"), "organization id")
	rootCmd.PersistentFlags().StringVar(&repID, "rep", os.Getenv("REVIEW_REP_ID"), "rep id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(_ *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireIdentity() error {
	if orgID == "" || repID == "" {
		return errors.New("--org and --rep are required")
	}
	return nil
}

func reviewCmd() *cobra.Command {
	cfg := capture.DefaultConfig()
	var player string

	cmd := &cobra.Command{
		Use:     "review",
		Short:   "Spoken review; reads 16 kHz mono s16le PCM from stdin",
		Example: "  arecord -q -f S16_LE -r 16000 -c 1 | voicecli review --org acme --rep rep-7 --player 'aplay -q'",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireIdentity(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReview(ctx, cfg, player, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "RMS energy that counts as voice (0..1)")
	cmd.Flags().DurationVar(&cfg.TrailingSilence, "silence", cfg.TrailingSilence, "silence that ends an utterance")
	cmd.Flags().DurationVar(&cfg.NoSpeechTimeout, "no-speech-timeout", cfg.NoSpeechTimeout, "listening window before a no-input error")
	cmd.Flags().DurationVar(&cfg.MaxSegment, "max-segment", cfg.MaxSegment, "hard cap on one utterance")
	cmd.Flags().StringVar(&player, "player", "", "command that plays WAV from stdin (text only when empty)")
	return cmd
}

func runReview(ctx context.Context, cfg capture.Config, player string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := client.New(serverURL, orgID, repID, nil)
	session, err := c.InitSession(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintf(out, "reviewing %d deal(s), session %s\n", len(session.Queue), session.SessionID)

	var p client.Player
	if player != "" {
		p = execPlayer(strings.Fields(player))
	}
	voice := client.NewVoice(c, session.SessionID, p, out, slog.Default())

	meter := capture.NewMeter(100*time.Millisecond, 300*time.Millisecond, cfg.MaxSegment)
	loop := capture.NewLoop(cfg, meter, meter, slog.Default())
	voice.SetGate(loop)

	go func() {
		defer cancel()
		if _, err := io.Copy(meter, in); err != nil && ctx.Err() == nil {
			slog.Error("audio input failed", "error", err)
		}
	}()

	if err := voice.Speak(ctx, session.Reply); err != nil {
		slog.Warn("opening playback failed", "error", err)
	}

	handle := func(ctx context.Context, seg capture.Segment) error {
		err := voice.HandleSegment(ctx, seg)
		if voice.Done() {
			cancel()
		}
		return err
	}
	onError := func(err error) {
		fmt.Fprintf(out, "! %v\n", err)
	}

	err = loop.Run(ctx, handle, onError)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type execPlayer []string

func (p execPlayer) Play(ctx context.Context, wav []byte) error {
	cmd := exec.CommandContext(ctx, p[0], p[1:]...)
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", p[0], err)
	}
	return nil
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Typed review; one message per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireIdentity(); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c := client.New(serverURL, orgID, repID, nil)
			session, err := c.InitSession(ctx)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			if session.Reply != "" {
				fmt.Fprintf(out, "agent: %s\n", session.Reply)
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				resp, err := c.Turn(ctx, session.SessionID, line)
				if err != nil {
					fmt.Fprintf(out, "! %v\n", err)
					continue
				}
				fmt.Fprintf(out, "agent: %s\n", resp.Reply)
				if resp.Done {
					return nil
				}
			}
			return scanner.Err()
		},
	}
}

func healthCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the server's gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := health.Probe(ctx, addr, health.ServiceName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("server is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("REVIEW_HEALTH_ADDR", "localhost:9090"), "health server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

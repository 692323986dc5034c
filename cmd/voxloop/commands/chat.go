package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxloop/voxloop/pkg/bridge"
	"github.com/voxloop/voxloop/pkg/core/turn"
	"github.com/voxloop/voxloop/pkg/exchange"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Hands-free voice conversation from the terminal",
	Long: `Start a hands-free voice conversation. The microphone is captured
with ffmpeg; speak naturally and pause when you are done. Each turn is
sent to the exchange service and the spoken reply is played with
ffplay before listening resumes.

Press Enter or Ctrl+C to end the session.

Examples:
  voxloop chat
  voxloop chat --exchange-url http://localhost:8000
  voxloop chat --show-levels`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if exchangeURL != "" {
			cfg.ExchangeURL = exchangeURL
		}
		showLevels, _ := cmd.Flags().GetBool("show-levels")

		return runChat(cmd.Context(), cfg, showLevels, os.Stdin, os.Stdout, os.Stderr)
	},
}

func init() {
	chatCmd.Flags().Bool("show-levels", false, "print live loudness levels while listening")
}

func runChat(ctx context.Context, cfg *bridge.Config, showLevels bool, in io.Reader, out, errOut io.Writer) error {
	player, err := newFFplayPlayer()
	if err != nil {
		return err
	}

	client := exchange.NewClient(cfg.ExchangeURL, exchange.WithWAV(cfg.Session.Audio))
	mic := newFFmpegMicrophone(cfg.Session.Audio)
	session := turn.NewSession(cfg.Session, mic, player, client)

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		printEvents(session.Events(), showLevels, out, errOut)
	}()

	if err := session.Start(ctx); err != nil {
		session.End()
		return err
	}

	fmt.Fprintf(out, "Connected to %s. Speak when ready; pause to send. Enter or Ctrl+C to quit.\n", cfg.ExchangeURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stdinCh := make(chan struct{}, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Scan()
		stdinCh <- struct{}{}
	}()

	select {
	case <-ctx.Done():
	case <-sigCh:
	case <-stdinCh:
	}

	session.End()
	select {
	case <-eventsDone:
	case <-time.After(time.Second):
	}
	fmt.Fprintln(out, "Session ended.")
	return nil
}

// printEvents renders session events for the terminal. Returns when
// the events channel is closed or after the session-ended event.
func printEvents(events <-chan turn.Event, showLevels bool, out, errOut io.Writer) {
	for event := range events {
		switch ev := event.(type) {
		case turn.StateChangedEvent:
			switch ev.To {
			case turn.StateListening:
				fmt.Fprintln(out, "[listening]")
			case turn.StateProcessing:
				fmt.Fprintln(out, "[thinking...]")
			}
		case turn.SpeechStartedEvent:
			fmt.Fprintln(out, "[speech detected]")
		case turn.EnergyLevelEvent:
			if showLevels {
				fmt.Fprintf(out, "\rlevel: %5.1f ", ev.Loudness)
			}
		case turn.TurnDiscardedEvent:
			fmt.Fprintln(out, "[too short, ignored]")
		case turn.ExchangeCompletedEvent:
			fmt.Fprintf(out, "you:   %s\n", ev.Transcript)
			fmt.Fprintf(out, "reply: %s\n", ev.ReplyText)
			if ev.Translation != "" {
				fmt.Fprintf(out, "       (%s)\n", ev.Translation)
			}
		case turn.ErrorEvent:
			if ev.Notice != "" {
				fmt.Fprintln(out, ev.Notice)
			}
			if verbose {
				fmt.Fprintf(errOut, "error: %v\n", ev.Err)
			}
		case turn.DebugEvent:
			if verbose {
				fmt.Fprintf(errOut, "[%s] %s\n", ev.Category, ev.Message)
			}
		case turn.SessionEndedEvent:
			return
		}
	}
}

package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxloop/voxloop/internal/dotenv"
)

var (
	cfgFile     string
	exchangeURL string
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voxloop",
	Short: "Hands-free voice conversation loop",
	Long: `voxloop runs a hands-free voice conversation: it listens on the
microphone, detects when you start and stop speaking, sends each turn
to the exchange service, and plays the spoken reply before listening
again.

Run 'voxloop chat' for a local terminal session, or 'voxloop serve' to
expose sessions to remote clients over a websocket.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadEnv)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or JSON, default $VOXLOOP_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&exchangeURL, "exchange-url", "", "exchange service base URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func loadEnv() {
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxloop/voxloop/pkg/bridge"
)

const shutdownGracePeriod = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket bridge server",
	Long: `Run the bridge server. Remote clients connect over a websocket,
stream microphone PCM up as binary frames, and receive session events
and reply audio back.

Configuration is read from --config (YAML or JSON), falling back to
the VOXLOOP_CONFIG environment variable and then to defaults.

Examples:
  voxloop serve
  voxloop serve --config bridge.yaml
  voxloop serve --exchange-url http://localhost:8000 --port 9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if exchangeURL != "" {
			cfg.ExchangeURL = exchangeURL
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}

		logger := newLogger()

		server, err := bridge.NewServer(
			bridge.WithConfig(cfg),
			bridge.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		serveErr := make(chan error, 1)
		go func() {
			err := server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
				return
			}
			serveErr <- nil
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case err := <-serveErr:
			return err
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		if err := <-serveErr; err != nil {
			return err
		}
		logger.Info("bridge stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxloop/voxloop/pkg/bridge"
	"github.com/voxloop/voxloop/pkg/exchange"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the exchange service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if exchangeURL != "" {
			cfg.ExchangeURL = exchangeURL
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		client := exchange.NewClient(cfg.ExchangeURL)
		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("%s: %w", cfg.ExchangeURL, err)
		}
		fmt.Printf("%s: healthy\n", cfg.ExchangeURL)
		return nil
	},
}

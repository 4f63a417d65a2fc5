package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/ledger"
	"github.com/sells-group/health-dataset-builder/internal/monitoring"
	"github.com/sells-group/health-dataset-builder/internal/registry"
)

var healthAlert bool

// newCollector builds a monitoring collector over the ledger. A registry
// that fails to load only disables the staleness check.
func newCollector(led *ledger.Ledger) *monitoring.Collector {
	reg, err := registry.Load(cfg.Paths.RegistryPath)
	if err != nil {
		zap.L().Warn("registry unavailable, skipping staleness check", zap.Error(err))
		reg = nil
	}
	return monitoring.NewCollector(led, reg, cfg.Paths.ManifestDir, cfg.Monitoring.StaleFactor)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize recent build health and evaluate alert thresholds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		led, err := ledger.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		collector := newCollector(led)
		snap, err := collector.Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return err
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		sent := 0
		if healthAlert {
			sent = alerter.SendAlerts(ctx, alerts)
		}
		if alerts == nil {
			alerts = []monitoring.Alert{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"snapshot":    snap,
			"alerts":      alerts,
			"alerts_sent": sent,
		})
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthAlert, "alert", false, "deliver triggered alerts to monitoring.webhook_url")
	rootCmd.AddCommand(healthCmd)
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sandbooks/runbox/internal/api"
	"github.com/sandbooks/runbox/internal/config"
	"github.com/sandbooks/runbox/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sandbox execution server",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New()
		s.Start()
	},
}

// Register the "server" command
func init() {
	rootCmd.AddCommand(serverCmd)
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/oceanswave/tescmd-gateway/pkg/authstore"
	"github.com/oceanswave/tescmd-gateway/pkg/observability"
)

// newVehicleCmd is the "vehicle" command group. Only a single one-off
// read lives here: per-endpoint REST wrappers (charge/climate/drive
// state formatting, unit conversion) are deliberately not duplicated —
// the warmed ResponseCache path already serves those reads through the
// tool surface.
func newVehicleCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vehicle",
		Short: "One-off vehicle reads against the upstream fleet API",
	}

	var vin string
	info := &cobra.Command{
		Use:   "info",
		Short: "Fetch the current vehicle_data snapshot directly from the upstream API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if vin == "" {
				vin = cfg.VIN
			}
			logger := newLogger()
			tokens := authstore.New(cfg.TokenPath, cfg.OAuthClientID, cfg.OAuthClientSecret, authstore.DefaultEndpoint, nil)
			tokenSource, err := tokens.TokenSource(cmd.Context())
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "vehicle.info", nil, err)
			}
			client := newFleetClient(cfg.FleetAPIBaseURL, tokenSource, observability.NewGatewayMetrics(), logger)
			defer client.Close()
			snapshot, err := client.GetSnapshot(cmd.Context(), vin)
			return writeResult(cmd.OutOrStdout(), flagFormat, "vehicle.info", snapshot, err)
		},
	}
	info.Flags().StringVar(&vin, "vin", "", "Vehicle identifier (default: configured vin)")

	root.AddCommand(info)
	return root
}

package main

import (
	"github.com/spf13/cobra"
)

// newCacheCmd is the "cache" command group: status and clear
// for the disk-backed ResponseCache, built from the same buildCache wiring
// the serve runtime uses so both surfaces share one on-disk cache format.
func newCacheCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Report response cache size and backend status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			respCache, err := buildCache(cfg)
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "cache.status", nil, err)
			}
			defer respCache.Close()
			st, err := respCache.Status(cmd.Context())
			return writeResult(cmd.OutOrStdout(), flagFormat, "cache.status", st, err)
		},
	}

	var vin string
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Clear the cached snapshot for one vin, or every vin when --vin is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			respCache, err := buildCache(cfg)
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "cache.clear", nil, err)
			}
			defer respCache.Close()
			err = respCache.Clear(cmd.Context(), vin)
			return writeResult(cmd.OutOrStdout(), flagFormat, "cache.clear", map[string]any{"cleared": vin}, err)
		},
	}
	clear.Flags().StringVar(&vin, "vin", "", "Vehicle to clear (all vehicles when omitted)")

	root.AddCommand(status, clear)
	return root
}

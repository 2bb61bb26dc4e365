package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oceanswave/tescmd-gateway/pkg/config"
	"github.com/oceanswave/tescmd-gateway/pkg/serveruntime"
)

var (
	flagConfigPath string
	flagVerbose    bool
	flagFormat     string
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(flagConfigPath)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tescmd",
		Short:         "tescmd — personal command, telemetry, and automation gateway for a vehicle fleet",
		Version:       formatVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to config file (default: ~/.tescmd/config.yaml)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagFormat, "format", "text", "Output format: text|json")

	root.AddCommand(newServeCmd())
	root.AddCommand(newKeyCmd())
	root.AddCommand(newAuthCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newVehicleCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// exitCodeFor maps a returned error to the process exit code: 0 normal,
// 1 on unhandled error, 130 on interrupt, and a specific non-zero code
// on an explicit port conflict.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errInterrupted) {
		return 130
	}
	var portErr *serveruntime.ErrPortInUse
	if errors.As(err, &portErr) {
		return 65
	}
	return 1
}

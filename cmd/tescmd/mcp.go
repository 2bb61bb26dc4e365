package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oceanswave/tescmd-gateway/pkg/serveruntime"
)

// newMCPCmd is a dedicated "mcp serve" entrypoint: a
// tool-surface-only server with no telemetry receiver, equivalent to
// `tescmd serve --no-telemetry --no-log` but kept as its own subcommand so agent
// launch configs (Claude Desktop, Claude Code) can name it directly.
func newMCPCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp",
		Short: "Run the tool-invocation server without the telemetry receiver",
	}

	var (
		flagTransport    string
		flagPort         int
		flagClientID     string
		flagClientSecret string
	)
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP-style tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.NoTelemetry = true
			cfg.NoLog = true
			if cmd.Flags().Changed("transport") {
				cfg.Transport = flagTransport
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = flagPort
			}
			if cmd.Flags().Changed("client-id") {
				cfg.ClientID = flagClientID
			}
			if cmd.Flags().Changed("client-secret") {
				cfg.ClientSecret = flagClientSecret
			}

			logger := newLogger()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			err = runServe(ctx, cfg, logger)
			if errors.Is(err, context.Canceled) || errors.Is(err, serveruntime.ErrShutdown) {
				return errInterrupted
			}
			return err
		},
	}
	serve.Flags().StringVar(&flagTransport, "transport", "", "Tool transport: stdio|streamable-http")
	serve.Flags().IntVar(&flagPort, "port", 0, "HTTP port")
	serve.Flags().StringVar(&flagClientID, "client-id", "", "Tool-server OAuth client id")
	serve.Flags().StringVar(&flagClientSecret, "client-secret", "", "Tool-server OAuth client secret")

	root.AddCommand(serve)
	return root
}

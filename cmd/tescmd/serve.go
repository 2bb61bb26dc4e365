package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oceanswave/tescmd-gateway/pkg/audit"
	"github.com/oceanswave/tescmd-gateway/pkg/authstore"
	"github.com/oceanswave/tescmd-gateway/pkg/cache"
	"github.com/oceanswave/tescmd-gateway/pkg/config"
	"github.com/oceanswave/tescmd-gateway/pkg/dispatcher"
	"github.com/oceanswave/tescmd-gateway/pkg/gateway"
	"github.com/oceanswave/tescmd-gateway/pkg/keys"
	"github.com/oceanswave/tescmd-gateway/pkg/observability"
	"github.com/oceanswave/tescmd-gateway/pkg/oauthsrv"
	"github.com/oceanswave/tescmd-gateway/pkg/serveruntime"
	"github.com/oceanswave/tescmd-gateway/pkg/session"
	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
	"github.com/oceanswave/tescmd-gateway/pkg/toolserver"
	"github.com/oceanswave/tescmd-gateway/pkg/triggers"
	"github.com/oceanswave/tescmd-gateway/pkg/tunnel"
)

// errInterrupted marks a shutdown requested by SIGINT/SIGTERM, mapped by
// exitCodeFor to process exit code 130.
var errInterrupted = errors.New("tescmd: interrupted")

func newServeCmd() *cobra.Command {
	var (
		flagTransport     string
		flagPort          int
		flagHost          string
		flagTelemetryPort int
		flagFields        string
		flagInterval      int
		flagNoTelemetry   bool
		flagNoMCP         bool
		flagNoLog         bool
		flagOpenclaw      string
		flagOpenclawToken string
		flagDryRun        bool
		flagTunnel        bool
		flagClientID      string
		flagClientSecret  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the combined telemetry receiver and tool-invocation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyServeFlags(cfg, cmd.Flags(), flagTransport, flagPort, flagHost, flagTelemetryPort,
				flagFields, flagInterval, flagNoTelemetry, flagNoMCP, flagNoLog,
				flagOpenclaw, flagOpenclawToken, flagDryRun, flagTunnel, flagClientID, flagClientSecret)

			logger := newLogger()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("tescmd: shutdown signal received")
				cancel()
			}()

			err = runServe(ctx, cfg, logger)
			if errors.Is(err, context.Canceled) || errors.Is(err, serveruntime.ErrShutdown) {
				return errInterrupted
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagTransport, "transport", "", "Tool transport: stdio|streamable-http")
	cmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port")
	cmd.Flags().StringVar(&flagHost, "host", "", "Bind address")
	cmd.Flags().IntVar(&flagTelemetryPort, "telemetry-port", 0, "Telemetry receiver port")
	cmd.Flags().StringVar(&flagFields, "fields", "", "Field preset or comma-separated field list")
	cmd.Flags().IntVar(&flagInterval, "interval", 0, "Override per-field polling interval")
	cmd.Flags().BoolVar(&flagNoTelemetry, "no-telemetry", false, "Tool-only mode")
	cmd.Flags().BoolVar(&flagNoMCP, "no-mcp", false, "Telemetry-only mode")
	cmd.Flags().BoolVar(&flagNoLog, "no-log", false, "Disable CSV telemetry log")
	cmd.Flags().StringVar(&flagOpenclaw, "openclaw", "", "Enable the outbound bridge to this gateway URL")
	cmd.Flags().StringVar(&flagOpenclawToken, "openclaw-token", "", "Bridge bearer token")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Bridge logs JSONL instead of sending")
	cmd.Flags().BoolVar(&flagTunnel, "tunnel", false, "Expose via public tunnel")
	cmd.Flags().StringVar(&flagClientID, "client-id", "", "Tool-server OAuth client id")
	cmd.Flags().StringVar(&flagClientSecret, "client-secret", "", "Tool-server OAuth client secret")

	return cmd
}

func applyServeFlags(cfg *config.Config, flags interface{ Changed(string) bool },
	transport string, port int, host string, telemetryPort int, fields string, interval int,
	noTelemetry, noMCP, noLog bool, openclaw, openclawToken string, dryRun, tunnelFlag bool,
	clientID, clientSecret string) {
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("host") {
		cfg.Host = host
	}
	if flags.Changed("telemetry-port") {
		cfg.TelemetryPort = telemetryPort
	}
	if flags.Changed("fields") {
		cfg.Fields = fields
	}
	if flags.Changed("interval") {
		cfg.Interval = interval
	}
	if flags.Changed("no-telemetry") {
		cfg.NoTelemetry = noTelemetry
	}
	if flags.Changed("no-mcp") {
		cfg.NoMCP = noMCP
	}
	if flags.Changed("no-log") {
		cfg.NoLog = noLog
	}
	if flags.Changed("openclaw") {
		cfg.GatewayURL = openclaw
	}
	if flags.Changed("openclaw-token") {
		cfg.GatewayToken = openclawToken
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if flags.Changed("tunnel") {
		cfg.Tunnel = tunnelFlag
	}
	if flags.Changed("client-id") {
		cfg.ClientID = clientID
	}
	if flags.Changed("client-secret") {
		cfg.ClientSecret = clientSecret
	}
}

// runServe wires every package into the combined serve runtime and blocks
// until ctx is cancelled or the listener fails.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	modes := serveruntime.Modes{
		NoMCP:        cfg.NoMCP,
		NoTelemetry:  cfg.NoTelemetry,
		Transport:    cfg.Transport,
		DryRun:       cfg.DryRun,
		BridgeActive: cfg.GatewayURL != "",
		HasBridgeCfg: cfg.GatewayURL != "" || cfg.GatewayToken != "",
		Tunnel:       cfg.Tunnel,
	}
	if err := serveruntime.ValidateModes(modes); err != nil {
		return err
	}
	if cfg.Transport == "stdio" {
		return errors.New("tescmd: the stdio transport is not available; use --transport streamable-http")
	}

	metrics := observability.NewGatewayMetrics()
	auditStore := audit.NewFileStore(cfg.AuditDir)
	auditLogger := audit.NewLogger(auditStore, "gateway")

	tokens := authstore.New(cfg.TokenPath, cfg.OAuthClientID, cfg.OAuthClientSecret, authstore.DefaultEndpoint, nil)
	tokenSource, err := tokens.TokenSource(ctx)
	if err != nil {
		return fmt.Errorf("tescmd: load upstream token (run `tescmd auth login`): %w", err)
	}

	respCache, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("tescmd: build response cache: %w", err)
	}

	client := newFleetClient(cfg.FleetAPIBaseURL, tokenSource, metrics, logger)

	var baseKey [32]byte
	if _, err := rand.Read(baseKey[:]); err != nil {
		return fmt.Errorf("tescmd: generate signing base key: %w", err)
	}
	sessions := newSessionKeyProvider(baseKey[:])

	store := telemetry.NewStore()
	disp := dispatcher.New(store, respCache, client, sessions, jsonPayloadBuilder{}, commandSpecs, logger)

	trig := triggers.NewManager(logger)

	fieldCfg, err := telemetry.ResolveFields(cfg.Fields, cfg.Interval)
	if err != nil {
		return fmt.Errorf("tescmd: resolve fields: %w", err)
	}
	filterCfg := make(map[string]telemetry.FieldFilterConfig, len(fieldCfg))
	for f, interval := range fieldCfg {
		filterCfg[f] = telemetry.FieldFilterConfig{Enabled: true, ThrottleSeconds: float64(interval)}
	}

	sinks := serveruntime.SinkSet{}

	cacheMapper := telemetry.NewMapper(logger)
	cacheSink := telemetry.NewCacheSink(respCache, cacheMapper, logger, 10*time.Second, time.Duration(cfg.DefaultTTLSeconds)*time.Second)
	sinks.Cache = cacheSink
	go cacheSink.Run(ctx)

	if !cfg.NoLog {
		csvSink, err := telemetry.NewCSVLogSink(cfg.CSVLogPath, cfg.VIN, logger)
		if err != nil {
			return fmt.Errorf("tescmd: open csv log: %w", err)
		}
		sinks.CSVLog = csvSink
	}
	sinks.Display = telemetry.NewTextDisplaySink(logger)

	var bridgeClient *gateway.Client
	var bridge *gateway.Bridge
	if modes.BridgeActive {
		bridgeClient = gateway.NewClient(gateway.Config{
			URL:      cfg.GatewayURL,
			Token:    cfg.GatewayToken,
			ClientID: cfg.ClientID,
		}, logger)
		emitter := telemetry.NewEmitter("tescmd")
		bridgeFilter := telemetry.NewDualGateFilter(filterCfg)
		bridge = gateway.NewBridge(bridgeFilter, emitter, bridgeClient, logger, cfg.DryRun)
		bridge.SetTriggerEvaluation(store, trig)
		bridge.SetTriggerFinalizer(trig.Delete)
		trig.OnFire(func(def triggers.Definition, notif triggers.Notification) {
			bridge.PushTrigger(context.Background(), def, notif)
			metrics.TriggerFires.Inc()
			_ = auditLogger.LogTriggerFire(context.Background(), def.ID, def.Condition.Field, notif.VIN)
		})
		sinks.Bridge = bridge
		go bridge.Run(ctx)
	} else {
		trig.OnFire(func(def triggers.Definition, notif triggers.Notification) {
			metrics.TriggerFires.Inc()
			_ = auditLogger.LogTriggerFire(context.Background(), def.ID, def.Condition.Field, notif.VIN)
		})
		sinks.TriggerEvaluator = triggers.NewEvaluationSink(store, trig)
	}

	fanout := serveruntime.BuildFanout(logger, sinks)

	var receiver *telemetry.Receiver
	if !modes.NoTelemetry {
		receiver = telemetry.NewReceiver(fanout, logger)
	}

	var toolApp serveruntime.ToolApp
	var oauth *oauthsrv.Server
	if !modes.NoMCP {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return errors.New("tescmd: --client-id and --client-secret are required unless --no-mcp")
		}
		oauth = oauthsrv.NewServer(logger, cfg.ClientID, cfg.ClientSecret)
		registry := toolserver.NewRegistry()
		registerTools(registry, disp, respCache, trig, auditLogger, metrics)
		toolApp = toolserver.NewServer(registry, oauth, toolserver.Config{
			AllowedHosts:   []string{cfg.Host, "localhost", "127.0.0.1"},
			AllowedOrigins: []string{"*"},
			PublicBaseURL:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
			Metrics:        observability.MetricsHandler(metrics.Registry),
		}, logger)
	}

	ln, err := serveruntime.ResolvePort(cfg.Host, cfg.Port, portExplicit(cfg.Port))
	if err != nil {
		return err
	}

	wellKnownPEM, err := keys.LoadOrGenerate(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("tescmd: load signing key pair: %w", err)
	}

	runtime := serveruntime.New(serveruntime.Config{
		ToolApp:      toolApp,
		Receiver:     receiver,
		WellKnownPEM: wellKnownPEM,
		Logger:       logger,
	})

	teardown := serveruntime.Teardown{
		CloseGateway: func() error {
			if bridgeClient != nil {
				return bridgeClient.Close()
			}
			return nil
		},
		CloseCSVSink: func() error {
			if c, ok := sinks.CSVLog.(interface{ Close() error }); ok {
				return c.Close()
			}
			return nil
		},
		FlushCache: func(ctx context.Context) error {
			cacheSink.Flush(ctx)
			return respCache.Close()
		},
	}

	runRuntime := func(ctx context.Context) error {
		return runtime.Serve(ctx, ln, teardown)
	}

	if !cfg.Tunnel {
		return runRuntime(ctx)
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))

	// The remote config carries one {interval_seconds} entry per field.
	fieldMap := make(map[string]any, len(fieldCfg))
	for f, interval := range fieldCfg {
		fieldMap[f] = map[string]any{"interval_seconds": interval}
	}

	return session.Run(ctx, logger, session.Options{
		VIN:                  cfg.VIN,
		Port:                 cfg.Port,
		Fields:               fieldMap,
		Interactive:          interactive,
		Receiver:             nil,
		Tunnel:               tunnel.NewManager(logger),
		Provider:             client,
		Client:               client,
		PromptOriginMismatch: promptOriginMismatch,
	}, func(ctx context.Context, handle session.Handle) error {
		return runRuntime(ctx)
	})
}

// promptOriginMismatch is session.Options.PromptOriginMismatch for an
// interactive terminal: it prints the remediation the provider's dashboard
// requires and blocks on Enter before the caller retries registration.
func promptOriginMismatch(hostname string) error {
	fmt.Fprintf(os.Stderr, "\nThe upstream provider rejected %s as an allowed origin.\n", hostname)
	fmt.Fprintf(os.Stderr, "Add https://%s to the app's allowed origins in the provider dashboard, then press Enter to retry...\n", hostname)
	_, err := bufio.NewReader(os.Stdin).ReadString('\n')
	return err
}

func buildCache(cfg *config.Config) (cache.ResponseCache, error) {
	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if cfg.CacheDSN != "" {
		return cache.NewPostgresCache(cfg.CacheDSN, ttl)
	}
	return cache.NewSQLiteCache(cfg.CacheDir, ttl)
}

func portExplicit(port int) bool {
	return port != 0
}

// Package serveruntime is the top-level orchestrator: it validates the
// requested mode combination, resolves port conflicts, wires the
// telemetry fanout sinks for the active mode, and builds the combined
// HTTP+WebSocket handler that serves the tool surface, the telemetry
// receiver, and the provider's well-known public-key endpoint on one
// port without ever rewriting the tool app's request path.
package serveruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// WellKnownPath is the path the provider fetches to verify this gateway's
// signed configurations.
const WellKnownPath = "/.well-known/appspecific/com.tesla.3p.public-key.pem"

// ErrInvalidModeCombination is returned by ValidateModes.
type ErrInvalidModeCombination struct{ Reason string }

func (e *ErrInvalidModeCombination) Error() string {
	return "serveruntime: invalid mode combination: " + e.Reason
}

// Modes captures the flag-derived run mode for one invocation of serve.
type Modes struct {
	NoMCP        bool
	NoTelemetry  bool
	Transport    string // "stdio" | "streamable-http"
	DryRun       bool
	BridgeActive bool
	HasBridgeCfg bool
	Tunnel       bool
}

// ValidateModes rejects combinations that cannot produce a coherent
// runtime: no-mcp+no-telemetry (nothing left to serve), no-mcp+stdio
// (stdio only carries the tool protocol), dry-run without a bridge
// (nothing to print instead of sending), bridge config supplied without
// the bridge enabled, and tunnel combined with stdio transport (stdio
// has no public endpoint to tunnel).
func ValidateModes(m Modes) error {
	if m.NoMCP && m.NoTelemetry {
		return &ErrInvalidModeCombination{Reason: "no-mcp and no-telemetry leave nothing to serve"}
	}
	if m.NoMCP && m.Transport == "stdio" {
		return &ErrInvalidModeCombination{Reason: "no-mcp has no effect on the stdio transport"}
	}
	if m.DryRun && !m.BridgeActive {
		return &ErrInvalidModeCombination{Reason: "dry-run requires the bridge to be active"}
	}
	if m.HasBridgeCfg && !m.BridgeActive {
		return &ErrInvalidModeCombination{Reason: "bridge configuration was supplied but the bridge is not active"}
	}
	if m.Tunnel && m.Transport == "stdio" {
		return &ErrInvalidModeCombination{Reason: "tunnel requires a public HTTP transport, not stdio"}
	}
	return nil
}

// ErrPortInUse is returned by ResolvePort when the requested port was
// explicit and unavailable.
type ErrPortInUse struct {
	Requested int
	Suggested int
}

func (e *ErrPortInUse) Error() string {
	return fmt.Sprintf("serveruntime: port %d is in use; try %d", e.Requested, e.Suggested)
}

// ResolvePort binds to the preferred port if free. If it's busy and the
// caller did not explicitly request it (explicit=false), the OS assigns
// a free port instead. If the caller did explicitly request it, a usage
// error suggesting the next port is returned instead of silently
// picking a different one.
func ResolvePort(host string, port int, explicit bool) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if explicit {
		return nil, &ErrPortInUse{Requested: port, Suggested: port + 1}
	}
	return net.Listen("tcp", fmt.Sprintf("%s:0", host))
}

// ToolApp is the tool-invocation HTTP surface (pkg/toolserver's Server,
// narrowed to an interface so this package doesn't import it directly).
type ToolApp interface {
	Handler() http.Handler
}

// Config assembles everything the combined runtime needs to build its
// handler.
type Config struct {
	ToolApp       ToolApp
	Receiver      *telemetry.Receiver
	WellKnownPEM  []byte
	Logger        *slog.Logger
}

// Runtime is the combined HTTP+WS application.
type Runtime struct {
	cfg          Config
	headRequests atomic.Int64
}

// New builds a Runtime from cfg.
func New(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// Handler returns the single http.Handler serving telemetry WebSocket
// connections at "/", the well-known public-key file, a fast 200 for any
// HEAD request (the provider's domain-verification probe), and
// delegates everything else to the tool app unmodified — it never
// rewrites the request path or method, since the tool app owns its own
// internal routing.
func (rt *Runtime) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			rt.headRequests.Add(1)
			w.WriteHeader(http.StatusOK)

		case r.URL.Path == WellKnownPath && r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(rt.cfg.WellKnownPEM)

		case isWebSocketUpgrade(r) && r.URL.Path == "/":
			if rt.cfg.Receiver == nil {
				http.Error(w, "telemetry receiver not enabled", http.StatusNotFound)
				return
			}
			rt.cfg.Receiver.Handler().ServeHTTP(w, r)

		default:
			if rt.cfg.ToolApp == nil {
				http.NotFound(w, r)
				return
			}
			rt.cfg.ToolApp.Handler().ServeHTTP(w, r)
		}
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// HeadRequestCount returns the number of HEAD requests answered, useful
// for smoke-testing domain-verification handling.
func (rt *Runtime) HeadRequestCount() int64 { return rt.headRequests.Load() }

// SinkSet is the set of fanout sinks to wire for one serve invocation,
// built by the caller (cmd/tescmd) from the active Modes and handed to
// NewFanout in registration order: Cache, then CSV log, then display,
// then the Bridge (if active), then the trigger-evaluation sink (only
// when the Bridge is not active, avoiding double evaluation of the same
// frame).
type SinkSet struct {
	Cache            telemetry.Sink
	CSVLog           telemetry.Sink // nil when disabled
	Display          telemetry.Sink
	Bridge           telemetry.Sink // nil when the bridge is not active
	TriggerEvaluator telemetry.Sink // nil when the bridge is active
}

// BuildFanout assembles a Fanout from a SinkSet in the mandated order,
// skipping nil entries.
func BuildFanout(logger *slog.Logger, set SinkSet) *telemetry.Fanout {
	var sinks []telemetry.Sink
	for _, s := range []telemetry.Sink{set.Cache, set.CSVLog, set.Display, set.Bridge, set.TriggerEvaluator} {
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return telemetry.NewFanout(logger, sinks...)
}

// Teardown is the ordered list of shutdown steps: drain the tool app,
// stop the tunnel, close the bridge, close the gateway, close the CSV
// sink, flush the cache sink. Each step tolerates its own failure.
type Teardown struct {
	DrainToolApp  func(ctx context.Context) error
	StopTunnel    func(ctx context.Context)
	CloseBridge   func() error
	CloseGateway  func() error
	CloseCSVSink  func() error
	FlushCache    func(ctx context.Context) error
}

// Run executes the teardown sequence, logging and continuing past any
// individual step's failure.
func (t Teardown) Run(ctx context.Context, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	step := func(name string, fn func() error) {
		if fn == nil {
			return
		}
		if err := fn(); err != nil && logger != nil {
			logger.Warn("serveruntime: teardown step failed", "step", name, "error", err)
		}
	}

	if t.DrainToolApp != nil {
		if err := t.DrainToolApp(shutdownCtx); err != nil && logger != nil {
			logger.Warn("serveruntime: tool app drain failed", "error", err)
		}
	}
	if t.StopTunnel != nil {
		t.StopTunnel(shutdownCtx)
	}
	step("close bridge", t.CloseBridge)
	step("close gateway", t.CloseGateway)
	step("close csv sink", t.CloseCSVSink)
	if t.FlushCache != nil {
		if err := t.FlushCache(shutdownCtx); err != nil && logger != nil {
			logger.Warn("serveruntime: cache flush failed", "error", err)
		}
	}
}

// ErrShutdown is returned by Serve when the context was cancelled
// (graceful shutdown), distinguishing it from a genuine listener error.
var ErrShutdown = errors.New("serveruntime: shutdown requested")

// Serve runs the combined HTTP server on ln until ctx is cancelled, then
// gracefully shuts it down and runs teardown.
func (rt *Runtime) Serve(ctx context.Context, ln net.Listener, teardown Teardown) error {
	srv := &http.Server{Handler: rt.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serveruntime: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		teardown.Run(context.Background(), rt.cfg.Logger)
		return ErrShutdown
	}
}

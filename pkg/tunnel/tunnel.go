// Package tunnel manages a public HTTPS tunnel to a local port via the
// Tailscale CLI (serve + Funnel). All interaction is a thin wrapper over
// `tailscale` subprocess invocations, so availability and readiness are
// probed rather than assumed.
package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Info is the result of starting a tunnel.
type Info struct {
	URL      string
	Hostname string
	CAPem    string
}

// Manager starts/stops a public Tailscale Funnel pointing at a local port.
type Manager struct {
	logger  *slog.Logger
	tsBin   string
	runner  commandRunner
}

// commandRunner abstracts process execution so tests can substitute a fake
// without invoking the real tailscale binary.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// NewManager creates a tunnel Manager that shells out to the `tailscale`
// binary on PATH.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger, tsBin: "tailscale", runner: execRunner{}}
}

// ErrTunnelUnavailable reports that the tailscale CLI, daemon, or Funnel
// feature is not usable.
type ErrTunnelUnavailable struct{ Reason string }

func (e *ErrTunnelUnavailable) Error() string { return "tunnel: " + e.Reason }

// CheckAvailable reports whether the tailscale CLI is installed.
func (m *Manager) CheckAvailable(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, m.tsBin, "version"); err != nil {
		return &ErrTunnelUnavailable{Reason: fmt.Sprintf("tailscale CLI not found: %v", err)}
	}
	return nil
}

// CheckRunning reports whether the tailscale daemon is up.
func (m *Manager) CheckRunning(ctx context.Context) error {
	out, err := m.runner.Run(ctx, m.tsBin, "status", "--json")
	if err != nil {
		return &ErrTunnelUnavailable{Reason: fmt.Sprintf("tailscaled not running: %v", err)}
	}
	var status struct {
		BackendState string `json:"BackendState"`
	}
	if jsonErr := json.Unmarshal([]byte(out), &status); jsonErr == nil && status.BackendState != "" && status.BackendState != "Running" {
		return &ErrTunnelUnavailable{Reason: fmt.Sprintf("tailscaled backend state is %q", status.BackendState)}
	}
	return nil
}

// CheckFunnelAvailable reports whether the Funnel feature is enabled for
// this tailnet.
func (m *Manager) CheckFunnelAvailable(ctx context.Context) error {
	out, err := m.runner.Run(ctx, m.tsBin, "funnel", "status")
	if err != nil && strings.Contains(strings.ToLower(out), "not available") {
		return &ErrTunnelUnavailable{Reason: "Funnel is not enabled for this tailnet"}
	}
	return nil
}

// Hostname returns this node's tailnet hostname.
func (m *Manager) Hostname(ctx context.Context) (string, error) {
	out, err := m.runner.Run(ctx, m.tsBin, "status", "--json")
	if err != nil {
		return "", fmt.Errorf("tunnel: status: %w", err)
	}
	var status struct {
		Self struct {
			DNSName string `json:"DNSName"`
		} `json:"Self"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		return "", fmt.Errorf("tunnel: parse status: %w", err)
	}
	return strings.TrimSuffix(status.Self.DNSName, "."), nil
}

// CertPEM fetches the tailnet TLS certificate chain for hostname, used as
// the `ca` field in the signed remote telemetry configuration.
func (m *Manager) CertPEM(ctx context.Context, hostname string) (string, error) {
	out, err := m.runner.Run(ctx, m.tsBin, "cert", "--cert-file", "-", "--key-file", "/dev/null", hostname)
	if err != nil {
		return "", fmt.Errorf("tunnel: fetch cert: %w", err)
	}
	return out, nil
}

// Start starts `tailscale serve --bg --funnel` proxying the given local
// port on 443, and returns the public URL, hostname, and CA PEM.
func (m *Manager) Start(ctx context.Context, port int) (*Info, error) {
	if _, err := m.runner.Run(ctx, m.tsBin, "serve", "--bg", "--funnel", fmt.Sprintf("%d", port)); err != nil {
		return nil, fmt.Errorf("tunnel: start funnel: %w", err)
	}

	hostname, err := m.Hostname(ctx)
	if err != nil {
		return nil, err
	}
	ca, err := m.CertPEM(ctx, hostname)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("tunnel: failed to fetch CA cert", "error", err)
		}
	}

	return &Info{
		URL:      "https://" + hostname + "/",
		Hostname: hostname,
		CAPem:    ca,
	}, nil
}

// Stop tears down the Funnel configuration. It never returns an error to
// the caller beyond logging — the shutdown path must never fail because
// of a dead tunnel.
func (m *Manager) Stop(ctx context.Context) {
	if _, err := m.runner.Run(ctx, m.tsBin, "serve", "--https=443", "off"); err != nil && m.logger != nil {
		m.logger.Warn("tunnel: stop funnel failed", "error", err)
	}
}

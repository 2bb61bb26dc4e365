// Package session orchestrates the telemetry session lifecycle: start the
// local receiver, open the public tunnel, reconcile the vehicle's
// registered partner domain against the tunnel hostname, push a signed
// remote telemetry configuration, yield a handle, and guarantee
// reverse-order teardown even when individual steps fail.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oceanswave/tescmd-gateway/pkg/tunnel"
)

// TunnelStarter is the subset of *tunnel.Manager this package depends on,
// narrowed to an interface so tests can substitute a fake without
// shelling out to the real tailscale CLI.
type TunnelStarter interface {
	Start(ctx context.Context, port int) (*tunnel.Info, error)
	Stop(ctx context.Context)
}

// ErrOriginNotAllowed corresponds to the upstream provider's HTTP 412:
// the tunnel hostname must be added as an allowed origin before
// registration can succeed.
var ErrOriginNotAllowed = errors.New("session: origin not allowed (412)")

// ErrKeyNotFetchable corresponds to HTTP 424: the provider could not yet
// fetch the public key from the tunnel hostname, typically a transient
// propagation delay.
var ErrKeyNotFetchable = errors.New("session: public key not fetchable (424)")

// ErrAlreadyRegistered corresponds to HTTP 422 "already been taken",
// treated as idempotent success by the caller.
var ErrAlreadyRegistered = errors.New("session: already registered (422)")

// ErrMissingScopes corresponds to the provider rejecting the
// telemetry-config push because the access token lacks required scopes.
var ErrMissingScopes = errors.New("session: missing scopes")

// FleetProvider is the upstream collaborator for identity reconciliation
// and remote telemetry configuration. Concrete command encoders and HTTP
// plumbing live outside this package.
type FleetProvider interface {
	// RegisteredDomain returns the partner domain currently on file.
	RegisteredDomain(ctx context.Context) (string, error)

	// RegisterPartnerDomain re-registers the partner account under the
	// given domain. Returns ErrOriginNotAllowed, ErrKeyNotFetchable, or
	// ErrAlreadyRegistered for the corresponding provider responses.
	RegisterPartnerDomain(ctx context.Context, domain string) error

	// PushTelemetryConfig signs and pushes a remote telemetry
	// configuration for vin. Returns ErrMissingScopes when the provider
	// rejects it for insufficient scope.
	PushTelemetryConfig(ctx context.Context, vin, hostname, caPEM string, fields map[string]any) error

	// DeleteTelemetryConfig removes the remote telemetry configuration
	// for vin.
	DeleteTelemetryConfig(ctx context.Context, vin string) error

	// Reauthorize performs a fresh authorization flow with the full scope
	// set, used when PushTelemetryConfig reports missing scopes in
	// interactive mode.
	Reauthorize(ctx context.Context) error
}

// Receiver is the local telemetry WebSocket receiver collaborator.
type Receiver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// APIClient is closed during teardown regardless of how setup went.
type APIClient interface {
	Close() error
}

// Handle is the session handle yielded to the caller once setup
// completes.
type Handle struct {
	TunnelURL string
	Hostname  string
	VIN       string
	Port      int
}

// Options configures a session Run.
type Options struct {
	VIN         string
	Port        int
	Fields      map[string]any
	Interactive bool

	Receiver Receiver // nil to skip local receiver start (already bound by the combined runtime)
	Tunnel   TunnelStarter
	Provider FleetProvider
	Client   APIClient // nil if none to close

	// PartnerRegRetries/PartnerRegSpacing bound the 424 retry loop during
	// identity reconciliation. Production defaults are 12 attempts, 5s.
	PartnerRegRetries  int
	PartnerRegSpacing  time.Duration

	// PromptOriginMismatch, when Interactive is true, is invoked to ask
	// the user to add the hostname as an allowed origin and wait for
	// confirmation before retrying. Returning an error aborts setup.
	PromptOriginMismatch func(hostname string) error
}

// Run executes the full setup sequence, invokes fn with the resulting
// Handle, and guarantees reverse-order teardown (even on error or panic
// from fn) in this order: delete remote config, restore original partner
// domain, stop tunnel, stop receiver, close API client. Every teardown
// step tolerates its own failure and continues to the next.
func Run(ctx context.Context, logger *slog.Logger, opts Options, fn func(context.Context, Handle) error) error {
	var (
		receiverStarted       bool
		tunnelInfo            *tunnel.Info
		configPushed          bool
		originalPartnerDomain string
		restoreDomain         bool
	)

	teardown := func() {
		if configPushed {
			if err := opts.Provider.DeleteTelemetryConfig(context.Background(), opts.VIN); err != nil && logger != nil {
				logger.Warn("session: failed to remove remote telemetry config", "error", err)
			}
		}
		if restoreDomain {
			if err := opts.Provider.RegisterPartnerDomain(context.Background(), originalPartnerDomain); err != nil && logger != nil {
				logger.Warn("session: failed to restore original partner domain", "domain", originalPartnerDomain, "error", err)
			}
		}
		if opts.Tunnel != nil && tunnelInfo != nil {
			opts.Tunnel.Stop(context.Background())
		}
		if receiverStarted && opts.Receiver != nil {
			if err := opts.Receiver.Stop(context.Background()); err != nil && logger != nil {
				logger.Warn("session: receiver stop failed", "error", err)
			}
		}
		if opts.Client != nil {
			if err := opts.Client.Close(); err != nil && logger != nil {
				logger.Warn("session: api client close failed", "error", err)
			}
		}
	}
	defer teardown()

	if opts.Receiver != nil {
		if err := opts.Receiver.Start(ctx); err != nil {
			return fmt.Errorf("session: start receiver: %w", err)
		}
		receiverStarted = true
	}

	info, err := opts.Tunnel.Start(ctx, opts.Port)
	if err != nil {
		return fmt.Errorf("session: start tunnel: %w", err)
	}
	tunnelInfo = info

	originalPartnerDomain, err = reconcileIdentity(ctx, logger, opts, info.Hostname)
	if err != nil {
		return err
	}
	if originalPartnerDomain != "" {
		restoreDomain = true
	}

	if err := pushRemoteConfig(ctx, opts, info); err != nil {
		return err
	}
	configPushed = true

	handle := Handle{TunnelURL: info.URL, Hostname: info.Hostname, VIN: opts.VIN, Port: opts.Port}
	return fn(ctx, handle)
}

// reconcileIdentity compares the tunnel hostname against the registered
// partner domain, re-registering if they differ. It returns the original
// registered domain so teardown can restore it, or "" if no change was
// needed.
func reconcileIdentity(ctx context.Context, logger *slog.Logger, opts Options, hostname string) (string, error) {
	registered, err := opts.Provider.RegisteredDomain(ctx)
	if err != nil {
		return "", fmt.Errorf("session: read registered partner domain: %w", err)
	}

	normalizedRegistered := strings.ToLower(strings.TrimSuffix(registered, "."))
	normalizedTunnel := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if normalizedRegistered == normalizedTunnel {
		return "", nil
	}

	retries := opts.PartnerRegRetries
	if retries <= 0 {
		retries = 12
	}
	spacing := opts.PartnerRegSpacing
	if spacing <= 0 {
		spacing = 5 * time.Second
	}

	for attempt := 0; attempt < retries; attempt++ {
		err := opts.Provider.RegisterPartnerDomain(ctx, hostname)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyRegistered):
			return registered, nil
		case errors.Is(err, ErrKeyNotFetchable):
			if attempt < retries-1 {
				if logger != nil {
					logger.Info("session: waiting for tunnel to become reachable", "attempt", attempt+1, "of", retries)
				}
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(spacing):
				}
				continue
			}
			return "", fmt.Errorf("session: partner re-registration for %s: %w", hostname, ErrKeyNotFetchable)
		case errors.Is(err, ErrOriginNotAllowed):
			if opts.Interactive && opts.PromptOriginMismatch != nil {
				if promptErr := opts.PromptOriginMismatch(hostname); promptErr != nil {
					return "", promptErr
				}
				continue
			}
			return "", fmt.Errorf("session: add https://%s as an allowed origin, then retry: %w", hostname, ErrOriginNotAllowed)
		default:
			return "", fmt.Errorf("session: partner re-registration for %s: %w", hostname, err)
		}
	}
	return "", fmt.Errorf("session: partner re-registration for %s: exhausted retries", hostname)
}

// pushRemoteConfig signs and pushes the fleet telemetry configuration,
// retrying once after a fresh interactive authorization on a
// missing-scopes rejection.
func pushRemoteConfig(ctx context.Context, opts Options, info *tunnel.Info) error {
	err := opts.Provider.PushTelemetryConfig(ctx, opts.VIN, info.Hostname, info.CAPem, opts.Fields)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrMissingScopes) {
		return fmt.Errorf("session: push remote telemetry config: %w", err)
	}
	if !opts.Interactive {
		return fmt.Errorf("session: remote config rejected for missing scopes (re-authorize and retry): %w", err)
	}

	if reauthErr := opts.Provider.Reauthorize(ctx); reauthErr != nil {
		return fmt.Errorf("session: re-authorize after missing scopes: %w", reauthErr)
	}
	if err := opts.Provider.PushTelemetryConfig(ctx, opts.VIN, info.Hostname, info.CAPem, opts.Fields); err != nil {
		return fmt.Errorf("session: push remote telemetry config after re-authorization: %w", err)
	}
	return nil
}

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/oceanswave/tescmd-gateway/pkg/dispatcher"
	"github.com/oceanswave/tescmd-gateway/pkg/observability"
	"github.com/oceanswave/tescmd-gateway/pkg/resilience"
	"github.com/oceanswave/tescmd-gateway/pkg/session"
	"github.com/oceanswave/tescmd-gateway/pkg/signer"
	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// errRetryableStatus marks a response the caller should retry: a 429 whose
// Retry-After wait has already elapsed, or a 5xx that the upstream API
// documents as transient.
var errRetryableStatus = errors.New("fleetapi: retryable upstream status")

// fleetClient is the thin authenticated-REST plumbing layer between the
// dispatcher/session packages and the upstream fleet API: URL templates
// and HTTP status-code semantics only. Encoding individual vehicle
// commands is out of scope here (see DESIGN.md) — PostCommand already
// receives a fully-built payload from the external PayloadBuilder. Every
// request is routed through a resilience.Pipeline (circuit breaker +
// bounded retry) so a flapping upstream trips the breaker instead of
// cascading failures into the dispatcher and session packages.
type fleetClient struct {
	baseURL  string
	http     *http.Client
	pipeline *resilience.Pipeline
	metrics  *observability.GatewayMetrics
	logger   *slog.Logger
}

func newFleetClient(baseURL string, tokenSource oauth2.TokenSource, metrics *observability.GatewayMetrics, logger *slog.Logger) *fleetClient {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "fleet-api"})
	retry := resilience.DefaultRetryConfig()
	retry.RetryableErr = func(err error) bool {
		// Anything surfaced by doOnce that isn't our own retryable-status
		// marker is a transport-level failure (DNS, connection refused,
		// timeout) — also worth a bounded retry.
		return true
	}
	return &fleetClient{
		baseURL: baseURL,
		http:    oauth2.NewClient(context.Background(), tokenSource),
		pipeline: resilience.NewPipeline(logger,
			resilience.WithCircuitBreaker(cb),
			resilience.WithRateLimit(resilience.NewRateLimiter(5, 10)),
			resilience.WithRetry(retry),
		),
		metrics: metrics,
		logger:  logger,
	}
}

// do sends one request through the resilience pipeline. A 429 response
// honors the Retry-After header (falling back to 5s) by sleeping before
// reporting itself retryable; the pipeline's own backoff then governs any
// further attempts up to RetryConfig.MaxAttempts. Non-retryable statuses
// (everything but 429/5xx) are returned to the caller unmodified so the
// existing per-endpoint status-code switches keep working.
func (c *fleetClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	var resp *http.Response
	var respBody []byte

	err := c.pipeline.Execute(ctx, func(ctx context.Context) error {
		r, b, err := c.doOnce(ctx, method, path, body)
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests {
			wait := resilience.ParseRetryAfter(r.Header.Get("Retry-After"), 5*time.Second)
			if c.metrics != nil {
				c.metrics.RetryAttempts.Inc()
			}
			if c.logger != nil {
				c.logger.Warn("fleetapi: rate limited, honoring Retry-After", "wait", wait, "path", path)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			return fmt.Errorf("%w: status 429", errRetryableStatus)
		}
		if r.StatusCode >= 500 {
			resp, respBody = r, b
			if c.metrics != nil {
				c.metrics.RetryAttempts.Inc()
			}
			return fmt.Errorf("%w: status %d", errRetryableStatus, r.StatusCode)
		}
		resp, respBody = r, b
		return nil
	})
	if err != nil && resp == nil {
		if c.metrics != nil {
			c.metrics.CommandErrors.Inc()
		}
		return nil, nil, err
	}
	return resp, respBody, nil
}

func (c *fleetClient) doOnce(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, respBody, nil
}

// GetSnapshot implements dispatcher.FleetAPI.
func (c *fleetClient) GetSnapshot(ctx context.Context, vin string) (telemetry.Snapshot, error) {
	resp, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s/vehicle_data", vin), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fleetapi: vehicle_data: unexpected status %d", resp.StatusCode)
	}
	var envelope struct {
		Response map[string]any `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("fleetapi: decode vehicle_data: %w", err)
	}
	return telemetry.Snapshot(envelope.Response), nil
}

// PostCommand implements dispatcher.FleetAPI.
func (c *fleetClient) PostCommand(ctx context.Context, vin string, spec dispatcher.CommandSpec, payload, metadata, tag []byte) error {
	path := fmt.Sprintf("/api/1/vehicles/%s/command/%s", vin, spec.ActionType)
	envelope := map[string]any{"payload": payload}
	if spec.RequiresSigning {
		envelope["metadata"] = metadata
		envelope["tag"] = tag
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	resp, _, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusRequestTimeout:
		return dispatcher.ErrVehicleAsleep
	default:
		return fmt.Errorf("fleetapi: command %q: unexpected status %d", spec.Name, resp.StatusCode)
	}
}

// Wake implements dispatcher.FleetAPI.
func (c *fleetClient) Wake(ctx context.Context, vin string) error {
	resp, _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/1/vehicles/%s/wake_up", vin), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fleetapi: wake: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// IsAwake implements dispatcher.FleetAPI.
func (c *fleetClient) IsAwake(ctx context.Context, vin string) (bool, error) {
	resp, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s", vin), nil)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fleetapi: vehicle state: unexpected status %d", resp.StatusCode)
	}
	var envelope struct {
		Response struct {
			State string `json:"state"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false, err
	}
	return envelope.Response.State == "online", nil
}

// RegisteredDomain implements session.FleetProvider.
func (c *fleetClient) RegisteredDomain(ctx context.Context) (string, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/api/1/partner_accounts/public_key", nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}
	var envelope struct {
		Response struct{ Domain string `json:"domain"` } `json:"response"`
	}
	_ = json.Unmarshal(body, &envelope)
	return envelope.Response.Domain, nil
}

// RegisterPartnerDomain implements session.FleetProvider.
func (c *fleetClient) RegisterPartnerDomain(ctx context.Context, domain string) error {
	body, _ := json.Marshal(map[string]string{"domain": domain})
	resp, respBody, err := c.do(ctx, http.MethodPost, "/api/1/partner_accounts", body)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusPreconditionFailed:
		return session.ErrOriginNotAllowed
	case http.StatusFailedDependency:
		return session.ErrKeyNotFetchable
	case http.StatusUnprocessableEntity:
		if bytes.Contains(respBody, []byte("already been taken")) {
			return session.ErrAlreadyRegistered
		}
		return fmt.Errorf("fleetapi: register partner domain: status 422: %s", respBody)
	default:
		return fmt.Errorf("fleetapi: register partner domain: unexpected status %d", resp.StatusCode)
	}
}

// PushTelemetryConfig implements session.FleetProvider.
func (c *fleetClient) PushTelemetryConfig(ctx context.Context, vin, hostname, caPEM string, fields map[string]any) error {
	body, _ := json.Marshal(map[string]any{
		"vins": []string{vin},
		"config": map[string]any{
			"hostname":    hostname,
			"port":        443,
			"ca":          caPEM,
			"fields":      fields,
			"alert_types": []string{"service"},
		},
	})
	resp, respBody, err := c.do(ctx, http.MethodPost, "/api/1/vehicles/fleet_telemetry_config", body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if bytes.Contains(respBody, []byte("missing scopes")) {
		return session.ErrMissingScopes
	}
	return fmt.Errorf("fleetapi: push telemetry config: unexpected status %d", resp.StatusCode)
}

// DeleteTelemetryConfig implements session.FleetProvider.
func (c *fleetClient) DeleteTelemetryConfig(ctx context.Context, vin string) error {
	resp, _, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/1/vehicles/%s/fleet_telemetry_config", vin), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("fleetapi: delete telemetry config: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Reauthorize implements session.FleetProvider. The interactive
// re-authorization flow itself (opening a browser, exchanging a fresh
// code) lives in the file-backed `tescmd auth login` command, not here;
// this reports that no automatic re-authorization path exists in the
// gateway process.
func (c *fleetClient) Reauthorize(ctx context.Context) error {
	return errors.New("fleetapi: re-authorization requires an interactive `tescmd auth login`")
}

// Close implements session.APIClient.
func (c *fleetClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// sessionKeyProvider hands out one signer.Session per vin, seeded from a
// per-gateway-process signing secret. Establishing the per-vehicle
// signing key via the vendor key-pairing handshake is out of scope (see
// DESIGN.md); this keeps one strictly-increasing counter per vin for the
// lifetime of the process, which is the property CommandDispatcher's
// wake-and-retry sequence relies on.
type sessionKeyProvider struct {
	baseKey []byte

	mu       sync.Mutex
	sessions map[string]*signer.Session
}

func newSessionKeyProvider(baseKey []byte) *sessionKeyProvider {
	return &sessionKeyProvider{baseKey: baseKey, sessions: make(map[string]*signer.Session)}
}

// Session implements dispatcher.SessionProvider.
func (p *sessionKeyProvider) Session(ctx context.Context, vin string) (*signer.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[vin]; ok {
		return s, nil
	}
	var epoch [16]byte
	if _, err := rand.Read(epoch[:]); err != nil {
		return nil, fmt.Errorf("sessionkeyprovider: generate epoch: %w", err)
	}
	s := signer.NewSession(p.baseKey, epoch)
	p.sessions[vin] = s
	return s, nil
}

// jsonPayloadBuilder is a minimal stand-in for the external catalog of
// per-command wire encoders (out of scope, see DESIGN.md): it JSON-
// marshals the caller's arguments verbatim as the outbound payload.
type jsonPayloadBuilder struct{}

func (jsonPayloadBuilder) Build(name string, args map[string]any) ([]byte, error) {
	return json.Marshal(args)
}

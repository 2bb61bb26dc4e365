// Package dispatcher resolves inbound tool invocations to either a cached
// read (TelemetryStore first, vehicle snapshot second) or a signed
// outbound command with one-retry auto-wake. The individual vehicle
// command encoders (building the wire payload for each named command) are
// treated as an external collaborator via the CommandSpec/PayloadBuilder
// interfaces — this package owns routing, signing, caching, and the
// wake-retry sequence, not per-command argument semantics.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oceanswave/tescmd-gateway/pkg/cache"
	"github.com/oceanswave/tescmd-gateway/pkg/signer"
	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// Domain is the upstream routing domain a command belongs to.
type Domain string

const (
	DomainVCSEC         Domain = "vcsec"
	DomainInfotainment  Domain = "infotainment"
	DomainBroadcast     Domain = "broadcast"
)

// CommandSpec describes one named writable command: where it routes and
// whether it must be signed.
type CommandSpec struct {
	Name             string
	Domain           Domain
	RequiresSigning  bool
	ActionType       string
	RequiredParams   []string
}

// ErrUnknownCommand is returned when no CommandSpec matches the requested
// name.
var ErrUnknownCommand = errors.New("dispatcher: unknown command")

// ErrMissingParam is returned when a required write parameter is absent.
type ErrMissingParam struct {
	Command string
	Param   string
}

func (e *ErrMissingParam) Error() string {
	return fmt.Sprintf("dispatcher: command %q requires parameter %q", e.Command, e.Param)
}

// ErrVehicleAsleep is returned by FleetAPI.PostCommand when the upstream
// reports HTTP 408 ("vehicle asleep").
var ErrVehicleAsleep = errors.New("dispatcher: vehicle asleep")

// CommandResult is the outcome of a successful write.
type CommandResult struct {
	Result bool
	Reason string
}

// FleetAPI is the upstream fleet API collaborator: authenticated REST
// reads/commands and wake. This package depends only on this interface;
// the HTTP plumbing lives with the CLI wiring.
type FleetAPI interface {
	// GetSnapshot fetches a fresh vehicle snapshot (a one-off read), used
	// to populate the dispatcher's per-request snapshot cache on a miss.
	GetSnapshot(ctx context.Context, vin string) (telemetry.Snapshot, error)

	// PostCommand sends a (possibly signed) command payload. It returns
	// ErrVehicleAsleep when the upstream responds 408.
	PostCommand(ctx context.Context, vin string, spec CommandSpec, payload, metadata, tag []byte) error

	// Wake issues a wake command for vin.
	Wake(ctx context.Context, vin string) error

	// IsAwake reports whether vin is currently online, used to poll after
	// a wake request before retrying the command.
	IsAwake(ctx context.Context, vin string) (bool, error)
}

// SessionProvider supplies (or refreshes) the signing session for a vin.
type SessionProvider interface {
	Session(ctx context.Context, vin string) (*signer.Session, error)
}

// PayloadBuilder builds the outbound wire payload for a named command from
// caller-supplied arguments. The concrete per-command encoders live
// outside this package; this is the seam they plug into.
type PayloadBuilder interface {
	Build(name string, args map[string]any) ([]byte, error)
}

// ReadResult is the outcome of a read dispatch.
type ReadResult struct {
	Pending bool
	Value   any
	Found   bool
}

const wakeRetryInitial = 20 * time.Second
const wakeRetryFactor = 1.5
const wakeRetryCap = 30 * time.Second
const wakeRetryBudget = 90 * time.Second

// Dispatcher routes inbound tool invocations to cached reads or signed
// writes.
type Dispatcher struct {
	store    *telemetry.Store
	cache    cache.ResponseCache
	fleetAPI FleetAPI
	sessions SessionProvider
	builder  PayloadBuilder
	specs    map[string]CommandSpec
	logger   *slog.Logger

	mu             sync.Mutex
	pendingFetches map[string]chan struct{} // vin -> closed when fetch completes

	wakeRetryInitial time.Duration
	wakeRetryFactor  float64
	wakeRetryCap     time.Duration
	wakeRetryBudget  time.Duration
}

// New creates a Dispatcher.
func New(store *telemetry.Store, respCache cache.ResponseCache, fleetAPI FleetAPI, sessions SessionProvider, builder PayloadBuilder, specs []CommandSpec, logger *slog.Logger) *Dispatcher {
	specMap := make(map[string]CommandSpec, len(specs))
	for _, s := range specs {
		specMap[s.Name] = s
	}
	return &Dispatcher{
		store:            store,
		cache:            respCache,
		fleetAPI:         fleetAPI,
		sessions:         sessions,
		builder:          builder,
		specs:            specMap,
		logger:           logger,
		pendingFetches:   make(map[string]chan struct{}),
		wakeRetryInitial: wakeRetryInitial,
		wakeRetryFactor:  wakeRetryFactor,
		wakeRetryCap:     wakeRetryCap,
		wakeRetryBudget:  wakeRetryBudget,
	}
}

// ReadField resolves a read for one field: the in-memory TelemetryStore
// first (storeField, e.g. "Soc"), then the cached vehicle snapshot
// (snapshotPath, e.g. "charge_state.usable_battery_level"). A miss in both
// schedules at most one outstanding background fetch per vin and returns
// Pending=true.
func (d *Dispatcher) ReadField(ctx context.Context, vin, storeField, snapshotPath string) (ReadResult, error) {
	if v, ok := d.store.Get(storeField); ok {
		return ReadResult{Value: v, Found: true}, nil
	}

	snap, hit, err := d.cache.Get(ctx, vin)
	if err != nil {
		return ReadResult{}, fmt.Errorf("dispatcher: read cache: %w", err)
	}
	if hit {
		if v, ok := lookupPath(snap, snapshotPath); ok {
			return ReadResult{Value: v, Found: true}, nil
		}
	}

	d.scheduleFetch(vin)
	return ReadResult{Pending: true}, nil
}

// ReadSnapshot resolves a whole-vehicle read from the cached snapshot.
// On a miss it schedules the same deduplicated background fetch ReadField
// uses and returns Pending=true.
func (d *Dispatcher) ReadSnapshot(ctx context.Context, vin string) (ReadResult, error) {
	snap, hit, err := d.cache.Get(ctx, vin)
	if err != nil {
		return ReadResult{}, fmt.Errorf("dispatcher: read cache: %w", err)
	}
	if hit {
		return ReadResult{Value: snap, Found: true}, nil
	}
	d.scheduleFetch(vin)
	return ReadResult{Pending: true}, nil
}

// scheduleFetch starts a background snapshot fetch for vin unless one is
// already outstanding for that vin (deduplicated: at most one outstanding
// fetch per dispatcher instance, per vin).
func (d *Dispatcher) scheduleFetch(vin string) {
	d.mu.Lock()
	if _, inflight := d.pendingFetches[vin]; inflight {
		d.mu.Unlock()
		return
	}
	done := make(chan struct{})
	d.pendingFetches[vin] = done
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.pendingFetches, vin)
			d.mu.Unlock()
			close(done)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snap, err := d.fleetAPI.GetSnapshot(ctx, vin)
		if err != nil {
			if d.logger != nil {
				d.logger.Error("dispatcher: background snapshot fetch failed", "vin", vin, "error", err)
			}
			return
		}
		if err := d.cache.Put(ctx, vin, snap, 0); err != nil && d.logger != nil {
			d.logger.Error("dispatcher: cache snapshot fetch result failed", "vin", vin, "error", err)
		}
	}()
}

// Write resolves name to a CommandSpec, builds the payload, signs it if
// required, and POSTs it. On a "vehicle asleep" response it wakes the
// vehicle once and retries the command once. On success the response
// cache for vin is invalidated.
func (d *Dispatcher) Write(ctx context.Context, vin, name string, args map[string]any) (CommandResult, error) {
	spec, ok := d.specs[name]
	if !ok {
		return CommandResult{}, ErrUnknownCommand
	}

	for _, param := range spec.RequiredParams {
		if _, present := args[param]; !present {
			return CommandResult{}, &ErrMissingParam{Command: name, Param: param}
		}
	}

	payload, err := d.builder.Build(name, args)
	if err != nil {
		return CommandResult{}, fmt.Errorf("dispatcher: build payload for %q: %w", name, err)
	}

	var metadata, tag []byte
	if spec.RequiresSigning {
		metadata, tag, err = d.sign(ctx, vin, payload)
		if err != nil {
			return CommandResult{}, fmt.Errorf("dispatcher: sign command %q: %w", name, err)
		}
	}

	err = d.fleetAPI.PostCommand(ctx, vin, spec, payload, metadata, tag)
	if errors.Is(err, ErrVehicleAsleep) {
		if wakeErr := d.wakeAndWait(ctx, vin); wakeErr != nil {
			return CommandResult{}, fmt.Errorf("dispatcher: wake vehicle for %q: %w", name, wakeErr)
		}
		// Re-sign for the retry: the counter must strictly increase.
		if spec.RequiresSigning {
			metadata, tag, err = d.sign(ctx, vin, payload)
			if err != nil {
				return CommandResult{}, fmt.Errorf("dispatcher: re-sign command %q: %w", name, err)
			}
		}
		err = d.fleetAPI.PostCommand(ctx, vin, spec, payload, metadata, tag)
	}
	if err != nil {
		return CommandResult{}, fmt.Errorf("dispatcher: command %q failed: %w", name, err)
	}

	if clearErr := d.cache.Clear(ctx, vin); clearErr != nil && d.logger != nil {
		d.logger.Error("dispatcher: cache invalidation failed", "vin", vin, "error", clearErr)
	}

	return CommandResult{Result: true, Reason: fmt.Sprintf("%s accepted", name)}, nil
}

func (d *Dispatcher) sign(ctx context.Context, vin string, payload []byte) (metadata, tag []byte, err error) {
	sess, err := d.sessions.Session(ctx, vin)
	if err != nil {
		return nil, nil, err
	}
	expiresAt := uint32(time.Now().Add(30 * time.Second).Unix())
	return sess.Sign(payload, expiresAt)
}

// wakeAndWait issues a single wake request and polls IsAwake with
// exponential backoff (20s initial, factor 1.5, capped at 30s, 90s total
// budget), returning as soon as the vehicle reports online so the
// caller's single retry has its best chance of succeeding. Exhausting the
// budget without seeing "awake" is not itself an error — the caller's
// retry will simply fail with ErrVehicleAsleep again.
func (d *Dispatcher) wakeAndWait(ctx context.Context, vin string) error {
	if err := d.fleetAPI.Wake(ctx, vin); err != nil {
		return err
	}

	deadline := time.Now().Add(d.wakeRetryBudget)
	delay := d.wakeRetryInitial
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		awake, err := d.fleetAPI.IsAwake(ctx, vin)
		if err == nil && awake {
			return nil
		}

		delay = time.Duration(float64(delay) * d.wakeRetryFactor)
		if delay > d.wakeRetryCap {
			delay = d.wakeRetryCap
		}
	}
	return nil
}

// SetWakeBackoffForTesting overrides the wake-retry backoff parameters;
// production callers rely on the defaults set by New.
func (d *Dispatcher) SetWakeBackoffForTesting(initial time.Duration, factor float64, cap, budget time.Duration) {
	d.wakeRetryInitial = initial
	d.wakeRetryFactor = factor
	d.wakeRetryCap = cap
	d.wakeRetryBudget = budget
}

func lookupPath(snap telemetry.Snapshot, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = snap
	for _, p := range parts {
		m, ok := cur.(telemetry.Snapshot)
		if !ok {
			asMap, ok2 := cur.(map[string]any)
			if !ok2 {
				return nil, false
			}
			m = telemetry.Snapshot(asMap)
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
	"github.com/oceanswave/tescmd-gateway/pkg/triggers"
)

// TriggerFinalizer is invoked with the trigger id after a one-shot trigger
// notification has been written to the gateway. The bridge never reaches "up" into
// the trigger manager beyond this single callback.
type TriggerFinalizer func(triggerID string)

// Bridge wires decoder -> per-datum filter -> emitter -> gateway.Send into
// one pipeline, as a registered telemetry.Sink. When it is active it also
// owns trigger evaluation (the runtime skips the standalone evaluation
// sink to avoid judging every frame twice). Counters are exposed for
// diagnostics; a send failure is caught and discarded so the frame loop
// never dies.
type Bridge struct {
	filter  *telemetry.DualGateFilter
	emitter *telemetry.Emitter
	client  *Client
	logger  *slog.Logger
	dryRun  bool

	store    *telemetry.Store
	triggers *triggers.Manager

	finalize TriggerFinalizer

	eventCount atomic.Int64
	dropCount  atomic.Int64
}

// NewBridge creates a Bridge over an already-connected (or reconnecting)
// gateway Client. When dryRun is true, events are printed as JSONL to
// stdout instead of sent.
func NewBridge(filter *telemetry.DualGateFilter, emitter *telemetry.Emitter, client *Client, logger *slog.Logger, dryRun bool) *Bridge {
	return &Bridge{filter: filter, emitter: emitter, client: client, logger: logger, dryRun: dryRun}
}

// SetTriggerFinalizer registers the callback invoked after a confirmed
// delivery of a one-shot trigger notification.
func (b *Bridge) SetTriggerFinalizer(fn TriggerFinalizer) {
	b.finalize = fn
}

// SetTriggerEvaluation hands the bridge the telemetry store and trigger
// manager so it evaluates every datum against registered triggers as part
// of its own frame pass. Call before registering the bridge as a sink.
func (b *Bridge) SetTriggerEvaluation(store *telemetry.Store, manager *triggers.Manager) {
	b.store = store
	b.triggers = manager
}

func (b *Bridge) Name() string { return "bridge" }

// OnFrame implements telemetry.Sink: for each datum, consult the filter,
// emit an event on pass, and send it (or print it in dry-run mode).
func (b *Bridge) OnFrame(ctx context.Context, frame *telemetry.Frame) error {
	now := time.Now()
	for _, datum := range frame.Data {
		// Trigger evaluation sees every datum, before the gating that
		// decides what goes upstream.
		if b.store != nil && b.triggers != nil {
			previous, hadPrevious := b.store.Set(datum.FieldName, datum.Value)
			var prevArg any
			if hadPrevious {
				prevArg = previous
			}
			b.triggers.Evaluate(datum.FieldName, datum.Value, prevArg, frame.VIN, frame.CreatedAt)
		}

		if !b.filter.ShouldEmit(datum.FieldName, datum.Value) {
			b.dropCount.Add(1)
			continue
		}

		event, ok := b.emitter.Emit(datum.FieldName, datum.Value, frame.VIN, now)
		if !ok {
			b.dropCount.Add(1)
			continue
		}

		// Atomic with respect to this field: no suspension point between
		// ShouldEmit and RecordEmit.
		b.filter.RecordEmit(datum.FieldName, datum.Value)
		b.eventCount.Add(1)

		b.deliver(ctx, event)
	}
	return nil
}

func (b *Bridge) deliver(ctx context.Context, event telemetry.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("bridge: send panicked", "recover", r)
			}
		}
	}()

	if b.dryRun {
		line, err := json.Marshal(event)
		if err != nil {
			if b.logger != nil {
				b.logger.Error("bridge: encode dry-run event failed", "error", err)
			}
			return
		}
		fmt.Fprintln(os.Stdout, string(line))
		return
	}

	if b.client != nil {
		b.client.SendEvent(ctx, event)
	}
}

// PushTrigger serializes a fired trigger notification as a trigger.fired
// event and attempts a gateway send. A successful WebSocket write counts
// as delivery; no further acknowledgement from the gateway is awaited. A
// one-shot notification whose write succeeded invokes the finalizer.
func (b *Bridge) PushTrigger(ctx context.Context, def triggers.Definition, notif triggers.Notification) {
	event := telemetry.Event{
		Method: "req:agent",
		Params: telemetry.EventParams{
			EventType: "trigger.fired",
			Source:    "trigger",
			VIN:       notif.VIN,
			Timestamp: notif.FiredAt,
			Data: map[string]any{
				"trigger_id":     notif.TriggerID,
				"field":          notif.Field,
				"operator":       notif.Operator,
				"threshold":      notif.Threshold,
				"value":          notif.Value,
				"previous_value": notif.PreviousValue,
			},
		},
	}

	var before int64
	if b.client != nil {
		before = b.client.SendCount()
	}
	b.deliver(ctx, event)
	delivered := !b.dryRun && b.client != nil && b.client.SendCount() > before

	if def.Once && delivered && b.finalize != nil {
		b.finalize(def.ID)
	}
}

// Run keeps the gateway connection alive until ctx is cancelled: a send
// failure marks the client closed, and this loop notices and redials with
// the client's full backoff schedule. Dry-run bridges never connect.
func (b *Bridge) Run(ctx context.Context) {
	if b.client == nil || b.dryRun {
		return
	}
	for {
		if b.client.State() == StateClosed {
			if err := b.client.ConnectWithBackoff(ctx, 0); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// EventCount returns the number of events successfully emitted.
func (b *Bridge) EventCount() int64 { return b.eventCount.Load() }

// DropCount returns the number of datums rejected by the filter or
// unmapped by the emitter.
func (b *Bridge) DropCount() int64 { return b.dropCount.Load() }

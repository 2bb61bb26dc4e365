package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oceanswave/tescmd-gateway/pkg/audit"
	"github.com/oceanswave/tescmd-gateway/pkg/cache"
	"github.com/oceanswave/tescmd-gateway/pkg/dispatcher"
	"github.com/oceanswave/tescmd-gateway/pkg/observability"
	"github.com/oceanswave/tescmd-gateway/pkg/toolserver"
	"github.com/oceanswave/tescmd-gateway/pkg/triggers"
)

// readFields maps a read-only tool name to the TelemetryStore field and
// cached-snapshot path ReadField checks, in that order.
var readFields = map[string]struct {
	storeField   string
	snapshotPath string
}{
	"battery_level":  {"Soc", "charge_state.usable_battery_level"},
	"charge_state":   {"ChargeState", "charge_state.charging_state"},
	"vehicle_location": {"Location", "drive_state.latitude"},
	"vehicle_speed":  {"VehicleSpeed", "drive_state.speed"},
}

// registerTools builds the tool surface the ToolServer exposes: a
// full-snapshot and per-field read for each entry in readFields, one
// write tool per entry in commandSpecs, and trigger/cache management
// tools. Every invocation is wrapped with an audit log entry and a tool
// latency/error metric, mirroring the dispatcher's own instrumentation.
func registerTools(reg *toolserver.Registry, disp *dispatcher.Dispatcher, respCache cache.ResponseCache, trig *triggers.Manager, logger *audit.Logger, metrics *observability.GatewayMetrics) {
	reg.Register(toolserver.ToolDescriptor{
		Name:        "vehicle_info",
		Description: "Read the whole cached vehicle snapshot.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"vin": map[string]any{"type": "string"}},
			"required":   []string{"vin"},
		},
		Annotations: toolserver.Annotations{ReadOnlyHint: true},
	}, instrumented("vehicle_info", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		result, err := disp.ReadSnapshot(ctx, vin)
		if err != nil {
			return nil, err
		}
		if result.Pending {
			return map[string]any{"pending": true}, nil
		}
		return result.Value, nil
	}))

	for name, fields := range readFields {
		name, fields := name, fields
		reg.Register(toolserver.ToolDescriptor{
			Name:        name,
			Description: fmt.Sprintf("Read the %s field from the warmed cache or telemetry store.", name),
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"vin": map[string]any{"type": "string"}},
				"required":   []string{"vin"},
			},
			Annotations: toolserver.Annotations{ReadOnlyHint: true},
		}, instrumented(name, "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
			result, err := disp.ReadField(ctx, vin, fields.storeField, fields.snapshotPath)
			if err != nil {
				return nil, err
			}
			if result.Pending {
				return map[string]any{"pending": true}, nil
			}
			return map[string]any{"value": result.Value, "found": result.Found}, nil
		}))
	}

	for _, spec := range commandSpecs {
		spec := spec
		reg.Register(toolserver.ToolDescriptor{
			Name:        spec.Name,
			Description: fmt.Sprintf("Dispatch the %s command, signing it when the domain requires it.", spec.Name),
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"vin": map[string]any{"type": "string"}, "args": map[string]any{"type": "object"}},
				"required":   []string{"vin"},
			},
			Annotations: toolserver.Annotations{ReadOnlyHint: false},
		}, instrumented(spec.Name, spec.Name, logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
			result, err := disp.Write(ctx, vin, spec.Name, args)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": result.Result, "reason": result.Reason}, nil
		}))
	}

	registerTriggerTools(reg, trig, logger, metrics)
	registerCacheTools(reg, respCache, logger, metrics)
}

// registerTriggerTools exposes trigger_list/trigger_create/trigger_pending/
// trigger_delete over the same tool surface agents use for reads and writes.
func registerTriggerTools(reg *toolserver.Registry, trig *triggers.Manager, logger *audit.Logger, metrics *observability.GatewayMetrics) {
	reg.Register(toolserver.ToolDescriptor{
		Name:        "trigger_list",
		Description: "List every registered trigger.",
		InputSchema: map[string]any{"type": "object"},
		Annotations: toolserver.Annotations{ReadOnlyHint: true},
	}, instrumented("trigger_list", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		return trig.List(), nil
	}))

	reg.Register(toolserver.ToolDescriptor{
		Name:        "trigger_create",
		Description: "Register a new trigger condition.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"field":    map[string]any{"type": "string"},
				"operator": map[string]any{"type": "string"},
				"value":    map[string]any{},
				"once":     map[string]any{"type": "boolean"},
				"cooldown_seconds": map[string]any{"type": "number"},
			},
			"required": []string{"field", "operator"},
		},
		Annotations: toolserver.Annotations{ReadOnlyHint: false},
	}, instrumented("trigger_create", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		cond := triggers.Condition{
			Field:    stringArg(args, "field"),
			Operator: triggers.Operator(stringArg(args, "operator")),
			Value:    args["value"],
		}
		once, _ := args["once"].(bool)
		cooldown, _ := args["cooldown_seconds"].(float64)
		def, err := trig.Create(cond, once, cooldown)
		if err != nil {
			return nil, err
		}
		return def, nil
	}))

	reg.Register(toolserver.ToolDescriptor{
		Name:        "trigger_pending",
		Description: "Drain queued trigger notifications that have not been pushed yet.",
		InputSchema: map[string]any{"type": "object"},
		Annotations: toolserver.Annotations{ReadOnlyHint: false},
	}, instrumented("trigger_pending", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		return map[string]any{"notifications": trig.DrainPending()}, nil
	}))

	reg.Register(toolserver.ToolDescriptor{
		Name:        "trigger_delete",
		Description: "Delete a registered trigger by id.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"args": map[string]any{"type": "object"}},
		},
		Annotations: toolserver.Annotations{ReadOnlyHint: false},
	}, instrumented("trigger_delete", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		id := stringArg(args, "id")
		trig.Delete(id)
		return map[string]any{"deleted": id}, nil
	}))
}

// registerCacheTools exposes cache_status/cache_clear for operator
// diagnostics and manual invalidation.
func registerCacheTools(reg *toolserver.Registry, respCache cache.ResponseCache, logger *audit.Logger, metrics *observability.GatewayMetrics) {
	reg.Register(toolserver.ToolDescriptor{
		Name:        "cache_status",
		Description: "Report response cache size and backend status.",
		InputSchema: map[string]any{"type": "object"},
		Annotations: toolserver.Annotations{ReadOnlyHint: true},
	}, instrumented("cache_status", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		return respCache.Status(ctx)
	}))

	reg.Register(toolserver.ToolDescriptor{
		Name:        "cache_clear",
		Description: "Clear the cached snapshot for one vin.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"vin": map[string]any{"type": "string"}},
			"required":   []string{"vin"},
		},
		Annotations: toolserver.Annotations{ReadOnlyHint: false},
	}, instrumented("cache_clear", "", logger, metrics, func(ctx context.Context, vin string, args map[string]any) (any, error) {
		if err := respCache.Clear(ctx, vin); err != nil {
			return nil, err
		}
		if logger != nil {
			_ = logger.LogCacheClear(ctx, vin)
		}
		return map[string]any{"cleared": vin}, nil
	}))
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// instrumented wraps a tool Handler with the audit log entry and latency/
// error metrics every invocation gets, regardless of whether it is a read
// or a write. command is non-empty only for command-write tools, so reads
// are logged as tool.invoke and writes as command.write.
func instrumented(tool, command string, logger *audit.Logger, metrics *observability.GatewayMetrics, fn toolserver.Handler) toolserver.Handler {
	return func(ctx context.Context, vin string, args map[string]any) (any, error) {
		start := time.Now()
		if metrics != nil {
			metrics.ToolCalls.Inc()
		}
		out, err := fn(ctx, vin, args)
		elapsed := time.Since(start)
		if metrics != nil {
			metrics.ToolLatency.Observe(elapsed.Seconds())
			if err != nil {
				metrics.ToolErrors.Inc()
			}
		}
		if logger != nil {
			result := &audit.EventResult{Status: "success", Duration: elapsed}
			if err != nil {
				result.Status = "failure"
				result.Error = err.Error()
			}
			if command != "" {
				_ = logger.LogCommandWrite(ctx, command, vin, result)
			} else {
				_ = logger.LogToolInvoke(ctx, tool, vin, result)
			}
		}
		return out, err
	}
}

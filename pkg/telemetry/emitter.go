package telemetry

import (
	"math"
	"strings"
	"time"
)

// Event is an outbound req:agent event envelope produced by the Emitter
// and consumed by the gateway bridge.
type Event struct {
	Method string      `json:"method"`
	Params EventParams `json:"params"`
}

// EventParams carries the body of an Event.
type EventParams struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	VIN       string         `json:"vin"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Emitter is a stateless transform from (field, value, vin, ts) to an
// outbound Event, or no event for unmapped fields. Each mapped field
// carries an event-specific data payload:
//
//	Location                  -> location        {latitude, longitude, heading, speed}
//	Soc / BatteryLevel        -> battery         {battery_level}
//	EstBatteryRange           -> battery         {range_miles}
//	InsideTemp / OutsideTemp  -> inside_temp / outside_temp {inside_temp_f / outside_temp_f}
//	VehicleSpeed              -> speed           {speed_mph}
//	ChargeState / DetailedChargeState -> charge_started / charge_complete /
//	                             charge_stopped / charge_state_changed {state}
//	Locked / SentryMode       -> security_changed {field, value}
//	Gear                      -> gear_changed    {gear}
type Emitter struct {
	source string
}

// NewEmitter creates an Emitter tagging events with the given source name.
func NewEmitter(source string) *Emitter {
	return &Emitter{source: source}
}

// Emit produces the outbound event for one filtered datum, or
// (Event{}, false) if the field is not recognized or its value cannot be
// coerced into the event payload.
func (e *Emitter) Emit(field string, value any, vin string, ts time.Time) (Event, bool) {
	eventType, data := buildEventPayload(field, value)
	if data == nil {
		return Event{}, false
	}
	return Event{
		Method: "req:agent",
		Params: EventParams{
			EventType: eventType,
			Source:    e.source,
			VIN:       vin,
			Timestamp: ts,
			Data:      data,
		},
	}, true
}

func buildEventPayload(field string, value any) (string, map[string]any) {
	switch field {
	case "Location":
		loc, ok := value.(Location)
		if !ok {
			return "", nil
		}
		return "location", map[string]any{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"heading":   0.0,
			"speed":     0.0,
		}
	case "Soc", "BatteryLevel":
		f, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		return "battery", map[string]any{"battery_level": f}
	case "EstBatteryRange":
		f, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		return "battery", map[string]any{"range_miles": f}
	case "InsideTemp", "OutsideTemp":
		f, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		eventType := "outside_temp"
		if field == "InsideTemp" {
			eventType = "inside_temp"
		}
		return eventType, map[string]any{eventType + "_f": roundTenth(celsiusToFahrenheit(f))}
	case "VehicleSpeed":
		f, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		return "speed", map[string]any{"speed_mph": f}
	case "ChargeState", "DetailedChargeState":
		state := toStrValue(value)
		if state == nil {
			return "", nil
		}
		return chargeEventType(state.(string)), map[string]any{"state": state}
	case "Locked", "SentryMode":
		return "security_changed", map[string]any{
			"field": strings.ToLower(field),
			"value": value,
		}
	case "Gear":
		gear := toStrValue(value)
		if gear == nil {
			return "", nil
		}
		return "gear_changed", map[string]any{"gear": gear}
	default:
		return "", nil
	}
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9.0/5.0 + 32.0
}

func roundTenth(f float64) float64 {
	return math.Round(f*10) / 10
}

// chargeEventType buckets a charge-state string by substring match into
// one of the four labeled charge events.
func chargeEventType(state string) string {
	lower := strings.ToLower(state)
	switch {
	case strings.Contains(lower, "charging") || lower == "starting":
		return "charge_started"
	case strings.Contains(lower, "complete"):
		return "charge_complete"
	case strings.Contains(lower, "stopped") || strings.Contains(lower, "disconnected"):
		return "charge_stopped"
	default:
		return "charge_state_changed"
	}
}

package telemetry

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// PathUpdate is one (dotted path, value) leaf produced by the mapper for
// a single wire datum.
type PathUpdate struct {
	Path  string
	Value any
}

// fieldMapping pairs a snapshot path with the value coercion applied on
// the way in. A transform returning nil suppresses that leaf.
type fieldMapping struct {
	path      string
	transform func(value any) any
}

// Mapper is a stateless transform: (field_name, value) -> [(path, value)].
// Its table is fixed at construction and enumerates every wire field that
// maps into the snapshot shape; Map never mutates state and is safe for
// concurrent use.
type Mapper struct {
	logger *slog.Logger
	table  map[string][]fieldMapping
}

// NewMapper builds a Mapper with the canonical field mapping table. Keys
// match the vehicle_data.proto Field enum names exactly.
func NewMapper(logger *slog.Logger) *Mapper {
	return &Mapper{logger: logger, table: map[string][]fieldMapping{
		// charge_state
		"Soc":                        {{"charge_state.usable_battery_level", toIntValue}},
		"BatteryLevel":               {{"charge_state.battery_level", toIntValue}},
		"ChargeState":                {{"charge_state.charging_state", toStrValue}},
		"DetailedChargeState":        {{"charge_state.charge_port_latch", toStrValue}},
		"EstBatteryRange":            {{"charge_state.est_battery_range", toFloatValue}},
		"IdealBatteryRange":          {{"charge_state.ideal_battery_range", toFloatValue}},
		"RatedRange":                 {{"charge_state.battery_range", toFloatValue}},
		"ChargerVoltage":             {{"charge_state.charger_voltage", toIntValue}},
		"ChargeAmps":                 {{"charge_state.charge_amps", toIntValue}},
		"ChargerPhases":              {{"charge_state.charger_phases", toIntValue}},
		"ChargeLimitSoc":             {{"charge_state.charge_limit_soc", toIntValue}},
		"ChargeCurrentRequest":       {{"charge_state.charge_current_request", toIntValue}},
		"ChargeCurrentRequestMax":    {{"charge_state.charge_current_request_max", toIntValue}},
		"ChargePortDoorOpen":         {{"charge_state.charge_port_door_open", toBoolValue}},
		"ChargePortLatch":            {{"charge_state.charge_port_latch", toStrValue}},
		"TimeToFullCharge":           {{"charge_state.time_to_full_charge", toFloatValue}},
		"ACChargingPower":            {{"charge_state.charger_power", toFloatValue}},
		"ACChargingEnergyIn":         {{"charge_state.charge_energy_added", toFloatValue}},
		"FastChargerPresent":         {{"charge_state.fast_charger_present", toBoolValue}},
		"ScheduledChargingMode":      {{"charge_state.scheduled_charging_mode", toStrValue}},
		"ScheduledChargingPending":   {{"charge_state.scheduled_charging_pending", toBoolValue}},
		"ScheduledChargingStartTime": {{"charge_state.scheduled_charging_start_time", toFloatValue}},
		"ScheduledDepartureTime":     {{"charge_state.scheduled_departure_time_minutes", toIntValue}},
		"EnergyRemaining":            {{"charge_state.energy_remaining", toFloatValue}},
		"PackVoltage":                {{"charge_state.pack_voltage", toFloatValue}},
		"PackCurrent":                {{"charge_state.pack_current", toFloatValue}},
		"ChargingCableType":          {{"charge_state.conn_charge_cable", toStrValue}},
		// climate_state
		"InsideTemp":                  {{"climate_state.inside_temp", toFloatValue}},
		"OutsideTemp":                 {{"climate_state.outside_temp", toFloatValue}},
		"HvacLeftTemperatureRequest":  {{"climate_state.driver_temp_setting", toFloatValue}},
		"HvacRightTemperatureRequest": {{"climate_state.passenger_temp_setting", toFloatValue}},
		"HvacPower":                   {{"climate_state.is_climate_on", toBoolValue}},
		"HvacFanStatus":               {{"climate_state.fan_status", toIntValue}},
		"SeatHeaterLeft":              {{"climate_state.seat_heater_left", toIntValue}},
		"SeatHeaterRight":             {{"climate_state.seat_heater_right", toIntValue}},
		"SeatHeaterRearLeft":          {{"climate_state.seat_heater_rear_left", toIntValue}},
		"SeatHeaterRearCenter":        {{"climate_state.seat_heater_rear_center", toIntValue}},
		"SeatHeaterRearRight":         {{"climate_state.seat_heater_rear_right", toIntValue}},
		"HvacSteeringWheelHeatLevel":  {{"climate_state.steering_wheel_heater", toBoolValue}},
		"DefrostMode":                 {{"climate_state.defrost_mode", toIntValue}},
		"CabinOverheatProtectionMode": {{"climate_state.cabin_overheat_protection", toStrValue}},
		"PreconditioningEnabled":      {{"climate_state.is_preconditioning", toBoolValue}},
		// drive_state
		"Location": {
			{"drive_state.latitude", extractLatitude},
			{"drive_state.longitude", extractLongitude},
		},
		"VehicleSpeed": {{"drive_state.speed", toIntValue}},
		"GpsHeading":   {{"drive_state.heading", toIntValue}},
		"Gear":         {{"drive_state.shift_state", gearStr}},
		// vehicle_state
		"Locked":             {{"vehicle_state.locked", toBoolValue}},
		"SentryMode":         {{"vehicle_state.sentry_mode", toBoolValue}},
		"Odometer":           {{"vehicle_state.odometer", toFloatValue}},
		"Version":            {{"vehicle_state.car_version", toStrValue}},
		"ValetModeEnabled":   {{"vehicle_state.valet_mode", toBoolValue}},
		"TpmsPressureFl":     {{"vehicle_state.tpms_pressure_fl", toFloatValue}},
		"TpmsPressureFr":     {{"vehicle_state.tpms_pressure_fr", toFloatValue}},
		"TpmsPressureRl":     {{"vehicle_state.tpms_pressure_rl", toFloatValue}},
		"TpmsPressureRr":     {{"vehicle_state.tpms_pressure_rr", toFloatValue}},
		"CenterDisplay":      {{"vehicle_state.center_display_state", toIntValue}},
		"HomelinkNearby":     {{"vehicle_state.homelink_nearby", toBoolValue}},
		"DriverSeatOccupied": {{"vehicle_state.is_user_present", toBoolValue}},
		"RemoteStartEnabled": {{"vehicle_state.remote_start", toBoolValue}},
	}}
}

// Map translates one decoded datum into zero or more snapshot leaf updates.
// A panic inside a transform is caught and logged; the offending datum is
// omitted rather than taking down the caller.
func (m *Mapper) Map(fieldName string, value any) (updates []PathUpdate) {
	mappings, ok := m.table[fieldName]
	if !ok {
		return nil
	}

	for _, mapping := range mappings {
		if v := m.applyTransform(fieldName, mapping, value); v != nil {
			updates = append(updates, PathUpdate{Path: mapping.path, Value: v})
		}
	}
	return updates
}

// applyTransform isolates one transform call so a panic drops only that
// tuple, not the datum's other leaf updates.
func (m *Mapper) applyTransform(fieldName string, mapping fieldMapping, value any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Error("field transform panicked", "field", fieldName, "path", mapping.path, "recover", r)
			}
			out = nil
		}
	}()
	return mapping.transform(value)
}

// MappedFields returns the set of field names the table covers.
func (m *Mapper) MappedFields() []string {
	out := make([]string, 0, len(m.table))
	for name := range m.table {
		out = append(out, name)
	}
	return out
}

func extractLatitude(value any) any {
	loc, ok := value.(Location)
	if !ok {
		return nil
	}
	return loc.Latitude
}

func extractLongitude(value any) any {
	loc, ok := value.(Location)
	if !ok {
		return nil
	}
	return loc.Longitude
}

func toIntValue(value any) any {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(n)
		}
	}
	return nil
}

func toFloatValue(value any) any {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return nil
}

func toBoolValue(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		default:
			return false
		}
	}
	return nil
}

func toStrValue(value any) any {
	if value == nil {
		return nil
	}
	return fmt.Sprintf("%v", value)
}

// gearStr maps gear enum values to the API's shift_state strings, e.g.
// "Drive" -> "D".
func gearStr(value any) any {
	if value == nil {
		return nil
	}
	s := fmt.Sprintf("%v", value)
	switch s {
	case "P", "Park":
		return "P"
	case "R", "Reverse":
		return "R"
	case "N", "Neutral":
		return "N"
	case "D", "Drive", "DriveSport":
		return "D"
	case "":
		return nil
	default:
		return s
	}
}

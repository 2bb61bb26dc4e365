package telemetry

import "fmt"

// FieldNames maps the wire field-id enum to its canonical name. IDs and
// names match the fleet telemetry vehicle_data.proto Field enum exactly;
// Unknown (0), the Deprecated_* ids, and the Experimental_* ids are
// excluded. Unmapped ids decode as "Unknown(<id>)".
var FieldNames = map[int]string{
	// Drive / Motion
	1:   "DriveRail",
	4:   "VehicleSpeed",
	5:   "Odometer",
	10:  "Gear",
	12:  "PedalPosition",
	13:  "BrakePedal",
	21:  "Location",
	22:  "GpsState",
	23:  "GpsHeading",
	98:  "LateralAcceleration",
	99:  "LongitudinalAcceleration",
	101: "CruiseSetSpeed",
	106: "BrakePedalPos",
	126: "CruiseFollowDistance",
	129: "SpeedLimitWarning",
	// Battery / Energy
	6:   "PackVoltage",
	7:   "PackCurrent",
	8:   "Soc",
	9:   "DCDCEnable",
	11:  "IsolationResistance",
	24:  "NumBrickVoltageMax",
	25:  "BrickVoltageMax",
	26:  "NumBrickVoltageMin",
	27:  "BrickVoltageMin",
	28:  "NumModuleTempMax",
	29:  "ModuleTempMax",
	30:  "NumModuleTempMin",
	31:  "ModuleTempMin",
	32:  "RatedRange",
	33:  "Hvil",
	40:  "EstBatteryRange",
	41:  "IdealBatteryRange",
	42:  "BatteryLevel",
	55:  "BatteryHeaterOn",
	56:  "NotEnoughPowerToHeat",
	102: "LifetimeEnergyUsed",
	103: "LifetimeEnergyUsedDrive",
	134: "LifetimeEnergyGainedRegen",
	158: "EnergyRemaining",
	160: "BMSState",
	// Charging
	2:   "ChargeState",
	3:   "BmsFullchargecomplete",
	34:  "DCChargingEnergyIn",
	35:  "DCChargingPower",
	36:  "ACChargingEnergyIn",
	37:  "ACChargingPower",
	38:  "ChargeLimitSoc",
	39:  "FastChargerPresent",
	43:  "TimeToFullCharge",
	44:  "ScheduledChargingStartTime",
	45:  "ScheduledChargingPending",
	46:  "ScheduledDepartureTime",
	47:  "PreconditioningEnabled",
	48:  "ScheduledChargingMode",
	49:  "ChargeAmps",
	50:  "ChargeEnableRequest",
	51:  "ChargerPhases",
	52:  "ChargePortColdWeatherMode",
	53:  "ChargeCurrentRequest",
	54:  "ChargeCurrentRequestMax",
	57:  "SuperchargerSessionTripPlanner",
	117: "ChargePort",
	118: "ChargePortLatch",
	179: "DetailedChargeState",
	183: "ChargePortDoorOpen",
	184: "ChargerVoltage",
	185: "ChargingCableType",
	190: "EstimatedHoursToChargeTermination",
	193: "FastChargerType",
	256: "ChargeRateMilePerHour",
	// Climate / HVAC
	85:  "InsideTemp",
	86:  "OutsideTemp",
	87:  "SeatHeaterLeft",
	88:  "SeatHeaterRight",
	89:  "SeatHeaterRearLeft",
	90:  "SeatHeaterRearRight",
	91:  "SeatHeaterRearCenter",
	92:  "AutoSeatClimateLeft",
	93:  "AutoSeatClimateRight",
	186: "ClimateKeeperMode",
	187: "DefrostForPreconditioning",
	188: "DefrostMode",
	196: "HvacACEnabled",
	197: "HvacAutoMode",
	198: "HvacFanSpeed",
	199: "HvacFanStatus",
	200: "HvacLeftTemperatureRequest",
	201: "HvacPower",
	202: "HvacRightTemperatureRequest",
	203: "HvacSteeringWheelHeatAuto",
	204: "HvacSteeringWheelHeatLevel",
	211: "RearDisplayHvacEnabled",
	237: "ClimateSeatCoolingFrontLeft",
	238: "ClimateSeatCoolingFrontRight",
	254: "SeatVentEnabled",
	255: "RearDefrostEnabled",
	180: "CabinOverheatProtectionMode",
	181: "CabinOverheatProtectionTemperatureLimit",
	// Security / Doors / Windows
	58:  "DoorState",
	59:  "Locked",
	60:  "FdWindow",
	61:  "FpWindow",
	62:  "RdWindow",
	63:  "RpWindow",
	64:  "VehicleName",
	65:  "SentryMode",
	66:  "SpeedLimitMode",
	67:  "CurrentLimitMph",
	68:  "Version",
	94:  "DriverSeatBelt",
	95:  "PassengerSeatBelt",
	96:  "DriverSeatOccupied",
	123: "GuestModeEnabled",
	124: "PinToDriveEnabled",
	125: "PairedPhoneKeyAndKeyFobQty",
	159: "ServiceMode",
	161: "GuestModeMobileAccessState",
	182: "CenterDisplay",
	213: "RemoteStartEnabled",
	226: "ValetModeEnabled",
	// Tires
	69:  "TpmsPressureFl",
	70:  "TpmsPressureFr",
	71:  "TpmsPressureRl",
	72:  "TpmsPressureRr",
	81:  "TpmsLastSeenPressureTimeFl",
	82:  "TpmsLastSeenPressureTimeFr",
	83:  "TpmsLastSeenPressureTimeRl",
	84:  "TpmsLastSeenPressureTimeRr",
	224: "TpmsHardWarnings",
	225: "TpmsSoftWarnings",
	// Drive Inverter (per-motor diagnostics)
	14:  "DiStateR",
	15:  "DiHeatsinkTR",
	16:  "DiAxleSpeedR",
	17:  "DiTorquemotor",
	18:  "DiStatorTempR",
	19:  "DiVBatR",
	20:  "DiMotorCurrentR",
	135: "DiStateF",
	136: "DiStateREL",
	137: "DiStateRER",
	138: "DiHeatsinkTF",
	139: "DiHeatsinkTREL",
	140: "DiHeatsinkTRER",
	141: "DiAxleSpeedF",
	142: "DiAxleSpeedREL",
	143: "DiAxleSpeedRER",
	144: "DiSlaveTorqueCmd",
	145: "DiTorqueActualR",
	146: "DiTorqueActualF",
	147: "DiTorqueActualREL",
	148: "DiTorqueActualRER",
	149: "DiStatorTempF",
	150: "DiStatorTempREL",
	151: "DiStatorTempRER",
	152: "DiVBatF",
	153: "DiVBatREL",
	154: "DiVBatRER",
	155: "DiMotorCurrentF",
	156: "DiMotorCurrentREL",
	157: "DiMotorCurrentRER",
	164: "DiInverterTR",
	165: "DiInverterTF",
	166: "DiInverterTREL",
	167: "DiInverterTRER",
	// Navigation / Route
	107: "RouteLastUpdated",
	108: "RouteLine",
	109: "MilesToArrival",
	110: "MinutesToArrival",
	111: "OriginLocation",
	112: "DestinationLocation",
	163: "DestinationName",
	215: "RouteTrafficMinutesDelay",
	192: "ExpectedEnergyPercentAtTripArrival",
	// Vehicle Info / Config
	113: "CarType",
	114: "Trim",
	115: "ExteriorColor",
	116: "RoofColor",
	189: "EfficiencyPackage",
	191: "EuropeVehicle",
	214: "RightHandDrive",
	227: "WheelType",
	228: "WiperHeatEnabled",
	// Safety / ADAS
	127: "AutomaticBlindSpotCamera",
	128: "BlindSpotCollisionWarningChime",
	130: "ForwardCollisionWarning",
	131: "LaneDepartureAvoidance",
	132: "EmergencyLaneDepartureAvoidance",
	133: "AutomaticEmergencyBrakingOff",
	// Powershare
	206: "PowershareHoursLeft",
	207: "PowershareInstantaneousPowerKW",
	208: "PowershareStatus",
	209: "PowershareStopReason",
	210: "PowershareType",
	// Homelink
	194: "HomelinkDeviceCount",
	195: "HomelinkNearby",
	// Software Updates
	216: "SoftwareUpdateDownloadPercentComplete",
	217: "SoftwareUpdateExpectedDurationMinutes",
	218: "SoftwareUpdateInstallationPercentComplete",
	219: "SoftwareUpdateScheduledStartTime",
	220: "SoftwareUpdateVersion",
	// Tonneau
	221: "TonneauOpenPercent",
	222: "TonneauPosition",
	223: "TonneauTentMode",
	// Location Context
	229: "LocatedAtHome",
	230: "LocatedAtWork",
	231: "LocatedAtFavorite",
	// Settings
	232: "SettingDistanceUnit",
	233: "SettingTemperatureUnit",
	234: "Setting24HourTime",
	235: "SettingTirePressureUnit",
	236: "SettingChargeUnit",
	// Lights
	239: "LightsHazardsActive",
	240: "LightsTurnSignal",
	241: "LightsHighBeams",
	// Media
	242: "MediaPlaybackStatus",
	243: "MediaPlaybackSource",
	244: "MediaAudioVolume",
	245: "MediaNowPlayingDuration",
	246: "MediaNowPlayingElapsed",
	247: "MediaNowPlayingArtist",
	248: "MediaNowPlayingTitle",
	249: "MediaNowPlayingAlbum",
	250: "MediaNowPlayingStation",
	251: "MediaAudioVolumeIncrement",
	252: "MediaAudioVolumeMax",
	// Misc
	205: "OffroadLightbarPresent",
	212: "RearSeatHeaters",
	253: "SunroofInstalled",
	258: "MilesSinceReset",
	259: "SelfDrivingMilesSinceReset",
	// Semi-truck (in the proto, excluded from presets)
	73:  "SemitruckTpmsPressureRe1L0",
	74:  "SemitruckTpmsPressureRe1L1",
	75:  "SemitruckTpmsPressureRe1R0",
	76:  "SemitruckTpmsPressureRe1R1",
	77:  "SemitruckTpmsPressureRe2L0",
	78:  "SemitruckTpmsPressureRe2L1",
	79:  "SemitruckTpmsPressureRe2R0",
	80:  "SemitruckTpmsPressureRe2R1",
	97:  "SemitruckPassengerSeatFoldPosition",
	104: "SemitruckTractorParkBrakeStatus",
	105: "SemitruckTrailerParkBrakeStatus",
}

// nameToID is the reverse lookup used to validate --fields lists.
var nameToID = func() map[string]int {
	m := make(map[string]int, len(FieldNames))
	for id, name := range FieldNames {
		m[name] = id
	}
	return m
}()

// nonStreamable lists fields present in the proto that the "all" preset
// must exclude: semi-truck fields fail on consumer vehicles,
// LifetimeEnergyGainedRegen returns unsupported_field on many vehicles,
// and the *SinceReset counters need minimum_delta config rather than
// interval_seconds.
var nonStreamable = func() map[string]bool {
	m := map[string]bool{
		"LifetimeEnergyGainedRegen":  true,
		"MilesSinceReset":            true,
		"SelfDrivingMilesSinceReset": true,
	}
	for _, name := range FieldNames {
		if len(name) > 9 && name[:9] == "Semitruck" {
			m[name] = true
		}
	}
	return m
}()

// defaultFields is the "default" preset: the everyday field set with per
// -field polling intervals in seconds.
var defaultFields = map[string]int{
	"Soc":          10,
	"VehicleSpeed": 1,
	"Location":     5,
	"ChargeState":  10,
	"InsideTemp":   30,
	"OutsideTemp":  60,
	"Odometer":     60,
	"BatteryLevel": 10,
	"Gear":         1,
	"PackVoltage":  10,
	"PackCurrent":  10,
}

// Presets maps a preset name to field names with per-field polling
// intervals (seconds). The "all" preset streams every proto field except
// the nonStreamable set.
var Presets = func() map[string]map[string]int {
	all := make(map[string]int, len(FieldNames))
	for _, name := range FieldNames {
		if !nonStreamable[name] {
			all[name] = 30
		}
	}
	return map[string]map[string]int{
		"default": defaultFields,
		"driving": {
			"VehicleSpeed":             1,
			"Location":                 1,
			"Gear":                     1,
			"GpsHeading":               1,
			"Odometer":                 10,
			"BatteryLevel":             10,
			"Soc":                      10,
			"PackCurrent":              5,
			"PackVoltage":              5,
			"CruiseSetSpeed":           5,
			"LateralAcceleration":      5,
			"LongitudinalAcceleration": 5,
			"BrakePedalPos":            5,
			"PedalPosition":            5,
		},
		"charging": {
			"Soc":                5,
			"BatteryLevel":       5,
			"PackVoltage":        5,
			"PackCurrent":        5,
			"ChargeState":        5,
			"ChargeAmps":         5,
			"ChargerVoltage":     5,
			"ChargerPhases":      30,
			"ACChargingPower":    5,
			"DCChargingPower":    5,
			"TimeToFullCharge":   30,
			"ChargeLimitSoc":     60,
			"ChargePortDoorOpen": 60,
			"BatteryHeaterOn":    30,
			"InsideTemp":         60,
		},
		"climate": {
			"InsideTemp":                  10,
			"OutsideTemp":                 30,
			"HvacLeftTemperatureRequest":  30,
			"HvacRightTemperatureRequest": 30,
			"HvacPower":                   10,
			"HvacFanStatus":               10,
			"SeatHeaterLeft":              30,
			"SeatHeaterRight":             30,
			"HvacSteeringWheelHeatLevel":  30,
			"CabinOverheatProtectionMode": 60,
			"DefrostMode":                 30,
			"PreconditioningEnabled":      30,
		},
		"all": all,
	}
}()

// defaultListInterval is the interval assigned to fields named explicitly
// in a comma-separated --fields list.
const defaultListInterval = 10

// ResolveFields expands the "--fields" flag value: either a preset name
// or a comma-separated field list. Returns field names with their polling
// interval in seconds. intervalOverride, when positive, replaces every
// field's interval. Unknown field names are an error.
func ResolveFields(spec string, intervalOverride int) (map[string]int, error) {
	fields := make(map[string]int)
	if preset, ok := Presets[spec]; ok {
		for name, interval := range preset {
			fields[name] = interval
		}
	} else {
		for _, name := range splitCSV(spec) {
			if _, known := nameToID[name]; !known {
				return nil, fmt.Errorf("telemetry: unknown field %q (presets: all, charging, climate, default, driving)", name)
			}
			fields[name] = defaultListInterval
		}
	}

	if intervalOverride > 0 {
		for name := range fields {
			fields[name] = intervalOverride
		}
	}
	return fields, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

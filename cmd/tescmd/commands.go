package main

import "github.com/oceanswave/tescmd-gateway/pkg/dispatcher"

// commandSpecs is the fixed catalog of writable commands this gateway
// knows how to route and sign. Per-command wire-payload encoding is
// delegated to jsonPayloadBuilder (see fleetapi.go); this table only
// carries the routing/signing metadata CommandDispatcher needs.
var commandSpecs = []dispatcher.CommandSpec{
	{Name: "security_lock", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "door_lock"},
	{Name: "security_unlock", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "door_unlock"},
	{Name: "actuate_trunk", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "actuate_trunk", RequiredParams: []string{"which_trunk"}},
	{Name: "honk_horn", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "honk_horn"},
	{Name: "flash_lights", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "flash_lights"},
	{Name: "remote_start", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "remote_start_drive"},
	{Name: "vent_windows", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "window_control", RequiredParams: []string{"command"}},
	{Name: "trigger_homelink", Domain: dispatcher.DomainVCSEC, RequiresSigning: true, ActionType: "trigger_homelink", RequiredParams: []string{"lat", "lon"}},

	{Name: "charge_start", Domain: dispatcher.DomainInfotainment, RequiresSigning: false, ActionType: "charge_start"},
	{Name: "charge_stop", Domain: dispatcher.DomainInfotainment, RequiresSigning: false, ActionType: "charge_stop"},
	{Name: "set_charge_limit", Domain: dispatcher.DomainInfotainment, RequiresSigning: false, ActionType: "set_charge_limit", RequiredParams: []string{"percent"}},
	{Name: "climate_on", Domain: dispatcher.DomainInfotainment, RequiresSigning: false, ActionType: "auto_conditioning_start"},
	{Name: "climate_off", Domain: dispatcher.DomainInfotainment, RequiresSigning: false, ActionType: "auto_conditioning_stop"},
	{Name: "set_temps", Domain: dispatcher.DomainInfotainment, RequiresSigning: false, ActionType: "set_temps", RequiredParams: []string{"driver_temp"}},

	{Name: "set_preconditioning_max", Domain: dispatcher.DomainBroadcast, RequiresSigning: false, ActionType: "set_preconditioning_max"},
}

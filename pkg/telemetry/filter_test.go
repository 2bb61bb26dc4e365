package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineSanity(t *testing.T) {
	p := Location{Latitude: 37.7749, Longitude: -122.4194}
	assert.Equal(t, 0.0, HaversineMeters(p, p))

	q := Location{Latitude: 37.7750, Longitude: -122.4194}
	assert.Equal(t, HaversineMeters(p, q), HaversineMeters(q, p))

	// ~0.0001 degrees of latitude is close to 11.1m; use a pair ~111m apart.
	far := Location{Latitude: 37.7759, Longitude: -122.4194}
	d := HaversineMeters(p, far)
	assert.InDelta(t, 111, d, 15)
}

func TestDualGateFilterThrottle(t *testing.T) {
	f := NewDualGateFilter(map[string]FieldFilterConfig{
		"Soc": {Enabled: true, Granularity: 0, ThrottleSeconds: 10},
	})

	require.True(t, f.ShouldEmit("Soc", 50))
	f.RecordEmit("Soc", 50)

	// Different value but within throttle window must still reject.
	assert.False(t, f.ShouldEmit("Soc", 60))
}

func TestDualGateFilterGranularityZeroRejectsSameValue(t *testing.T) {
	f := NewDualGateFilter(map[string]FieldFilterConfig{
		"Soc": {Enabled: true, Granularity: 0},
	})
	require.True(t, f.ShouldEmit("Soc", 50))
	f.RecordEmit("Soc", 50)
	assert.False(t, f.ShouldEmit("Soc", 50))
}

func TestDualGateFilterUnknownFieldRejects(t *testing.T) {
	f := NewDualGateFilter(map[string]FieldFilterConfig{})
	assert.False(t, f.ShouldEmit("Unmapped", 1))
}

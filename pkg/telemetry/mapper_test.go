package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapperDeterminism(t *testing.T) {
	m := NewMapper(nil)

	for _, field := range []string{"Soc", "Location", "VehicleSpeed"} {
		var value any = 42.0
		if field == "Location" {
			value = Location{Latitude: 1, Longitude: 2}
		}
		first := m.Map(field, value)
		second := m.Map(field, value)
		assert.Equal(t, first, second)
	}
}

func TestMapperLocationProducesTwoLeaves(t *testing.T) {
	m := NewMapper(nil)
	updates := m.Map("Location", Location{Latitude: 37.77, Longitude: -122.42})
	assert := assert.New(t)
	assert.Len(updates, 2)
	assert.Equal("drive_state.latitude", updates[0].Path)
	assert.Equal("drive_state.longitude", updates[1].Path)
}

func TestMapperUnknownFieldYieldsNoUpdates(t *testing.T) {
	m := NewMapper(nil)
	assert.Nil(t, m.Map("NotAField", 1))
}

func TestMapperCoercesValueTypes(t *testing.T) {
	m := NewMapper(nil)

	updates := m.Map("Soc", 72.9)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(72), updates[0].Value)

	updates = m.Map("Gear", "Drive")
	require.Len(t, updates, 1)
	assert.Equal(t, "drive_state.shift_state", updates[0].Path)
	assert.Equal(t, "D", updates[0].Value)

	updates = m.Map("Locked", int64(1))
	require.Len(t, updates, 1)
	assert.Equal(t, true, updates[0].Value)

	updates = m.Map("ChargeState", "Charging")
	require.Len(t, updates, 1)
	assert.Equal(t, "Charging", updates[0].Value)
}

func TestMapperSuppressesUncoercibleValues(t *testing.T) {
	m := NewMapper(nil)
	assert.Empty(t, m.Map("Soc", "not-a-number"))
	assert.Empty(t, m.Map("Location", "not-a-location"))
}

func TestMergeCommutativity(t *testing.T) {
	base := Snapshot{"a": 1}
	left := Snapshot{"b": Snapshot{"x": 1}}
	right := Snapshot{"c": Snapshot{"y": 2}}

	m1 := Merge(Merge(base, left), right)
	m2 := Merge(Merge(base, right), left)
	assert.Equal(t, m1, m2)
}

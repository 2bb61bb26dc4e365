package triggers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

func TestCreateEnforcesLimit(t *testing.T) {
	m := NewManager(nil)
	for i := 0; i < MaxTriggers; i++ {
		_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(20)}, false, 0)
		require.NoError(t, err)
	}
	_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(20)}, false, 0)
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestDeleteIsIdempotentAndIndexConsistent(t *testing.T) {
	m := NewManager(nil)
	def, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(20)}, false, 0)
	require.NoError(t, err)

	m.Delete(def.ID)
	m.Delete(def.ID) // idempotent

	assert.Empty(t, m.List())
	assert.Empty(t, m.fieldIdx)
}

func TestOnceTriggerFiresOnceAndAutoDeletes(t *testing.T) {
	m := NewManager(nil)
	def, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(20)}, true, 0)
	require.NoError(t, err)

	m.Evaluate("Soc", float64(15), float64(25), "VIN1", time.Now())
	pending := m.DrainPending()
	require.Len(t, pending, 1)
	assert.Equal(t, def.ID, pending[0].TriggerID)

	_, ok := m.Get(def.ID)
	assert.False(t, ok)

	m.Evaluate("Soc", float64(10), float64(15), "VIN1", time.Now())
	assert.Empty(t, m.DrainPending())
}

func TestCooldownSuppressesRefire(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(20)}, false, 60)
	require.NoError(t, err)

	m.Evaluate("Soc", float64(15), float64(25), "VIN1", time.Now())
	require.Len(t, m.DrainPending(), 1)

	m.Evaluate("Soc", float64(10), float64(15), "VIN1", time.Now())
	assert.Empty(t, m.DrainPending())
}

func TestGeofenceEnterAndLeave(t *testing.T) {
	m := NewManager(nil)
	fence := Geofence{Latitude: 37.77, Longitude: -122.42, RadiusM: 200}
	inside := telemetry.Location{Latitude: 37.77, Longitude: -122.42}
	outside := telemetry.Location{Latitude: 38.0, Longitude: -122.0}

	enterDef, err := m.Create(Condition{Field: "Location", Operator: OpEnter, Value: fence}, false, 0)
	require.NoError(t, err)
	m.Evaluate("Location", inside, outside, "VIN1", time.Now())
	pending := m.DrainPending()
	require.Len(t, pending, 1)
	assert.Equal(t, enterDef.ID, pending[0].TriggerID)

	m.Delete(enterDef.ID)
	leaveDef, err := m.Create(Condition{Field: "Location", Operator: OpLeave, Value: fence}, false, 0)
	require.NoError(t, err)
	m.Evaluate("Location", outside, inside, "VIN1", time.Now())
	pending = m.DrainPending()
	require.Len(t, pending, 1)
	assert.Equal(t, leaveDef.ID, pending[0].TriggerID)

	// No previous value: neither operator fires.
	m.Evaluate("Location", inside, nil, "VIN1", time.Now())
	assert.Empty(t, m.DrainPending())
}

func TestChangedOperator(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(Condition{Field: "Gear", Operator: OpChanged}, false, 0)
	require.NoError(t, err)

	m.Evaluate("Gear", "D", "P", "VIN1", time.Now())
	assert.Len(t, m.DrainPending(), 1)

	m.Evaluate("Gear", "D", "D", "VIN1", time.Now())
	assert.Empty(t, m.DrainPending())
}

func TestCallbackPanicIsolation(t *testing.T) {
	m := NewManager(nil)
	var secondRan bool
	m.OnFire(func(Definition, Notification) { panic("boom") })
	m.OnFire(func(Definition, Notification) { secondRan = true })

	_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(20)}, false, 0)
	require.NoError(t, err)
	m.Evaluate("Soc", float64(15), float64(25), "VIN1", time.Now())

	assert.True(t, secondRan)
	assert.Len(t, m.DrainPending(), 1)
}

// Package triggers implements the registered-condition evaluation engine:
// creation under a fixed cap, an inverted field index, cooldown and
// one-shot semantics, geofence enter/leave, and a bounded pending-
// notification deque drained by pollers and pushed by the gateway bridge.
package triggers

import (
	"encoding/base32"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// Operator is one of the comparison/geofence operators a Condition uses.
type Operator string

const (
	OpLT      Operator = "lt"
	OpGT      Operator = "gt"
	OpLTE     Operator = "lte"
	OpGTE     Operator = "gte"
	OpEQ      Operator = "eq"
	OpNEQ     Operator = "neq"
	OpChanged Operator = "changed"
	OpEnter   Operator = "enter"
	OpLeave   Operator = "leave"
)

// MaxTriggers is the hard cap on simultaneously registered triggers.
const MaxTriggers = 100

// MaxPending is the cap on the bounded pending-notification deque; the
// oldest notification is discarded once it is exceeded.
const MaxPending = 500

// Geofence is the {latitude, longitude, radius_m} circle used by the
// enter/leave operators.
type Geofence struct {
	Latitude  float64
	Longitude float64
	RadiusM   float64
}

// Condition is the field/operator/value triple a trigger evaluates.
type Condition struct {
	Field    string
	Operator Operator
	Value    any // number for lt/gt/lte/gte/eq/neq; absent for changed; Geofence for enter/leave
}

// Definition is one registered trigger.
type Definition struct {
	ID              string
	Condition       Condition
	Once            bool
	CooldownSeconds float64
	CreatedAt       time.Time

	lastFireMono time.Time
	hasFired     bool
}

// Notification is produced when a trigger fires.
type Notification struct {
	TriggerID     string    `json:"trigger_id"`
	Field         string    `json:"field"`
	Operator      Operator  `json:"operator"`
	Threshold     any       `json:"threshold"`
	Value         any       `json:"value"`
	PreviousValue any       `json:"previous_value"`
	FiredAt       time.Time `json:"fired_at"`
	VIN           string    `json:"vin"`
}

// OnFireCallback is invoked synchronously when a trigger fires. Every
// registered callback runs even if an earlier one panics or returns.
type OnFireCallback func(Definition, Notification)

// ErrLimitReached is returned by Create once MaxTriggers already exist.
var ErrLimitReached = fmt.Errorf("triggers: limit of %d reached", MaxTriggers)

// Manager holds registered triggers keyed by id, an inverted field index,
// a bounded pending-notification deque, and the callbacks invoked on fire.
// Every method takes mu, so a Manager is safe for concurrent use; on-fire
// callbacks run after mu is released.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	byID      map[string]*Definition
	fieldIdx  map[string]map[string]struct{}
	pending   []Notification
	callbacks []OnFireCallback
}

// NewManager creates an empty trigger manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger,
		now:      time.Now,
		byID:     make(map[string]*Definition),
		fieldIdx: make(map[string]map[string]struct{}),
	}
}

// OnFire registers a callback invoked whenever any trigger fires.
func (m *Manager) OnFire(cb OnFireCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Create registers a new trigger, enforcing the 100-trigger cap.
func (m *Manager) Create(cond Condition, once bool, cooldownSeconds float64) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byID) >= MaxTriggers {
		return nil, ErrLimitReached
	}

	id, err := newTriggerID()
	if err != nil {
		return nil, fmt.Errorf("triggers: generate id: %w", err)
	}

	def := &Definition{
		ID:              id,
		Condition:       cond,
		Once:            once,
		CooldownSeconds: cooldownSeconds,
		CreatedAt:       m.now(),
	}
	m.byID[id] = def

	idx, ok := m.fieldIdx[cond.Field]
	if !ok {
		idx = make(map[string]struct{})
		m.fieldIdx[cond.Field] = idx
	}
	idx[id] = struct{}{}

	return def, nil
}

// Delete removes a trigger by id from both the primary map and the field
// index. Deleting an unknown id is a no-op (idempotent).
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(id)
}

func (m *Manager) deleteLocked(id string) {
	def, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if idx, ok := m.fieldIdx[def.Condition.Field]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(m.fieldIdx, def.Condition.Field)
		}
	}
}

// List returns every currently registered trigger.
func (m *Manager) List() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.byID))
	for _, def := range m.byID {
		out = append(out, *def)
	}
	return out
}

// Get returns the trigger with the given id, if any.
func (m *Manager) Get(id string) (Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.byID[id]
	if !ok {
		return Definition{}, false
	}
	return *def, true
}

// Evaluate runs every trigger indexed against field, in arbitrary order,
// against the current/previous value pair. Firing appends a notification,
// invokes on-fire callbacks (each isolated so a panic in one does not
// suppress the rest), and deletes one-shot triggers.
func (m *Manager) Evaluate(field string, value, previous any, vin string, ts time.Time) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.fieldIdx[field]))
	for id := range m.fieldIdx[field] {
		ids = append(ids, id)
	}

	var fired []firedTrigger
	for _, id := range ids {
		def, ok := m.byID[id]
		if !ok {
			continue
		}
		if def.hasFired && def.CooldownSeconds > 0 {
			if m.now().Sub(def.lastFireMono).Seconds() < def.CooldownSeconds {
				continue
			}
		}
		if !fires(def.Condition, value, previous) {
			continue
		}

		def.lastFireMono = m.now()
		def.hasFired = true

		notif := Notification{
			TriggerID:     def.ID,
			Field:         field,
			Operator:      def.Condition.Operator,
			Threshold:     def.Condition.Value,
			Value:         value,
			PreviousValue: previous,
			FiredAt:       ts,
			VIN:           vin,
		}
		m.pending = append(m.pending, notif)
		if len(m.pending) > MaxPending {
			m.pending = m.pending[len(m.pending)-MaxPending:]
		}

		fired = append(fired, firedTrigger{def: *def, notif: notif})

		if def.Once {
			m.deleteLocked(id)
		}
	}
	callbacks := append([]OnFireCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, ft := range fired {
		for _, cb := range callbacks {
			m.invokeCallback(cb, ft.def, ft.notif)
		}
	}
}

type firedTrigger struct {
	def   Definition
	notif Notification
}

func (m *Manager) invokeCallback(cb OnFireCallback, def Definition, notif Notification) {
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Error("trigger on-fire callback panicked", "trigger_id", def.ID, "recover", r)
			}
		}
	}()
	cb(def, notif)
}

// DrainPending atomically returns and clears the pending-notification
// deque.
func (m *Manager) DrainPending() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// fires applies the condition's operator to (value, previous).
func fires(cond Condition, value, previous any) bool {
	switch cond.Operator {
	case OpLT, OpGT, OpLTE, OpGTE:
		cur, curOK := toFloat(value)
		threshold, thrOK := toFloat(cond.Value)
		if !curOK || !thrOK {
			return false
		}
		switch cond.Operator {
		case OpLT:
			return cur < threshold
		case OpGT:
			return cur > threshold
		case OpLTE:
			return cur <= threshold
		default:
			return cur >= threshold
		}
	case OpEQ:
		return cur(value) == cur(cond.Value)
	case OpNEQ:
		return cur(value) != cur(cond.Value)
	case OpChanged:
		return value != previous
	case OpEnter, OpLeave:
		fence, ok := cond.Value.(Geofence)
		if !ok {
			return false
		}
		curPoint, curOK := value.(telemetry.Location)
		prevPoint, prevOK := previous.(telemetry.Location)
		if !curOK || !prevOK {
			return false
		}
		curInside := inside(fence, curPoint)
		prevInside := inside(fence, prevPoint)
		if cond.Operator == OpEnter {
			return curInside && !prevInside
		}
		return !curInside && prevInside
	default:
		return false
	}
}

// cur normalizes a comparable value for structural equality: numeric types
// compare by float value so eq/neq are insensitive to int-vs-float wire
// representation.
func cur(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func inside(fence Geofence, p telemetry.Location) bool {
	d := telemetry.HaversineMeters(telemetry.Location{Latitude: fence.Latitude, Longitude: fence.Longitude}, p)
	return d <= fence.RadiusM
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// newTriggerID generates a 12-character opaque trigger id: a fresh uuid's
// raw bytes, base32-encoded and truncated.
func newTriggerID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	raw, err := id.MarshalBinary()
	if err != nil {
		return "", err
	}
	return strings.ToLower(idEncoding.EncodeToString(raw))[:12], nil
}

// Package cache implements the disk-backed, per-vin keyed ResponseCache:
// a TTL-bounded store of recent read results plus an independent wake-state
// flag, adapted from the fleet store's SQLite/Postgres dual-backend
// pattern onto vehicle-snapshot storage.
package cache

import (
	"context"
	"time"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// Entry is one cached snapshot with its storage metadata.
type Entry struct {
	Data      telemetry.Snapshot `json:"data"`
	StoredAt  time.Time          `json:"stored_at"`
	TTLSeconds int               `json:"ttl_seconds"`
}

// AgeSeconds returns how long ago the entry was stored.
func (e Entry) AgeSeconds() float64 {
	return time.Since(e.StoredAt).Seconds()
}

// Stale reports whether the entry has outlived its TTL. A stale entry is
// never served as a cache hit.
func (e Entry) Stale() bool {
	return e.AgeSeconds() > float64(e.TTLSeconds)
}

// Status summarizes cache health for diagnostics.
type Status struct {
	Enabled    bool `json:"enabled"`
	Total      int  `json:"total"`
	Fresh      int  `json:"fresh"`
	Stale      int  `json:"stale"`
	DiskBytes  int64 `json:"disk_bytes"`
	DefaultTTL int  `json:"default_ttl"`
}

// ResponseCache is the per-vin keyed store of recent read results plus an
// independent wake-state flag, backed by disk storage.
type ResponseCache interface {
	// Get returns the cached snapshot for vin. The telemetry.Snapshot
	// satisfies CacheSink's Cache interface as (Snapshot, bool, error).
	Get(ctx context.Context, vin string) (telemetry.Snapshot, bool, error)

	// GetEntry returns the full entry (with age/TTL) for read-path callers
	// that need to report staleness explicitly.
	GetEntry(ctx context.Context, vin string) (*Entry, error)

	Put(ctx context.Context, vin string, data telemetry.Snapshot, ttl time.Duration) error

	// Clear removes the entry for vin, or every entry when vin is empty.
	Clear(ctx context.Context, vin string) error

	GetWakeState(ctx context.Context, vin string) (bool, bool, error)
	PutWakeState(ctx context.Context, vin string, online bool, ttl time.Duration) error

	Status(ctx context.Context) (Status, error)

	Close() error
}

// Disabled is a no-op ResponseCache: every accessor reports a cache miss,
// used when the caller's policy turns caching off entirely.
type Disabled struct{}

func (Disabled) Get(context.Context, string) (telemetry.Snapshot, bool, error) { return nil, false, nil }
func (Disabled) GetEntry(context.Context, string) (*Entry, error)              { return nil, nil }
func (Disabled) Put(context.Context, string, telemetry.Snapshot, time.Duration) error { return nil }
func (Disabled) Clear(context.Context, string) error                          { return nil }
func (Disabled) GetWakeState(context.Context, string) (bool, bool, error)     { return false, false, nil }
func (Disabled) PutWakeState(context.Context, string, bool, time.Duration) error { return nil }
func (Disabled) Status(context.Context) (Status, error)                       { return Status{Enabled: false}, nil }
func (Disabled) Close() error                                                 { return nil }

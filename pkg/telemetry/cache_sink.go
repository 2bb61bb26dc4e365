package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache is the subset of ResponseCache behavior CacheSink depends on. It is
// defined here (rather than importing pkg/cache) so telemetry stays a leaf
// package; pkg/cache's concrete store satisfies this interface.
type Cache interface {
	Get(ctx context.Context, vin string) (Snapshot, bool, error)
	Put(ctx context.Context, vin string, data Snapshot, ttl time.Duration) error
	PutWakeState(ctx context.Context, vin string, online bool, ttl time.Duration) error
}

// CacheSink buffers mapped telemetry updates and merges them into the
// ResponseCache on a fixed flush interval. It never decreases cached
// detail: merges are right-wins at leaves only.
type CacheSink struct {
	cache    Cache
	mapper   *Mapper
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration

	mu     sync.Mutex
	buffer map[string]Snapshot // vin -> staged leaf updates
}

// NewCacheSink creates a CacheSink flushing into cache every interval, with
// telemetry TTL ttl.
func NewCacheSink(cache Cache, mapper *Mapper, logger *slog.Logger, interval, ttl time.Duration) *CacheSink {
	return &CacheSink{
		cache:    cache,
		mapper:   mapper,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
		buffer:   make(map[string]Snapshot),
	}
}

func (s *CacheSink) Name() string { return "cache" }

// OnFrame stages each datum's mapped leaf updates into the in-memory buffer
// for the frame's vin. It does not touch disk; Flush (or Run's ticker)
// performs the merge.
func (s *CacheSink) OnFrame(_ context.Context, frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.buffer[frame.VIN]
	if !ok {
		staged = Snapshot{}
		s.buffer[frame.VIN] = staged
	}

	for _, datum := range frame.Data {
		for _, update := range s.mapper.Map(datum.FieldName, datum.Value) {
			staged.SetPath(update.Path, update.Value)
		}
	}

	return nil
}

// Run flushes the buffer on every tick until ctx is cancelled.
func (s *CacheSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush merges every vin's staged buffer into the cache and clears it.
func (s *CacheSink) Flush(ctx context.Context) {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = make(map[string]Snapshot)
	s.mu.Unlock()

	for vin, staged := range pending {
		if len(staged) == 0 {
			continue
		}
		s.flushOne(ctx, vin, staged)
	}
}

func (s *CacheSink) flushOne(ctx context.Context, vin string, staged Snapshot) {
	existing, found, err := s.cache.Get(ctx, vin)
	if err != nil {
		s.logger.Error("cache sink: read existing snapshot failed", "vin", vin, "error", err)
		return
	}
	if !found {
		existing = Snapshot{"vin": vin, "state": "online"}
	}

	merged := Merge(existing, staged)

	if err := s.cache.Put(ctx, vin, merged, s.ttl); err != nil {
		s.logger.Error("cache sink: write merged snapshot failed", "vin", vin, "error", err)
		return
	}
	if err := s.cache.PutWakeState(ctx, vin, true, s.ttl); err != nil {
		s.logger.Error("cache sink: write wake-state failed", "vin", vin, "error", err)
	}
}

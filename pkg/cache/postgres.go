package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// PostgresCache is a shared ResponseCache backend for deployments running
// more than one serve process against the same vehicle, adapted from the
// fleet store's Postgres pattern onto vehicle-snapshot storage.
type PostgresCache struct {
	db         *sql.DB
	defaultTTL time.Duration
}

// NewPostgresCache opens a connection pool against dsn and migrates the
// schema.
func NewPostgresCache(dsn string, defaultTTL time.Duration) (*PostgresCache, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	c := &PostgresCache{db: db, defaultTTL: defaultTTL}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCache) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			vin TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL,
			ttl_seconds INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wake_state (
			vin TEXT PRIMARY KEY,
			online BOOLEAN NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL,
			ttl_seconds INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := c.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func (c *PostgresCache) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *PostgresCache) Get(ctx context.Context, vin string) (telemetry.Snapshot, bool, error) {
	entry, err := c.GetEntry(ctx, vin)
	if err != nil || entry == nil || entry.Stale() {
		return nil, false, err
	}
	return entry.Data, true, nil
}

func (c *PostgresCache) GetEntry(ctx context.Context, vin string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT data, stored_at, ttl_seconds FROM snapshots WHERE vin = $1`, vin)
	var dataJSON []byte
	var entry Entry
	if err := row.Scan(&dataJSON, &entry.StoredAt, &entry.TTLSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal(dataJSON, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal cached snapshot: %w", err)
	}
	entry.Data = snap
	return &entry, nil
}

func (c *PostgresCache) Put(ctx context.Context, vin string, data telemetry.Snapshot, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ttl = c.ttlOrDefault(ttl)
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (vin, data, stored_at, ttl_seconds) VALUES ($1, $2, $3, $4)
		ON CONFLICT (vin) DO UPDATE SET data=excluded.data, stored_at=excluded.stored_at, ttl_seconds=excluded.ttl_seconds
	`, vin, payload, time.Now().UTC(), int(ttl.Seconds()))
	return err
}

func (c *PostgresCache) Clear(ctx context.Context, vin string) error {
	if vin == "" {
		_, err := c.db.ExecContext(ctx, `DELETE FROM snapshots`)
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE vin = $1`, vin)
	return err
}

func (c *PostgresCache) GetWakeState(ctx context.Context, vin string) (bool, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT online, stored_at, ttl_seconds FROM wake_state WHERE vin = $1`, vin)
	var online bool
	var storedAt time.Time
	var ttlSeconds int
	if err := row.Scan(&online, &storedAt, &ttlSeconds); err != nil {
		if err == sql.ErrNoRows {
			return false, false, nil
		}
		return false, false, err
	}
	if time.Since(storedAt).Seconds() > float64(ttlSeconds) {
		return false, false, nil
	}
	return online, true, nil
}

func (c *PostgresCache) PutWakeState(ctx context.Context, vin string, online bool, ttl time.Duration) error {
	ttl = c.ttlOrDefault(ttl)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO wake_state (vin, online, stored_at, ttl_seconds) VALUES ($1, $2, $3, $4)
		ON CONFLICT (vin) DO UPDATE SET online=excluded.online, stored_at=excluded.stored_at, ttl_seconds=excluded.ttl_seconds
	`, vin, online, time.Now().UTC(), int(ttl.Seconds()))
	return err
}

func (c *PostgresCache) Status(ctx context.Context) (Status, error) {
	status := Status{Enabled: true, DefaultTTL: int(c.defaultTTL.Seconds())}
	rows, err := c.db.QueryContext(ctx, `SELECT stored_at, ttl_seconds FROM snapshots`)
	if err != nil {
		return status, err
	}
	defer rows.Close()
	for rows.Next() {
		var storedAt time.Time
		var ttlSeconds int
		if err := rows.Scan(&storedAt, &ttlSeconds); err != nil {
			return status, err
		}
		status.Total++
		if time.Since(storedAt).Seconds() > float64(ttlSeconds) {
			status.Stale++
		} else {
			status.Fresh++
		}
	}
	return status, rows.Err()
}

func (c *PostgresCache) Close() error {
	return c.db.Close()
}

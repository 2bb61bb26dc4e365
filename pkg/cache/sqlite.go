package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGo

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// SQLiteCache is a single-process, disk-backed ResponseCache. Suitable for
// the default single-vehicle serve runtime; PostgresCache exists for
// multi-process deployments sharing one cache.
type SQLiteCache struct {
	db         *sql.DB
	defaultTTL time.Duration
	path       string
}

// NewSQLiteCache opens (creating if needed) a SQLite-backed cache under
// dir/response_cache.db.
func NewSQLiteCache(dir string, defaultTTL time.Duration) (*SQLiteCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	path := filepath.Join(dir, "response_cache.db")

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	c := &SQLiteCache{db: db, defaultTTL: defaultTTL, path: path}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			vin TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			stored_at DATETIME NOT NULL,
			ttl_seconds INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wake_state (
			vin TEXT PRIMARY KEY,
			online INTEGER NOT NULL,
			stored_at DATETIME NOT NULL,
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

func (c *SQLiteCache) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *SQLiteCache) Get(ctx context.Context, vin string) (telemetry.Snapshot, bool, error) {
	entry, err := c.GetEntry(ctx, vin)
	if err != nil || entry == nil || entry.Stale() {
		return nil, false, err
	}
	return entry.Data, true, nil
}

func (c *SQLiteCache) GetEntry(ctx context.Context, vin string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT data, stored_at, ttl_seconds FROM snapshots WHERE vin = ?`, vin)
	var dataJSON string
	var entry Entry
	if err := row.Scan(&dataJSON, &entry.StoredAt, &entry.TTLSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal([]byte(dataJSON), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal cached snapshot: %w", err)
	}
	entry.Data = snap
	return &entry, nil
}

func (c *SQLiteCache) Put(ctx context.Context, vin string, data telemetry.Snapshot, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ttl = c.ttlOrDefault(ttl)
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (vin, data, stored_at, ttl_seconds) VALUES (?, ?, ?, ?)
		ON CONFLICT(vin) DO UPDATE SET data=excluded.data, stored_at=excluded.stored_at, ttl_seconds=excluded.ttl_seconds
	`, vin, string(payload), time.Now().UTC(), int(ttl.Seconds()))
	return err
}

func (c *SQLiteCache) Clear(ctx context.Context, vin string) error {
	if vin == "" {
		_, err := c.db.ExecContext(ctx, `DELETE FROM snapshots`)
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE vin = ?`, vin)
	return err
}

func (c *SQLiteCache) GetWakeState(ctx context.Context, vin string) (bool, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT online, stored_at, ttl_seconds FROM wake_state WHERE vin = ?`, vin)
	var online int
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
	return online != 0, true, nil
}

func (c *SQLiteCache) PutWakeState(ctx context.Context, vin string, online bool, ttl time.Duration) error {
	ttl = c.ttlOrDefault(ttl)
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO wake_state (vin, online, stored_at, ttl_seconds) VALUES (?, ?, ?, ?)
		ON CONFLICT(vin) DO UPDATE SET online=excluded.online, stored_at=excluded.stored_at, ttl_seconds=excluded.ttl_seconds
	`, vin, onlineInt, time.Now().UTC(), int(ttl.Seconds()))
	return err
}

func (c *SQLiteCache) Status(ctx context.Context) (Status, error) {
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

	if info, err := os.Stat(c.path); err == nil {
		status.DiskBytes = info.Size()
	}

	return status, rows.Err()
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

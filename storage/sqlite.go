package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/huykn/tiered-cache/cache"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_entries (
	region     TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (region, key)
)`

// SQLiteRegionFactory creates regions persisted in one SQLite database.
type SQLiteRegionFactory struct {
	db         *sql.DB
	marshaller cache.Marshaller
	now        func() time.Time
	shared     bool
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string, marshaller cache.Marshaller) (*SQLiteRegionFactory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if marshaller == nil {
		marshaller = cache.NewJSONMarshaller()
	}
	return &SQLiteRegionFactory{db: db, marshaller: marshaller, now: time.Now}, nil
}

// SetShared marks the database file as shared by every node. Regions of a
// shared database ignore invalidations from other nodes; a node-local file
// is treated as a private cache.
func (f *SQLiteRegionFactory) SetShared(shared bool) *SQLiteRegionFactory {
	f.shared = shared
	return f
}

// Create returns a region view on the database.
func (f *SQLiteRegionFactory) Create(ctx context.Context, region string) (cache.Cache, error) {
	return &SQLiteRegion{name: region, db: f.db, marshaller: f.marshaller, now: f.now, shared: f.shared}, nil
}

// Close closes the SQLite handle.
func (f *SQLiteRegionFactory) Close() error {
	if f == nil || f.db == nil {
		return nil
	}
	return f.db.Close()
}

// SQLiteRegion is a region persisted in SQLite. Expired rows read as
// absent and are deleted when found.
type SQLiteRegion struct {
	name       string
	db         *sql.DB
	marshaller cache.Marshaller
	now        func() time.Time
	shared     bool
	destroyed  atomic.Bool
}

// Name returns the region name.
func (sr *SQLiteRegion) Name() string { return sr.name }

// Shared reports whether the database file is shared by every node.
func (sr *SQLiteRegion) Shared() bool { return sr.shared }

func (sr *SQLiteRegion) check(op string) error {
	if sr.destroyed.Load() {
		return cache.DestroyedFailure(sr.name, op)
	}
	return nil
}

// Get retrieves a value from the database.
func (sr *SQLiteRegion) Get(ctx context.Context, key string) (any, bool, error) {
	if err := cache.CheckKey(sr.name, "get", key); err != nil {
		return nil, false, err
	}
	if err := sr.check("get"); err != nil {
		return nil, false, err
	}

	var (
		data      []byte
		expiresAt int64
	)
	err := sr.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE region = ? AND key = ?`,
		sr.name, key,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.StoreFailure(sr.name, "get", err)
	}

	now := sr.now().UnixNano()
	if expiresAt != 0 && expiresAt <= now {
		_, err := sr.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE region = ? AND key = ? AND expires_at != 0 AND expires_at <= ?`,
			sr.name, key, now,
		)
		return nil, false, cache.StoreFailure(sr.name, "get", err)
	}

	var value any
	if err := sr.marshaller.Unmarshal(data, &value); err != nil {
		return nil, false, cache.StoreFailure(sr.name, "get", err)
	}
	return value, true, nil
}

// Put upserts a value.
func (sr *SQLiteRegion) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := cache.CheckKey(sr.name, "put", key); err != nil {
		return err
	}
	if err := sr.check("put"); err != nil {
		return err
	}

	data, err := sr.marshaller.Marshal(value)
	if err != nil {
		return cache.StoreFailure(sr.name, "put", err)
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = sr.now().Add(ttl).UnixNano()
	}
	_, err = sr.db.ExecContext(ctx,
		`INSERT INTO cache_entries (region, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(region, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		sr.name, key, data, expiresAt,
	)
	return cache.StoreFailure(sr.name, "put", err)
}

// Evict deletes a row.
func (sr *SQLiteRegion) Evict(ctx context.Context, key string) error {
	if err := cache.CheckKey(sr.name, "evict", key); err != nil {
		return err
	}
	if err := sr.check("evict"); err != nil {
		return err
	}
	_, err := sr.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE region = ? AND key = ?`, sr.name, key)
	return cache.StoreFailure(sr.name, "evict", err)
}

// EvictAll deletes rows in one transaction.
func (sr *SQLiteRegion) EvictAll(ctx context.Context, keys []string) error {
	if err := cache.CheckKeys(sr.name, "evict_all", keys); err != nil {
		return err
	}
	if err := sr.check("evict_all"); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := sr.db.BeginTx(ctx, nil)
	if err != nil {
		return cache.StoreFailure(sr.name, "evict_all", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM cache_entries WHERE region = ? AND key = ?`)
	if err != nil {
		return cache.StoreFailure(sr.name, "evict_all", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, sr.name, k); err != nil {
			return cache.StoreFailure(sr.name, "evict_all", err)
		}
	}
	return cache.StoreFailure(sr.name, "evict_all", tx.Commit())
}

// Clear deletes every row of the region.
func (sr *SQLiteRegion) Clear(ctx context.Context) error {
	if err := sr.check("clear"); err != nil {
		return err
	}
	_, err := sr.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE region = ?`, sr.name)
	return cache.StoreFailure(sr.name, "clear", err)
}

// Keys lists unexpired keys.
func (sr *SQLiteRegion) Keys(ctx context.Context) ([]string, error) {
	if err := sr.check("keys"); err != nil {
		return nil, err
	}
	rows, err := sr.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE region = ? AND (expires_at = 0 OR expires_at > ?)`,
		sr.name, sr.now().UnixNano(),
	)
	if err != nil {
		return nil, cache.StoreFailure(sr.name, "keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cache.StoreFailure(sr.name, "keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, cache.StoreFailure(sr.name, "keys", err)
	}
	return keys, nil
}

// Destroy detaches the region; persisted rows are kept.
func (sr *SQLiteRegion) Destroy(ctx context.Context) error {
	if !sr.destroyed.CompareAndSwap(false, true) {
		return cache.DestroyedFailure(sr.name, "destroy")
	}
	return nil
}

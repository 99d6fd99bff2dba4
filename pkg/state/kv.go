package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// KVStore is persistent cross-session key-value memory for action
// results, preferences, and session state. Separate from the plan
// execution tables, which are lifecycle records.
type KVStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewKVStore migrates the kv_store table and returns the store.
func NewKVStore(db *sql.DB, dialect Dialect) (*KVStore, error) {
	s := &KVStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *KVStore) WithClock(clock func() time.Time) *KVStore {
	s.clock = clock
	return s
}

func (s *KVStore) migrate() error {
	ft := s.dialect.floatType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kv_store (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			session_id  TEXT,
			created_at  %s NOT NULL,
			updated_at  %s NOT NULL,
			ttl         %s
		)`, ft, ft, ft),
		`CREATE INDEX IF NOT EXISTS idx_kv_session ON kv_store (session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate kv store: %w", err)
		}
	}
	return nil
}

// Set stores a JSON-serializable value. ttl of zero means no expiry;
// sessionID may be empty for global entries.
func (s *KVStore) Set(ctx context.Context, key string, value any, sessionID string, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}
	now := unixSeconds(s.clock())
	var expires sql.NullFloat64
	if ttl > 0 {
		expires = sql.NullFloat64{Float64: now + ttl.Seconds(), Valid: true}
	}
	var session sql.NullString
	if sessionID != "" {
		session = sql.NullString{String: sessionID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO kv_store (key, value, session_id, created_at, updated_at, ttl)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   value=excluded.value,
		   session_id=excluded.session_id,
		   updated_at=excluded.updated_at,
		   ttl=excluded.ttl`),
		key, string(data), session, now, now, expires)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Get loads a value into out (a pointer). Returns false when the key is
// absent or expired; expired rows are deleted lazily.
func (s *KVStore) Get(ctx context.Context, key string, out any) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT value, ttl FROM kv_store WHERE key=?`), key)

	var (
		value string
		ttl   sql.NullFloat64
	)
	if err := row.Scan(&value, &ttl); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if ttl.Valid && unixSeconds(s.clock()) > ttl.Float64 {
		_ = s.Delete(ctx, key)
		return false, nil
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON for a key, decoded into any.
func (s *KVStore) GetRaw(ctx context.Context, key string) (any, bool, error) {
	var out any
	ok, err := s.Get(ctx, key, &out)
	return out, ok, err
}

// Delete removes a key.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`DELETE FROM kv_store WHERE key=?`), key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// GetMany loads several keys at once; absent or expired keys are
// omitted from the result.
func (s *KVStore) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		var value any
		ok, err := s.Get(ctx, key, &value)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

// ListKeys returns live keys, optionally restricted to one session.
func (s *KVStore) ListKeys(ctx context.Context, sessionID string) ([]string, error) {
	now := unixSeconds(s.clock())
	query := `SELECT key FROM kv_store WHERE ttl IS NULL OR ttl > ?`
	args := []any{now}
	if sessionID != "" {
		query = `SELECT key FROM kv_store WHERE session_id=? AND (ttl IS NULL OR ttl > ?)`
		args = []any{sessionID, now}
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// PurgeExpired removes every expired row, returning the count.
func (s *KVStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`DELETE FROM kv_store WHERE ttl IS NOT NULL AND ttl <= ?`),
		unixSeconds(s.clock()))
	if err != nil {
		return 0, fmt.Errorf("purge expired keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GrantScope is the lifetime of a permission grant.
type GrantScope string

const (
	// ScopeSession grants are cleared when the daemon restarts.
	ScopeSession GrantScope = "session"
	// ScopePermanent grants persist until explicitly revoked.
	ScopePermanent GrantScope = "permanent"
)

// Grant is one permission granted to one module. Each module holds at
// most one grant per permission string.
type Grant struct {
	Permission string     `json:"permission"`
	ModuleID   string     `json:"module_id"`
	Scope      GrantScope `json:"scope"`
	GrantedAt  time.Time  `json:"granted_at"`
	GrantedBy  string     `json:"granted_by"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant's expiry has passed.
func (g *Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// GrantStore persists permission grants. NewGrantStore clears
// session-scoped grants left over from previous runs.
type GrantStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewGrantStore migrates the grants table and clears session grants.
func NewGrantStore(db *sql.DB, dialect Dialect) (*GrantStore, error) {
	s := &GrantStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if _, err := s.ClearSession(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *GrantStore) WithClock(clock func() time.Time) *GrantStore {
	s.clock = clock
	return s
}

func (s *GrantStore) migrate() error {
	ft := s.dialect.floatType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS permission_grants (
			permission   TEXT NOT NULL,
			module_id    TEXT NOT NULL,
			scope        TEXT NOT NULL DEFAULT 'session',
			granted_at   %s NOT NULL,
			granted_by   TEXT NOT NULL DEFAULT 'user',
			reason       TEXT NOT NULL DEFAULT '',
			expires_at   %s,
			PRIMARY KEY (permission, module_id)
		)`, ft, ft),
		`CREATE INDEX IF NOT EXISTS idx_grants_module ON permission_grants (module_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate grant store: %w", err)
		}
	}
	return nil
}

// Put inserts or replaces a grant.
func (s *GrantStore) Put(ctx context.Context, g Grant) error {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.clock()
	}
	if g.Scope == "" {
		g.Scope = ScopeSession
	}
	if g.GrantedBy == "" {
		g.GrantedBy = "user"
	}
	// sqlite and postgres share ON CONFLICT upsert syntax here.
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO permission_grants
		   (permission, module_id, scope, granted_at, granted_by, reason, expires_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(permission, module_id) DO UPDATE SET
		   scope=excluded.scope,
		   granted_at=excluded.granted_at,
		   granted_by=excluded.granted_by,
		   reason=excluded.reason,
		   expires_at=excluded.expires_at`),
		g.Permission, g.ModuleID, string(g.Scope), unixSeconds(g.GrantedAt),
		g.GrantedBy, g.Reason, nullFloat(g.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store grant %s/%s: %w", g.Permission, g.ModuleID, err)
	}
	return nil
}

// Revoke removes one grant, reporting whether a row was deleted.
func (s *GrantStore) Revoke(ctx context.Context, permission, moduleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM permission_grants WHERE permission=? AND module_id=?`),
		permission, moduleID)
	if err != nil {
		return false, fmt.Errorf("revoke grant %s/%s: %w", permission, moduleID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevokeAllForModule removes every grant for a module.
func (s *GrantStore) RevokeAllForModule(ctx context.Context, moduleID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM permission_grants WHERE module_id=?`), moduleID)
	if err != nil {
		return 0, fmt.Errorf("revoke grants for %s: %w", moduleID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearSession removes session-scoped grants, returning the count.
func (s *GrantStore) ClearSession(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM permission_grants WHERE scope=?`), string(ScopeSession))
	if err != nil {
		return 0, fmt.Errorf("clear session grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IsGranted reports whether the permission is held and unexpired.
// Expired rows are revoked lazily.
func (s *GrantStore) IsGranted(ctx context.Context, permission, moduleID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT expires_at FROM permission_grants WHERE permission=? AND module_id=?`),
		permission, moduleID)

	var expires sql.NullFloat64
	if err := row.Scan(&expires); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check grant %s/%s: %w", permission, moduleID, err)
	}
	if expires.Valid && unixSeconds(s.clock()) > expires.Float64 {
		_, _ = s.Revoke(ctx, permission, moduleID)
		return false, nil
	}
	return true, nil
}

// Get returns one grant, nil when absent or expired.
func (s *GrantStore) Get(ctx context.Context, permission, moduleID string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT permission, module_id, scope, granted_at, granted_by, reason, expires_at
		 FROM permission_grants WHERE permission=? AND module_id=?`),
		permission, moduleID)

	g, err := scanGrant(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load grant %s/%s: %w", permission, moduleID, err)
	}
	if g.Expired(s.clock()) {
		_, _ = s.Revoke(ctx, permission, moduleID)
		return nil, nil
	}
	return g, nil
}

// All returns every live grant, newest first, revoking expired rows
// lazily.
func (s *GrantStore) All(ctx context.Context) ([]Grant, error) {
	return s.list(ctx, s.dialect.rebind(
		`SELECT permission, module_id, scope, granted_at, granted_by, reason, expires_at
		 FROM permission_grants ORDER BY granted_at DESC`))
}

// ForModule returns a module's live grants, newest first.
func (s *GrantStore) ForModule(ctx context.Context, moduleID string) ([]Grant, error) {
	return s.list(ctx, s.dialect.rebind(
		`SELECT permission, module_id, scope, granted_at, granted_by, reason, expires_at
		 FROM permission_grants WHERE module_id=? ORDER BY granted_at DESC`), moduleID)
}

func (s *GrantStore) list(ctx context.Context, query string, args ...any) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.clock()
	var live []Grant
	var expired []Grant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		if g.Expired(now) {
			expired = append(expired, *g)
			continue
		}
		live = append(live, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range expired {
		_, _ = s.Revoke(ctx, g.Permission, g.ModuleID)
	}
	return live, nil
}

func scanGrant(scan func(...any) error) (*Grant, error) {
	var (
		g         Grant
		scope     string
		grantedAt float64
		expires   sql.NullFloat64
	)
	if err := scan(&g.Permission, &g.ModuleID, &scope, &grantedAt, &g.GrantedBy, &g.Reason, &expires); err != nil {
		return nil, err
	}
	g.Scope = GrantScope(scope)
	g.GrantedAt = fromUnixSeconds(grantedAt)
	g.ExpiresAt = timePtr(expires)
	return &g, nil
}

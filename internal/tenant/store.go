// Package tenant resolves API keys to tenant contexts and enforces the
// per-tenant connection and request ceilings. Tenant rows are
// read-mostly; lookups are memoized for a bounded TTL, so invalidation
// is best-effort.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/vortex"
)

// Lookup failures the gateway maps to client error codes.
var (
	ErrMissingKey = errors.New("missing api key")
	ErrUnknownKey = errors.New("unknown or disabled api key")
	ErrConnLimit  = errors.New("tenant connection limit reached")
)

// Context is the resolved tenant, loaded at connect time.
type Context struct {
	ID                 string
	Name               string
	RateLimitPerMinute int
	ConnectionLimit    int
	Entitlements       map[vortex.Exchange]bool
	WSRPSOverrides     map[string]float64
}

// Entitled reports whether the tenant may touch the exchange.
func (c *Context) Entitled(ex vortex.Exchange) bool {
	return c.Entitlements[ex]
}

type tenantRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	Active             bool           `db:"active"`
	RateLimitPerMinute int            `db:"rate_limit_per_minute"`
	ConnectionLimit    int            `db:"connection_limit"`
	Entitlements       string         `db:"entitlements"`
	WSRPSOverrides     sql.NullString `db:"ws_rps_overrides"`
}

type memoEntry struct {
	ctx     *Context
	expires time.Time
}

// Store looks tenants up by API key. Request-rate counters live in the
// coordination store so they hold across processes.
type Store struct {
	db      *sqlx.DB
	rdb     *redis.Client
	memoTTL time.Duration
	log     zerolog.Logger

	mu    sync.Mutex
	memo  map[string]memoEntry
	conns map[string]int
}

// New builds a store. db is required; rdb may be nil, in which case
// request-rate enforcement fails open.
func New(db *sqlx.DB, rdb *redis.Client, memoTTL time.Duration, log zerolog.Logger) *Store {
	if memoTTL <= 0 {
		memoTTL = time.Minute
	}
	return &Store{
		db:      db,
		rdb:     rdb,
		memoTTL: memoTTL,
		log:     log.With().Str("component", "tenant").Logger(),
		memo:    make(map[string]memoEntry),
		conns:   make(map[string]int),
	}
}

// ByAPIKey resolves an API key to its tenant context.
func (s *Store) ByAPIKey(ctx context.Context, apiKey string) (*Context, error) {
	if apiKey == "" {
		return nil, ErrMissingKey
	}

	s.mu.Lock()
	if entry, ok := s.memo[apiKey]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.ctx, nil
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil, ErrUnknownKey
	}
	var row tenantRow
	query := s.db.Rebind(`SELECT id, name, active, rate_limit_per_minute, connection_limit, entitlements, ws_rps_overrides FROM tenants WHERE api_key = ?`)
	if err := s.db.GetContext(ctx, &row, query, apiKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownKey
		}
		s.log.Error().Err(err).Msg("tenant lookup failed")
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	if !row.Active {
		return nil, ErrUnknownKey
	}

	tc := &Context{
		ID:                 row.ID,
		Name:               row.Name,
		RateLimitPerMinute: row.RateLimitPerMinute,
		ConnectionLimit:    row.ConnectionLimit,
		Entitlements:       parseEntitlements(row.Entitlements),
		WSRPSOverrides:     parseOverrides(row.WSRPSOverrides),
	}

	s.mu.Lock()
	s.memo[apiKey] = memoEntry{ctx: tc, expires: time.Now().Add(s.memoTTL)}
	s.mu.Unlock()
	return tc, nil
}

// AcquireConn counts a new push-channel connection against the tenant's
// cap. Callers must pair it with ReleaseConn.
func (s *Store) AcquireConn(tc *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc.ConnectionLimit > 0 && s.conns[tc.ID] >= tc.ConnectionLimit {
		return ErrConnLimit
	}
	s.conns[tc.ID]++
	return nil
}

// ReleaseConn undoes AcquireConn.
func (s *Store) ReleaseConn(tc *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[tc.ID] > 0 {
		s.conns[tc.ID]--
	}
}

// AllowRequest counts one HTTP request in the tenant's per-minute
// window. The counter lives in the coordination store; on store errors
// it fails open.
func (s *Store) AllowRequest(ctx context.Context, tc *Context) bool {
	if tc.RateLimitPerMinute <= 0 || s.rdb == nil {
		return true
	}
	key := fmt.Sprintf("rate:tenant:%s:%d", tc.ID, time.Now().Unix()/60)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("tenant", tc.ID).Msg("rate counter unavailable, failing open")
		return true
	}
	if n == 1 {
		s.rdb.Expire(ctx, key, 2*time.Minute)
	}
	return n <= int64(tc.RateLimitPerMinute)
}

func parseEntitlements(csv string) map[vortex.Exchange]bool {
	out := make(map[vortex.Exchange]bool)
	for _, part := range strings.Split(csv, ",") {
		if ex, ok := vortex.ParseExchange(strings.TrimSpace(part)); ok {
			out[ex] = true
		}
	}
	return out
}

func parseOverrides(raw sql.NullString) map[string]float64 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]float64
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

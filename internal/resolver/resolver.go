// Package resolver maps bare instrument tokens to their authoritative
// exchange using three ordered catalogue tiers. Every pair sent upstream
// must come from here or from an explicit client-supplied pair; there is
// no default exchange.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/vortex"
)

// The catalogue tiers, queried in fixed order; first hit wins.
var tierQueries = []struct {
	name  string
	query string
}{
	{"vortex_instruments", `SELECT token, exchange FROM vortex_instruments WHERE token IN (?)`},
	{"instrument_mappings", `SELECT token, exchange FROM instrument_mappings WHERE provider = 'vortex' AND token IN (?)`},
	{"instruments", `SELECT token, exchange FROM instruments WHERE token IN (?)`},
}

type memoEntry struct {
	exchange vortex.Exchange
	expires  time.Time
}

// Resolver performs tiered token→exchange lookups with a bounded-TTL
// memo. The catalogue is read-only from this component's perspective.
type Resolver struct {
	db      *sqlx.DB
	memoTTL time.Duration
	log     zerolog.Logger

	mu   sync.RWMutex
	memo map[uint32]memoEntry
}

// New builds a resolver. db may be nil, in which case every non-memoized
// token resolves as unresolved (catalogue unavailable is not fatal).
func New(db *sqlx.DB, memoTTL time.Duration, log zerolog.Logger) *Resolver {
	if memoTTL <= 0 {
		memoTTL = 5 * time.Minute
	}
	return &Resolver{
		db:      db,
		memoTTL: memoTTL,
		log:     log.With().Str("component", "resolver").Logger(),
		memo:    make(map[uint32]memoEntry),
	}
}

// Resolve looks up each token through the tiers. Tokens the catalogue
// does not know, and tokens behind a failed catalogue read, come back in
// unresolved; a read error is logged, never propagated.
func (r *Resolver) Resolve(ctx context.Context, tokens []uint32) (map[uint32]vortex.Exchange, []uint32) {
	resolved := make(map[uint32]vortex.Exchange, len(tokens))
	var misses []uint32

	now := time.Now()
	r.mu.RLock()
	for _, token := range dedupe(tokens) {
		if entry, ok := r.memo[token]; ok && now.Before(entry.expires) {
			resolved[token] = entry.exchange
		} else {
			misses = append(misses, token)
		}
	}
	r.mu.RUnlock()

	if len(misses) == 0 {
		return resolved, nil
	}

	remaining := misses
	if r.db != nil {
		for _, tier := range tierQueries {
			if len(remaining) == 0 {
				break
			}
			hits := r.queryTier(ctx, tier.name, tier.query, remaining)
			if len(hits) == 0 {
				continue
			}
			next := remaining[:0]
			for _, token := range remaining {
				if ex, ok := hits[token]; ok {
					resolved[token] = ex
				} else {
					next = append(next, token)
				}
			}
			remaining = next
			r.remember(hits)
		}
	}

	unresolved := make([]uint32, len(remaining))
	copy(unresolved, remaining)
	return resolved, unresolved
}

// BuildPairs produces authoritative pairs for the resolvable tokens and
// reports the rest. It never invents an NSE_EQ fallback.
func (r *Resolver) BuildPairs(ctx context.Context, tokens []uint32) ([]vortex.Pair, []uint32) {
	resolved, unresolved := r.Resolve(ctx, tokens)
	pairs := make([]vortex.Pair, 0, len(resolved))
	for _, token := range dedupe(tokens) {
		if ex, ok := resolved[token]; ok {
			pairs = append(pairs, vortex.Pair{Exchange: ex, Token: token})
		}
	}
	return pairs, unresolved
}

// Prime accepts explicit pairs from trusted callers, bypassing lookup.
func (r *Resolver) Prime(pairs []vortex.Pair) {
	expires := time.Now().Add(r.memoTTL)
	r.mu.Lock()
	for _, p := range pairs {
		r.memo[p.Token] = memoEntry{exchange: p.Exchange, expires: expires}
	}
	r.mu.Unlock()
}

type catalogueRow struct {
	Token    int64  `db:"token"`
	Exchange string `db:"exchange"`
}

func (r *Resolver) queryTier(ctx context.Context, name, query string, tokens []uint32) map[uint32]vortex.Exchange {
	args := make([]interface{}, len(tokens))
	for i, t := range tokens {
		args[i] = int64(t)
	}
	q, inArgs, err := sqlx.In(query, args)
	if err != nil {
		r.log.Error().Err(err).Str("tier", name).Msg("catalogue query build failed")
		return nil
	}
	q = r.db.Rebind(q)

	var rows []catalogueRow
	if err := r.db.SelectContext(ctx, &rows, q, inArgs...); err != nil {
		r.log.Error().Err(err).Str("tier", name).Msg("catalogue read failed")
		return nil
	}

	hits := make(map[uint32]vortex.Exchange, len(rows))
	for _, row := range rows {
		ex, ok := vortex.ParseExchange(row.Exchange)
		if !ok {
			r.log.Warn().Str("tier", name).Int64("token", row.Token).
				Str("exchange", row.Exchange).Msg("catalogue row has unknown exchange")
			continue
		}
		if row.Token < 0 {
			continue
		}
		token := uint32(row.Token)
		if _, seen := hits[token]; !seen {
			hits[token] = ex
		}
	}
	return hits
}

func (r *Resolver) remember(hits map[uint32]vortex.Exchange) {
	expires := time.Now().Add(r.memoTTL)
	r.mu.Lock()
	for token, ex := range hits {
		r.memo[token] = memoEntry{exchange: ex, expires: expires}
	}
	r.mu.Unlock()
}

func dedupe(tokens []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(tokens))
	out := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

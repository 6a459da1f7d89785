// Package compose orchestrates snapshot answers: provider batch first,
// then the memory tier, then the shared last-tick tier, then one
// targeted re-probe. It never synthesizes a price and never fabricates
// a zero.
package compose

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/cache"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

// Batcher is the coalesced upstream surface the composer drives.
type Batcher interface {
	LTPByPairs(ctx context.Context, pairs []vortex.Pair) map[string]vortex.Quote
}

// Resolver supplies authoritative pairs for bare tokens.
type Resolver interface {
	BuildPairs(ctx context.Context, tokens []uint32) ([]vortex.Pair, []uint32)
	Prime(pairs []vortex.Pair)
}

// Request is one snapshot ask. Tokens are answered under their decimal
// string key, pairs under their canonical pair key.
type Request struct {
	Tokens  []uint32
	Pairs   []vortex.Pair
	LTPOnly bool
}

// Composer builds snapshot responses.
type Composer struct {
	batch    Batcher
	resolver Resolver
	mem      *cache.Memory
	ticks    *cache.TickStore
	deadline time.Duration
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// New builds a composer. deadline bounds one snapshot end to end.
func New(batch Batcher, res Resolver, mem *cache.Memory, ticks *cache.TickStore, deadline time.Duration, m *metrics.Registry, log zerolog.Logger) *Composer {
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	return &Composer{
		batch:    batch,
		resolver: res,
		mem:      mem,
		ticks:    ticks,
		deadline: deadline,
		metrics:  m,
		log:      log.With().Str("component", "composer").Logger(),
	}
}

type want struct {
	key  string
	pair vortex.Pair
}

// LTP answers the snapshot. Every requested key appears in the result;
// the value is either a valid quote or an explicit null — unless
// LTPOnly is set, which drops null keys from the answer.
func (c *Composer) LTP(ctx context.Context, req Request) map[string]vortex.Quote {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	out := make(map[string]vortex.Quote, len(req.Tokens)+len(req.Pairs))
	wants := make([]want, 0, len(req.Tokens)+len(req.Pairs))

	// Explicit pairs are trusted and primed into the resolver so later
	// bare-token calls for the same instruments resolve from memo.
	if len(req.Pairs) > 0 {
		c.resolver.Prime(req.Pairs)
		for _, p := range req.Pairs {
			wants = append(wants, want{key: p.Key(), pair: p})
		}
	}

	pairs, unresolved := c.resolver.BuildPairs(ctx, req.Tokens)
	for _, p := range pairs {
		wants = append(wants, want{key: strconv.FormatUint(uint64(p.Token), 10), pair: p})
	}
	for _, t := range unresolved {
		out[strconv.FormatUint(uint64(t), 10)] = vortex.NullQuote()
	}

	// Provider batch over the union of pairs.
	union := make([]vortex.Pair, 0, len(wants))
	seen := make(map[string]bool, len(wants))
	for _, w := range wants {
		if !seen[w.pair.Key()] {
			seen[w.pair.Key()] = true
			union = append(union, w.pair)
		}
	}
	byPair := c.batch.LTPByPairs(ctx, union)

	var missing []want
	for _, w := range wants {
		if q, ok := byPair[w.pair.Key()]; ok && q.Valid() {
			out[w.key] = q
		} else {
			missing = append(missing, w)
		}
	}

	missing = c.fillFromMemory(missing, out)
	missing = c.fillFromTickStore(ctx, missing, out)

	// One targeted re-probe for the stragglers.
	if len(missing) > 0 && ctx.Err() == nil {
		probe := make([]vortex.Pair, 0, len(missing))
		for _, w := range missing {
			probe = append(probe, w.pair)
		}
		reProbed := c.batch.LTPByPairs(ctx, probe)
		still := missing[:0]
		for _, w := range missing {
			if q, ok := reProbed[w.pair.Key()]; ok && q.Valid() {
				out[w.key] = q
			} else {
				still = append(still, w)
			}
		}
		missing = still
	}

	for _, w := range missing {
		out[w.key] = vortex.NullQuote()
	}

	if req.LTPOnly {
		for key, q := range out {
			if !q.Valid() {
				delete(out, key)
			}
		}
	}
	return out
}

func (c *Composer) fillFromMemory(missing []want, out map[string]vortex.Quote) []want {
	if len(missing) == 0 {
		return missing
	}
	still := missing[:0]
	for _, w := range missing {
		if q, ok := c.mem.Get(w.pair.Token); ok && q.Valid() {
			c.metrics.CacheHits.WithLabelValues("memory").Inc()
			out[w.key] = q
		} else {
			c.metrics.CacheMisses.WithLabelValues("memory").Inc()
			still = append(still, w)
		}
	}
	return still
}

func (c *Composer) fillFromTickStore(ctx context.Context, missing []want, out map[string]vortex.Quote) []want {
	if len(missing) == 0 || ctx.Err() != nil {
		return missing
	}
	tokens := make([]uint32, 0, len(missing))
	for _, w := range missing {
		tokens = append(tokens, w.pair.Token)
	}
	stored := c.ticks.Get(ctx, tokens)

	still := missing[:0]
	for _, w := range missing {
		if q, ok := stored[w.pair.Token]; ok && q.Valid() {
			c.metrics.CacheHits.WithLabelValues("tick_store").Inc()
			out[w.key] = q
		} else {
			c.metrics.CacheMisses.WithLabelValues("tick_store").Inc()
			still = append(still, w)
		}
	}
	return still
}

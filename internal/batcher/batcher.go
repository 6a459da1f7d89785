// Package batcher coalesces concurrent snapshot callers into chunked,
// gate-paced upstream quote calls and scatters the answers back.
package batcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tickmesh/vortexgw/internal/cache"
	"github.com/tickmesh/vortexgw/internal/gate"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

// Fetcher is the upstream quote surface the batcher drives.
type Fetcher interface {
	Quotes(ctx context.Context, pairs []vortex.Pair, mode vortex.Mode) (map[string]vortex.Quote, error)
}

// Gate paces the upstream endpoints.
type Gate interface {
	Acquire(ctx context.Context, endpoint string) error
	Penalize(ctx context.Context, endpoint string)
}

// Resolver supplies authoritative pairs for bare-token callers.
type Resolver interface {
	BuildPairs(ctx context.Context, tokens []uint32) ([]vortex.Pair, []uint32)
}

// Config tunes the coalescing behavior.
type Config struct {
	// Window is how long the first caller of a batch waits for
	// followers before the batch fires.
	Window time.Duration
	// MaxChunk caps pairs per upstream call.
	MaxChunk int
	// ExecTimeout bounds one batch execution end to end.
	ExecTimeout time.Duration
}

// Batcher coalesces calls per mode, chunks the union, paces each chunk
// through the gate and fans results back to every caller. A failed
// chunk surfaces as nulls for its requesters only; a caller whose
// context ends gets nulls immediately while the in-flight chunk runs to
// completion so the gate token is not wasted.
type Batcher struct {
	fetch    Fetcher
	gate     Gate
	resolver Resolver
	mem      *cache.Memory
	metrics  *metrics.Registry
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[vortex.Mode]*batch
}

type call struct {
	keys []string
	out  chan map[string]vortex.Quote
}

type batch struct {
	mode  vortex.Mode
	pairs map[string]vortex.Pair
	calls []*call
}

// New builds a batcher.
func New(fetch Fetcher, g Gate, res Resolver, mem *cache.Memory, m *metrics.Registry, cfg Config, log zerolog.Logger) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Millisecond
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 1000
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Batcher{
		fetch:    fetch,
		gate:     g,
		resolver: res,
		mem:      mem,
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("component", "batcher").Logger(),
		pending:  make(map[vortex.Mode]*batch),
	}
}

// LTPByPairs answers last-traded prices keyed by canonical pair key.
func (b *Batcher) LTPByPairs(ctx context.Context, pairs []vortex.Pair) map[string]vortex.Quote {
	return b.submit(ctx, pairs, vortex.ModeLTP)
}

// QuotesByPairs is LTPByPairs with a caller-chosen detail mode.
func (b *Batcher) QuotesByPairs(ctx context.Context, pairs []vortex.Pair, mode vortex.Mode) map[string]vortex.Quote {
	return b.submit(ctx, pairs, mode)
}

// LTP resolves bare tokens and answers keyed by token. Unresolved
// tokens come back as explicit nulls.
func (b *Batcher) LTP(ctx context.Context, tokens []uint32) map[uint32]vortex.Quote {
	return b.byTokens(ctx, tokens, vortex.ModeLTP)
}

// Quotes is LTP with a caller-chosen detail mode.
func (b *Batcher) Quotes(ctx context.Context, tokens []uint32, mode vortex.Mode) map[uint32]vortex.Quote {
	return b.byTokens(ctx, tokens, mode)
}

func (b *Batcher) byTokens(ctx context.Context, tokens []uint32, mode vortex.Mode) map[uint32]vortex.Quote {
	pairs, unresolved := b.resolver.BuildPairs(ctx, tokens)
	byKey := b.submit(ctx, pairs, mode)

	out := make(map[uint32]vortex.Quote, len(tokens))
	for _, p := range pairs {
		out[p.Token] = byKey[p.Key()]
	}
	for _, t := range unresolved {
		out[t] = vortex.NullQuote()
	}
	return out
}

// submit registers the caller in the open batch for the mode, firing a
// new one after the coalescing window when none is open.
func (b *Batcher) submit(ctx context.Context, pairs []vortex.Pair, mode vortex.Mode) map[string]vortex.Quote {
	if len(pairs) == 0 {
		return map[string]vortex.Quote{}
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key()
	}
	c := &call{keys: keys, out: make(chan map[string]vortex.Quote, 1)}

	b.mu.Lock()
	open, ok := b.pending[mode]
	if !ok {
		open = &batch{mode: mode, pairs: make(map[string]vortex.Pair)}
		b.pending[mode] = open
		time.AfterFunc(b.cfg.Window, func() { b.fire(mode) })
	}
	for _, p := range pairs {
		open.pairs[p.Key()] = p
	}
	open.calls = append(open.calls, c)
	b.mu.Unlock()

	select {
	case res := <-c.out:
		return res
	case <-ctx.Done():
		// Caller is gone; only its scatter is cancelled. The batch
		// keeps running so the gate token is not wasted.
		return nullsFor(keys)
	}
}

func (b *Batcher) fire(mode vortex.Mode) {
	b.mu.Lock()
	open := b.pending[mode]
	delete(b.pending, mode)
	b.mu.Unlock()
	if open == nil {
		return
	}
	go b.run(open)
}

func (b *Batcher) run(open *batch) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ExecTimeout)
	defer cancel()

	union := make([]vortex.Pair, 0, len(open.pairs))
	for _, p := range open.pairs {
		union = append(union, p)
	}
	b.metrics.BatchSize.Observe(float64(len(union)))

	results := make(map[string]vortex.Quote, len(union))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(union); start += b.cfg.MaxChunk {
		end := start + b.cfg.MaxChunk
		if end > len(union) {
			end = len(union)
		}
		chunk := union[start:end]
		g.Go(func() error {
			got := b.fetchChunk(gctx, chunk, open.mode)
			if got == nil {
				return nil // chunk failed, its keys stay null
			}
			resultsMu.Lock()
			for key, q := range got {
				results[key] = q
				if p, ok := open.pairs[key]; ok && q.Valid() {
					b.mem.Set(p.Token, q)
				}
			}
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range open.calls {
		answer := make(map[string]vortex.Quote, len(c.keys))
		for _, key := range c.keys {
			if q, ok := results[key]; ok {
				answer[key] = q
			} else {
				answer[key] = vortex.NullQuote()
			}
		}
		c.out <- answer
	}
}

// fetchChunk runs one gate-paced upstream call with bounded retries.
// Returns nil when the chunk is lost for good.
func (b *Batcher) fetchChunk(ctx context.Context, chunk []vortex.Pair, mode vortex.Mode) map[string]vortex.Quote {
	endpoint := endpointFor(mode)
	for attempt := 0; ; attempt++ {
		gateStart := time.Now()
		if err := b.gate.Acquire(ctx, endpoint); err != nil {
			b.log.Warn().Err(err).Str("endpoint", endpoint).Msg("gate acquire abandoned")
			return nil
		}
		b.metrics.GateWait.WithLabelValues(endpoint).Observe(time.Since(gateStart).Seconds())

		callStart := time.Now()
		got, err := b.fetch.Quotes(ctx, chunk, mode)
		b.metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(callStart).Seconds())
		if err == nil {
			b.metrics.UpstreamCalls.WithLabelValues(endpoint, "ok").Inc()
			return got
		}

		kind := vortex.KindOf(err)
		b.metrics.UpstreamCalls.WithLabelValues(endpoint, kind.String()).Inc()
		if kind == vortex.KindThrottled {
			b.gate.Penalize(ctx, endpoint)
		}
		if !vortex.IsRetryable(err) || attempt >= 2 {
			b.log.Error().Err(err).Str("endpoint", endpoint).
				Int("pairs", len(chunk)).Int("attempt", attempt).
				Msg("chunk lost, requesters get nulls")
			return nil
		}

		delay := time.Second + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func endpointFor(mode vortex.Mode) string {
	switch mode {
	case vortex.ModeLTP:
		return gate.EndpointLTP
	case vortex.ModeOHLCV:
		return gate.EndpointOHLC
	default:
		return gate.EndpointQuotes
	}
}

func nullsFor(keys []string) map[string]vortex.Quote {
	out := make(map[string]vortex.Quote, len(keys))
	for _, key := range keys {
		out[key] = vortex.NullQuote()
	}
	return out
}

package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickmesh/vortexgw/internal/cache"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls [][]vortex.Pair
	fail  int // first N calls fail
	err   error
	price float64
}

func (f *fakeFetcher) Quotes(ctx context.Context, pairs []vortex.Pair, mode vortex.Mode) (map[string]vortex.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pairs)
	if f.fail > 0 {
		f.fail--
		return nil, f.err
	}
	out := make(map[string]vortex.Quote, len(pairs))
	for _, p := range pairs {
		out[p.Key()] = vortex.PriceQuote(f.price)
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGate struct {
	mu        sync.Mutex
	acquires  int
	penalties int
}

func (g *fakeGate) Acquire(ctx context.Context, endpoint string) error {
	g.mu.Lock()
	g.acquires++
	g.mu.Unlock()
	return ctx.Err()
}

func (g *fakeGate) Penalize(ctx context.Context, endpoint string) {
	g.mu.Lock()
	g.penalties++
	g.mu.Unlock()
}

type staticResolver struct {
	known map[uint32]vortex.Exchange
}

func (r staticResolver) BuildPairs(ctx context.Context, tokens []uint32) ([]vortex.Pair, []uint32) {
	var pairs []vortex.Pair
	var unresolved []uint32
	for _, t := range tokens {
		if ex, ok := r.known[t]; ok {
			pairs = append(pairs, vortex.Pair{Exchange: ex, Token: t})
		} else {
			unresolved = append(unresolved, t)
		}
	}
	return pairs, unresolved
}

func newTestBatcher(fetch *fakeFetcher, g *fakeGate, cfg Config) (*Batcher, *cache.Memory) {
	mem := cache.NewMemory(100, time.Minute)
	res := staticResolver{known: map[uint32]vortex.Exchange{
		1: vortex.ExchangeNSEEq,
		2: vortex.ExchangeNSEFO,
	}}
	b := New(fetch, g, res, mem, metrics.New(), cfg, zerolog.Nop())
	return b, mem
}

func TestConcurrentCallersCoalesceIntoOneUpstreamCall(t *testing.T) {
	fetch := &fakeFetcher{price: 100}
	b, _ := newTestBatcher(fetch, &fakeGate{}, Config{Window: 30 * time.Millisecond})

	pairs := []vortex.Pair{
		{Exchange: vortex.ExchangeNSEEq, Token: 1},
		{Exchange: vortex.ExchangeNSEFO, Token: 2},
	}

	var wg sync.WaitGroup
	results := make([]map[string]vortex.Quote, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.LTPByPairs(context.Background(), pairs[i%2:i%2+1])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fetch.callCount(), "one coalesced call for all four callers")
	for i, res := range results {
		key := pairs[i%2].Key()
		require.Contains(t, res, key)
		assert.True(t, res[key].Valid())
	}
}

func TestChunkingSplitsLargeUnions(t *testing.T) {
	fetch := &fakeFetcher{price: 50}
	g := &fakeGate{}
	b, _ := newTestBatcher(fetch, g, Config{Window: 5 * time.Millisecond, MaxChunk: 100})

	pairs := make([]vortex.Pair, 250)
	for i := range pairs {
		pairs[i] = vortex.Pair{Exchange: vortex.ExchangeNSEEq, Token: uint32(i + 1000)}
	}
	res := b.LTPByPairs(context.Background(), pairs)

	assert.Equal(t, 3, fetch.callCount(), "250 pairs over 100-pair chunks")
	assert.Equal(t, 3, g.acquires, "each chunk is gate-paced")
	assert.Len(t, res, 250)
}

func TestFailedChunkYieldsNulls(t *testing.T) {
	fetch := &fakeFetcher{
		fail: 10, // never recovers within the retry budget
		err:  &vortex.Error{Kind: vortex.KindMalformed, Op: "quotes"},
	}
	b, _ := newTestBatcher(fetch, &fakeGate{}, Config{Window: 5 * time.Millisecond})

	pair := vortex.Pair{Exchange: vortex.ExchangeNSEEq, Token: 1}
	res := b.LTPByPairs(context.Background(), []vortex.Pair{pair})

	require.Contains(t, res, pair.Key())
	assert.False(t, res[pair.Key()].Valid(), "lost chunk answers null, never an error")
	assert.Equal(t, 1, fetch.callCount(), "malformed is terminal, no retry")
}

func TestThrottledChunkPenalizesGate(t *testing.T) {
	fetch := &fakeFetcher{
		fail:  1,
		err:   &vortex.Error{Kind: vortex.KindThrottled, Status: 429, Op: "quotes"},
		price: 75,
	}
	g := &fakeGate{}
	b, _ := newTestBatcher(fetch, g, Config{Window: 5 * time.Millisecond})

	pair := vortex.Pair{Exchange: vortex.ExchangeNSEEq, Token: 1}
	res := b.LTPByPairs(context.Background(), []vortex.Pair{pair})

	assert.Equal(t, 1, g.penalties)
	assert.Equal(t, 2, fetch.callCount(), "throttled is retryable")
	assert.True(t, res[pair.Key()].Valid(), "retry succeeded")
}

func TestCancelledCallerGetsNullsImmediately(t *testing.T) {
	fetch := &fakeFetcher{price: 10}
	b, _ := newTestBatcher(fetch, &fakeGate{}, Config{Window: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pair := vortex.Pair{Exchange: vortex.ExchangeNSEEq, Token: 1}
	start := time.Now()
	res := b.LTPByPairs(ctx, []vortex.Pair{pair})

	assert.Less(t, time.Since(start), 100*time.Millisecond, "no wait for the window")
	require.Contains(t, res, pair.Key())
	assert.False(t, res[pair.Key()].Valid())
}

func TestLTPAnswersUnresolvedTokensAsNull(t *testing.T) {
	fetch := &fakeFetcher{price: 42}
	b, _ := newTestBatcher(fetch, &fakeGate{}, Config{Window: 5 * time.Millisecond})

	res := b.LTP(context.Background(), []uint32{1, 9999})

	require.Contains(t, res, uint32(1))
	require.Contains(t, res, uint32(9999))
	assert.True(t, res[1].Valid())
	assert.False(t, res[9999].Valid())
	if fetch.callCount() > 0 {
		fetch.mu.Lock()
		for _, call := range fetch.calls {
			for _, p := range call {
				assert.NotEqual(t, uint32(9999), p.Token, "unresolved token never reaches upstream")
			}
		}
		fetch.mu.Unlock()
	}
}

func TestValidQuotesWriteThroughToMemory(t *testing.T) {
	fetch := &fakeFetcher{price: 88}
	b, mem := newTestBatcher(fetch, &fakeGate{}, Config{Window: 5 * time.Millisecond})

	pair := vortex.Pair{Exchange: vortex.ExchangeNSEEq, Token: 1}
	res := b.LTPByPairs(context.Background(), []vortex.Pair{pair})
	require.True(t, res[pair.Key()].Valid())

	q, ok := mem.Get(1)
	require.True(t, ok)
	assert.InDelta(t, 88.0, *q.LastPrice, 1e-9)
}

package compose

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickmesh/vortexgw/internal/cache"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

type scriptedBatcher struct {
	mu      sync.Mutex
	answers []map[string]vortex.Quote // consumed call by call
	calls   [][]vortex.Pair
}

func (b *scriptedBatcher) LTPByPairs(ctx context.Context, pairs []vortex.Pair) map[string]vortex.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, pairs)
	if len(b.answers) == 0 {
		out := make(map[string]vortex.Quote, len(pairs))
		for _, p := range pairs {
			out[p.Key()] = vortex.NullQuote()
		}
		return out
	}
	ans := b.answers[0]
	b.answers = b.answers[1:]
	return ans
}

func (b *scriptedBatcher) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type staticResolver struct {
	known map[uint32]vortex.Exchange
	prime []vortex.Pair
}

func (r *staticResolver) BuildPairs(ctx context.Context, tokens []uint32) ([]vortex.Pair, []uint32) {
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

func (r *staticResolver) Prime(pairs []vortex.Pair) {
	r.prime = append(r.prime, pairs...)
}

// deadTickStore points at a closed port so every read misses fast.
func deadTickStore(t *testing.T) *cache.TickStore {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return cache.NewTickStore(rdb, time.Second, zerolog.Nop())
}

func newTestComposer(t *testing.T, batch Batcher, mem *cache.Memory) *Composer {
	t.Helper()
	res := &staticResolver{known: map[uint32]vortex.Exchange{
		1: vortex.ExchangeNSEEq,
		2: vortex.ExchangeNSEFO,
	}}
	return New(batch, res, mem, deadTickStore(t), 2*time.Second, metrics.New(), zerolog.Nop())
}

var pairOne = vortex.Pair{Exchange: vortex.ExchangeNSEEq, Token: 1}

func TestBatchAnswerWinsOutright(t *testing.T) {
	batch := &scriptedBatcher{answers: []map[string]vortex.Quote{
		{pairOne.Key(): vortex.PriceQuote(101)},
	}}
	c := newTestComposer(t, batch, cache.NewMemory(10, time.Minute))

	out := c.LTP(context.Background(), Request{Tokens: []uint32{1}})

	require.Contains(t, out, "1", "bare tokens answer under their decimal key")
	assert.InDelta(t, 101.0, *out["1"].LastPrice, 1e-9)
	assert.Equal(t, 1, batch.callCount(), "no re-probe when the batch answers")
}

func TestMemoryFillsBatchMisses(t *testing.T) {
	mem := cache.NewMemory(10, time.Minute)
	mem.Set(1, vortex.PriceQuote(99.5))

	batch := &scriptedBatcher{} // every batch answer is null
	c := newTestComposer(t, batch, mem)

	out := c.LTP(context.Background(), Request{Tokens: []uint32{1}})
	require.Contains(t, out, "1")
	assert.InDelta(t, 99.5, *out["1"].LastPrice, 1e-9)
	assert.Equal(t, 1, batch.callCount(), "cache hit avoids the re-probe")
}

func TestReProbeTargetsOnlyStragglers(t *testing.T) {
	batch := &scriptedBatcher{answers: []map[string]vortex.Quote{
		{
			pairOne.Key(): vortex.NullQuote(),
			"NSE_FO-2":    vortex.PriceQuote(55),
		},
		{pairOne.Key(): vortex.PriceQuote(77)},
	}}
	c := newTestComposer(t, batch, cache.NewMemory(10, time.Minute))

	out := c.LTP(context.Background(), Request{Tokens: []uint32{1, 2}})

	assert.InDelta(t, 77.0, *out["1"].LastPrice, 1e-9)
	assert.InDelta(t, 55.0, *out["2"].LastPrice, 1e-9)

	require.Equal(t, 2, batch.callCount())
	batch.mu.Lock()
	reProbe := batch.calls[1]
	batch.mu.Unlock()
	require.Len(t, reProbe, 1, "only the straggler is re-probed")
	assert.Equal(t, pairOne, reProbe[0])
}

func TestExhaustedFallbacksAnswerNull(t *testing.T) {
	batch := &scriptedBatcher{}
	c := newTestComposer(t, batch, cache.NewMemory(10, time.Minute))

	out := c.LTP(context.Background(), Request{Tokens: []uint32{1}})
	require.Contains(t, out, "1")
	assert.False(t, out["1"].Valid())
	assert.Equal(t, 2, batch.callCount(), "batch plus one re-probe, never more")
}

func TestUnresolvedTokenIsNullWithoutUpstreamCallForIt(t *testing.T) {
	batch := &scriptedBatcher{answers: []map[string]vortex.Quote{
		{pairOne.Key(): vortex.PriceQuote(10)},
	}}
	c := newTestComposer(t, batch, cache.NewMemory(10, time.Minute))

	out := c.LTP(context.Background(), Request{Tokens: []uint32{1, 9999}})

	assert.True(t, out["1"].Valid())
	require.Contains(t, out, "9999")
	assert.False(t, out["9999"].Valid())

	batch.mu.Lock()
	defer batch.mu.Unlock()
	for _, call := range batch.calls {
		for _, p := range call {
			assert.NotEqual(t, uint32(9999), p.Token)
		}
	}
}

func TestExplicitPairsKeyedByPairAndPrimed(t *testing.T) {
	pair := vortex.Pair{Exchange: vortex.ExchangeMCXFO, Token: 77}
	batch := &scriptedBatcher{answers: []map[string]vortex.Quote{
		{pair.Key(): vortex.PriceQuote(432.1)},
	}}
	mem := cache.NewMemory(10, time.Minute)
	res := &staticResolver{known: map[uint32]vortex.Exchange{}}
	c := New(batch, res, mem, deadTickStore(t), 2*time.Second, metrics.New(), zerolog.Nop())

	out := c.LTP(context.Background(), Request{Pairs: []vortex.Pair{pair}})

	require.Contains(t, out, pair.Key())
	assert.InDelta(t, 432.1, *out[pair.Key()].LastPrice, 1e-9)
	assert.Equal(t, []vortex.Pair{pair}, res.prime)
}

func TestLTPOnlyDropsNullKeys(t *testing.T) {
	batch := &scriptedBatcher{answers: []map[string]vortex.Quote{
		{pairOne.Key(): vortex.PriceQuote(10)},
	}}
	c := newTestComposer(t, batch, cache.NewMemory(10, time.Minute))

	out := c.LTP(context.Background(), Request{Tokens: []uint32{1, 2, 9999}, LTPOnly: true})

	assert.Contains(t, out, "1")
	assert.NotContains(t, out, "2")
	assert.NotContains(t, out, "9999")
}

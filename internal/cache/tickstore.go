package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/vortex"
)

const tickKeyPrefix = "last_tick:"

// TickStore is the shared last-tick tier: `last_tick:{token}` keys in
// the coordination store holding a JSON-encoded quote. Only the tick
// ingestor writes here; ticks are the authoritative live source.
type TickStore struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewTickStore builds the shared tier.
func NewTickStore(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *TickStore {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &TickStore{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "tick_store").Logger(),
	}
}

func tickKey(token uint32) string {
	return tickKeyPrefix + strconv.FormatUint(uint64(token), 10)
}

// Put writes one quote with the store's TTL. Store errors are logged
// and swallowed; the memory tier still has the value.
func (s *TickStore) Put(ctx context.Context, token uint32, q vortex.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		s.log.Error().Err(err).Uint32("token", token).Msg("encode last tick")
		return
	}
	if err := s.rdb.Set(ctx, tickKey(token), data, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Uint32("token", token).Msg("write last tick")
	}
}

// Get fetches quotes for the given tokens in one MGET. Missing or
// undecodable keys are simply absent from the result.
func (s *TickStore) Get(ctx context.Context, tokens []uint32) map[uint32]vortex.Quote {
	if len(tokens) == 0 {
		return map[uint32]vortex.Quote{}
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = tickKey(t)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.log.Warn().Err(err).Int("tokens", len(tokens)).Msg("read last ticks")
		return map[uint32]vortex.Quote{}
	}

	out := make(map[uint32]vortex.Quote, len(tokens))
	for i, raw := range values {
		if i >= len(tokens) || raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var q vortex.Quote
		if err := json.Unmarshal([]byte(str), &q); err != nil {
			s.log.Warn().Err(err).Uint32("token", tokens[i]).Msg("decode last tick")
			continue
		}
		out[tokens[i]] = q
	}
	return out
}

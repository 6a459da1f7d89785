// Package gate is the cross-process pacing primitive in front of the
// upstream HTTP API: at most one acquisition per endpoint per clock
// second across every process sharing the coordination store.
package gate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Endpoint identifiers accepted by Acquire.
const (
	EndpointQuotes  = "quotes"
	EndpointLTP     = "ltp"
	EndpointOHLC    = "ohlc"
	EndpointHistory = "history"
)

const keyPrefix = "rate:gate:"

// Store is the coordination-store surface the gate needs. The redis
// implementation is the production one; tests plug a local fake.
type Store interface {
	// Incr atomically increments the key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the key's remaining TTL; negative when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	C *redis.Client
}

func (s RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.C.Incr(ctx, key).Result()
}

func (s RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.C.PExpire(ctx, key, ttl).Err()
}

func (s RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.C.PTTL(ctx, key).Result()
}

// Gate paces upstream calls per endpoint. The winner of an INCR on the
// endpoint key holds the slot until the key expires (1s plus jitter).
// When the store is unreachable the gate degrades to a process-local
// pacer with the same schedule, preferring availability over strict
// global uniqueness; it probes the store again on every acquire so
// recovery is automatic.
type Gate struct {
	store  Store
	jitter time.Duration
	log    zerolog.Logger

	mu       sync.Mutex
	local    map[string]*rate.Limiter
	degraded bool

	rng *rand.Rand
}

// New builds a gate. jitter is the maximum randomized extension added to
// each release, in [0, 250ms].
func New(store Store, jitter time.Duration, log zerolog.Logger) *Gate {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 250*time.Millisecond {
		jitter = 250 * time.Millisecond
	}
	return &Gate{
		store:  store,
		jitter: jitter,
		log:    log.With().Str("component", "gate").Logger(),
		local:  make(map[string]*rate.Limiter),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until the caller holds the endpoint slot or ctx ends.
func (g *Gate) Acquire(ctx context.Context, endpoint string) error {
	key := keyPrefix + endpoint
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := g.store.Incr(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return g.acquireLocal(ctx, endpoint, err)
		}
		g.setDegraded(false)

		if n == 1 {
			// Slot won. The key's expiry is the release; the next
			// waiter proceeds after 1s plus jitter.
			if err := g.store.Expire(ctx, key, g.slotTTL()); err != nil {
				g.log.Warn().Err(err).Str("endpoint", endpoint).
					Msg("gate expire failed after win, slot may linger")
			}
			return nil
		}

		wait, err := g.store.TTL(ctx, key)
		if err != nil || wait <= 0 {
			// Contended key without TTL (expire raced or failed):
			// back off a beat rather than spin.
			wait = 100 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Penalize extends the endpoint slot after an upstream 429 so the next
// waiter is pushed out by a further second plus jitter.
func (g *Gate) Penalize(ctx context.Context, endpoint string) {
	key := keyPrefix + endpoint
	if err := g.store.Expire(ctx, key, g.slotTTL()); err != nil {
		g.log.Warn().Err(err).Str("endpoint", endpoint).Msg("gate penalty extend failed")
	}
}

func (g *Gate) slotTTL() time.Duration {
	g.mu.Lock()
	j := time.Duration(g.rng.Int63n(int64(g.jitter) + 1))
	g.mu.Unlock()
	return time.Second + j
}

// acquireLocal is the degraded path: per-endpoint token bucket at 1 rps.
func (g *Gate) acquireLocal(ctx context.Context, endpoint string, cause error) error {
	g.setDegraded(true)

	g.mu.Lock()
	lim, ok := g.local[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 1)
		g.local[endpoint] = lim
	}
	g.mu.Unlock()

	_ = cause
	return lim.Wait(ctx)
}

func (g *Gate) setDegraded(v bool) {
	g.mu.Lock()
	changed := g.degraded != v
	g.degraded = v
	g.mu.Unlock()
	if !changed {
		return
	}
	if v {
		g.log.Warn().Msg("coordination store unreachable, gate degraded to local pacing")
	} else {
		g.log.Info().Msg("coordination store reachable again, gate back to shared pacing")
	}
}

// Degraded reports whether the gate is currently on the local fallback.
func (g *Gate) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// Package gateway is the client push channel: one WebSocket endpoint
// per tenant-authenticated connection, heterogeneous subscription
// input, per-event rate limits and tick delivery with a bounded
// drop-oldest outbound queue.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/compose"
	"github.com/tickmesh/vortexgw/internal/ingest"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/resolver"
	"github.com/tickmesh/vortexgw/internal/submux"
	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

// ProtocolVersion is reported in the welcome frame.
const ProtocolVersion = "1.0"

// Config tunes the gateway surface.
type Config struct {
	// PerEventRPS is the default per-tenant event ceiling; tenant
	// overrides win.
	PerEventRPS map[string]float64
	// OutboundQueue is the per-connection tick queue depth.
	OutboundQueue int
	// ReadTimeout closes idle connections.
	ReadTimeout time.Duration
}

// Hub owns connection state and routes decoded ticks to subscribers.
// It holds only handles to the multiplexer and ingestor; their state
// stays theirs.
type Hub struct {
	cfg      Config
	mux      *submux.Mux
	resolver *resolver.Resolver
	tenants  *tenant.Store
	composer *compose.Composer
	ingestor *ingest.Ingestor
	metrics  *metrics.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
	// byPair indexes open connections by subscribed pair key for tick
	// dispatch.
	byPair map[string]map[string]*Conn

	// limMu guards tenantLimiters. Event buckets are keyed by tenant,
	// not connection, so opening more sockets buys no extra budget.
	limMu          sync.Mutex
	tenantLimiters map[string]eventLimiters
}

// New builds the hub.
func New(cfg Config, mux *submux.Mux, res *resolver.Resolver, tenants *tenant.Store, composer *compose.Composer, ing *ingest.Ingestor, m *metrics.Registry, log zerolog.Logger) *Hub {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 256
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		mux:      mux,
		resolver: res,
		tenants:  tenants,
		composer: composer,
		ingestor: ing,
		metrics:  m,
		log:      log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:          make(map[string]*Conn),
		byPair:         make(map[string]map[string]*Conn),
		tenantLimiters: make(map[string]eventLimiters),
	}
}

// limitersFor returns the tenant's shared event buckets, creating them
// on first sight of the tenant.
func (h *Hub) limitersFor(tc *tenant.Context) eventLimiters {
	h.limMu.Lock()
	defer h.limMu.Unlock()
	lims, ok := h.tenantLimiters[tc.ID]
	if !ok {
		lims = newEventLimiters(h.cfg.PerEventRPS, tc.WSRPSOverrides)
		h.tenantLimiters[tc.ID] = lims
	}
	return lims
}

// HandleWS upgrades and serves one client connection. Auth errors are
// delivered as error frames on the upgraded socket so clients get a
// machine-readable code, then the socket closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		apiKey = r.Header.Get("x-api-key")
	}
	tc, err := h.tenants.ByAPIKey(r.Context(), apiKey)
	if err != nil {
		code := codeInvalidAPIKey
		if err == tenant.ErrMissingKey {
			code = codeMissingAPIKey
		}
		writeAndClose(sock, errorFrame(code, err.Error(), nil))
		return
	}
	if err := h.tenants.AcquireConn(tc); err != nil {
		writeAndClose(sock, errorFrame(codeCapacityExceeded, "tenant connection limit reached", nil))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       uuid.NewString(),
		hub:      h,
		tenant:   tc,
		sock:     sock,
		out:      make(chan []byte, h.cfg.OutboundQueue),
		subs:     make(map[string]subState),
		limiters: h.limitersFor(tc),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientConns.Inc()
	h.log.Info().Str("conn", c.id).Str("tenant", tc.ID).Msg("client connected")

	c.sendJSON(c.welcome())
	go c.writePump()
	c.readPump()
	h.drop(c)
}

// drop tears one connection down: subscriptions, index entries, tenant
// slot, outstanding snapshot RPCs.
func (h *Hub) drop(c *Conn) {
	c.cancel()
	h.mux.UnregisterAll(c.id)

	h.mu.Lock()
	delete(h.conns, c.id)
	for key, set := range h.byPair {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.byPair, key)
		}
	}
	h.mu.Unlock()

	h.tenants.ReleaseConn(c.tenant)
	h.metrics.ClientConns.Dec()
	h.metrics.UpstreamSubs.Set(float64(h.mux.Size()))
	c.sock.Close()
	h.log.Info().Str("conn", c.id).Msg("client disconnected")
}

func (h *Hub) index(c *Conn, key string) {
	h.mu.Lock()
	set, ok := h.byPair[key]
	if !ok {
		set = make(map[string]*Conn)
		h.byPair[key] = set
	}
	set[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unindex(c *Conn, key string) {
	h.mu.Lock()
	if set, ok := h.byPair[key]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.byPair, key)
		}
	}
	h.mu.Unlock()
}

// Dispatch delivers one decoded tick to every subscribed connection,
// trimmed to each connection's mode. Called from the ingestor's read
// path; it never blocks.
func (h *Hub) Dispatch(t vortex.Tick) {
	pair, ok := h.mux.PairByToken(t.Token)
	if !ok {
		return
	}
	key := pair.Key()

	h.mu.RLock()
	set := h.byPair[key]
	targets := make([]*Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	// One payload per mode, built lazily.
	var payloads [3][]byte
	for _, c := range targets {
		mode, ok := c.subMode(key)
		if !ok {
			continue
		}
		idx := modeIndex(mode)
		if payloads[idx] == nil {
			data, err := json.Marshal(tickFrame(t, pair, mode))
			if err != nil {
				continue
			}
			payloads[idx] = data
		}
		c.enqueue(payloads[idx])
	}
}

func modeIndex(m vortex.Mode) int {
	switch m {
	case vortex.ModeFull:
		return 2
	case vortex.ModeOHLCV:
		return 1
	default:
		return 0
	}
}

func writeAndClose(sock *websocket.Conn, frame interface{}) {
	data, err := json.Marshal(frame)
	if err == nil {
		sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
		sock.WriteMessage(websocket.TextMessage, data)
	}
	sock.Close()
}

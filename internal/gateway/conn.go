package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickmesh/vortexgw/internal/compose"
	"github.com/tickmesh/vortexgw/internal/submux"
	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

const writeWait = 10 * time.Second

// subState is this connection's view of one subscription.
type subState struct {
	pair vortex.Pair
	mode vortex.Mode
}

// Conn is one authenticated push-channel connection. The outbound queue
// is bounded; when a slow consumer fills it, the oldest tick is dropped
// so delivery stays fresh rather than complete.
type Conn struct {
	id       string
	hub      *Hub
	tenant   *tenant.Context
	sock     *websocket.Conn
	out      chan []byte
	limiters eventLimiters
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.RWMutex
	subs map[string]subState
}

func (c *Conn) welcome() map[string]interface{} {
	return map[string]interface{}{
		"type":             "welcome",
		"version":          ProtocolVersion,
		"conn_id":          c.id,
		"tenant":           c.tenant.Name,
		"entitlements":     c.entitledExchanges(),
		"connection_limit": c.tenant.ConnectionLimit,
		"rate_per_minute":  c.tenant.RateLimitPerMinute,
		"upstream":         c.hub.ingestor.State().String(),
	}
}

func (c *Conn) entitledExchanges() []vortex.Exchange {
	out := make([]vortex.Exchange, 0, len(c.tenant.Entitlements))
	for ex, ok := range c.tenant.Entitlements {
		if ok {
			out = append(out, ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Conn) subMode(key string) (vortex.Mode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.subs[key]
	return s.mode, ok
}

// enqueue never blocks: a full queue sheds its oldest frame to make
// room for the newest.
func (c *Conn) enqueue(data []byte) {
	for {
		select {
		case c.out <- data:
			return
		default:
		}
		select {
		case <-c.out:
			c.hub.metrics.ClientDrops.Inc()
		default:
		}
	}
}

func (c *Conn) sendJSON(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.log.Error().Err(err).Str("conn", c.id).Msg("frame marshal failed")
		return
	}
	c.enqueue(data)
}

func (c *Conn) sendError(code, message string, item interface{}) {
	c.hub.metrics.EventErrors.WithLabelValues(code).Inc()
	c.sendJSON(errorFrame(code, message, item))
}

// writePump is the only goroutine writing to the socket.
func (c *Conn) writePump() {
	ping := time.NewTicker(c.hub.cfg.ReadTimeout / 3)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.sock.Close()
				return
			}
		case <-ping.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.sock.Close()
				return
			}
		}
	}
}

// readPump parses client events until the socket dies.
func (c *Conn) readPump() {
	c.sock.SetReadLimit(1 << 20)
	c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			c.sendError(codeInvalidPayload, "malformed event", nil)
			continue
		}
		c.hub.metrics.Events.WithLabelValues(req.Type).Inc()
		if !c.limiters.allow(req.Type) {
			c.sendError(codeRateLimited, "event rate exceeded for "+req.Type, nil)
			continue
		}
		c.handle(req)
	}
}

func (c *Conn) handle(req clientRequest) {
	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req)
	case "unsubscribe":
		c.handleUnsubscribe(req)
	case "set_mode":
		c.handleSetMode(req)
	case "list_subscriptions":
		c.sendJSON(map[string]interface{}{
			"type":          "subscriptions",
			"subscriptions": c.hub.mux.List(c.id),
		})
	case "unsubscribe_all":
		c.handleUnsubscribeAll()
	case "get_quote":
		c.handleGetQuote(req)
	case "status":
		c.handleStatus()
	case "whoami":
		c.handleWhoami()
	case "ping":
		c.sendJSON(map[string]interface{}{"type": "pong", "ts": time.Now().Unix()})
	case "pong":
		// Liveness reply from clients that answer in-band; the read
		// deadline already reset in readPump.
	default:
		c.sendError(codeInvalidPayload, "unknown event type "+req.Type, nil)
	}
}

// resolvedSet is an instrumentSet after exchange resolution and
// entitlement screening. Every surviving want keeps the form the client
// asked in, so snapshot keys echo the request.
type resolvedSet struct {
	wants      []connWant
	unresolved []uint32
	forbidden  []forbiddenItem
}

type connWant struct {
	key       string
	pair      vortex.Pair
	fromToken bool
}

// resolveInstruments turns the partitioned input into entitled pairs.
func (c *Conn) resolveInstruments(set instrumentSet) resolvedSet {
	var out resolvedSet

	pairs, unresolved := c.hub.resolver.BuildPairs(c.ctx, set.tokens)
	out.unresolved = unresolved
	for _, p := range pairs {
		if !c.tenant.Entitled(p.Exchange) {
			out.forbidden = append(out.forbidden, forbiddenItem{Token: p.Token, Exchange: p.Exchange})
			continue
		}
		out.wants = append(out.wants, connWant{key: tokenKey(p.Token), pair: p, fromToken: true})
	}
	for _, p := range set.pairs {
		if !c.tenant.Entitled(p.Exchange) {
			out.forbidden = append(out.forbidden, forbiddenItem{Token: p.Token, Exchange: p.Exchange})
			continue
		}
		out.wants = append(out.wants, connWant{key: p.Key(), pair: p})
	}
	return out
}

func (c *Conn) reportRejects(set instrumentSet, res resolvedSet) {
	for _, bad := range set.bad {
		c.sendError(codeInvalidPayload, "unparseable instrument", bad)
	}
	for _, t := range res.unresolved {
		c.sendError(codeExchangeUnresolved, "no exchange mapping for token", t)
	}
	for _, f := range res.forbidden {
		c.sendError(codeForbiddenExchange, "tenant not entitled to "+string(f.Exchange), f)
	}
}

func (c *Conn) handleSubscribe(req clientRequest) {
	set := parseInstruments(req.Instruments)
	if set.empty() && len(set.bad) == 0 {
		c.sendError(codeInvalidPayload, "instruments required", nil)
		return
	}
	mode := vortex.ModeLTP
	if req.Mode != "" {
		m, ok := vortex.ParseMode(req.Mode)
		if !ok {
			c.sendError(codeInvalidMode, "unknown mode "+req.Mode, nil)
			return
		}
		mode = m
	}
	if c.hub.ingestor.AuthFailed() {
		c.sendError(codeStreamInactive, "upstream stream credentials rejected", nil)
		return
	}

	res := c.resolveInstruments(set)
	c.reportRejects(set, res)

	included := make([]string, 0, len(res.wants))
	pairKeys := make([]string, 0, len(res.wants))
	var snapTokens []uint32
	var snapPairs []vortex.Pair
	for _, w := range res.wants {
		if err := c.hub.mux.Register(c.id, w.pair, mode); err != nil {
			if err == submux.ErrCapacity {
				c.sendError(codeCapacityExceeded, "upstream subscription capacity exceeded", w.key)
			} else {
				c.sendError(codeSubscribeFailed, err.Error(), w.key)
			}
			continue
		}
		key := w.pair.Key()
		c.mu.Lock()
		c.subs[key] = subState{pair: w.pair, mode: mode}
		c.mu.Unlock()
		c.hub.index(c, key)

		included = append(included, w.key)
		pairKeys = append(pairKeys, key)
		if w.fromToken {
			snapTokens = append(snapTokens, w.pair.Token)
		} else {
			snapPairs = append(snapPairs, w.pair)
		}
	}
	c.hub.metrics.UpstreamSubs.Set(float64(c.hub.mux.Size()))

	// Inline snapshot so subscribers render a price before the first
	// tick lands.
	var snapshot map[string]vortex.Quote
	if len(snapTokens) > 0 || len(snapPairs) > 0 {
		snapshot = c.hub.composer.LTP(c.ctx, compose.Request{Tokens: snapTokens, Pairs: snapPairs})
	}

	c.sendJSON(map[string]interface{}{
		"type":       "subscribe_ack",
		"requested":  requestedForm(set),
		"pairs":      pairKeys,
		"included":   included,
		"unresolved": res.unresolved,
		"forbidden":  res.forbidden,
		"mode":       mode,
		"snapshot":   snapshot,
	})
}

func (c *Conn) handleUnsubscribe(req clientRequest) {
	set := parseInstruments(req.Instruments)
	if set.empty() {
		c.sendError(codeInvalidPayload, "instruments required", nil)
		return
	}

	pairs := make([]vortex.Pair, 0, len(set.tokens)+len(set.pairs))
	pairs = append(pairs, set.pairs...)
	resolved, unresolved := c.hub.resolver.BuildPairs(c.ctx, set.tokens)
	pairs = append(pairs, resolved...)
	for _, t := range unresolved {
		c.sendError(codeUnsubscribeFailed, "no exchange mapping for token", t)
	}
	for _, bad := range set.bad {
		c.sendError(codeInvalidPayload, "unparseable instrument", bad)
	}

	removed := make([]string, 0, len(pairs))
	for _, p := range pairs {
		key := p.Key()
		if err := c.hub.mux.Unregister(c.id, p); err != nil {
			c.sendError(codeUnsubscribeFailed, err.Error(), key)
			continue
		}
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
		c.hub.unindex(c, key)
		removed = append(removed, key)
	}
	c.hub.metrics.UpstreamSubs.Set(float64(c.hub.mux.Size()))

	c.sendJSON(map[string]interface{}{
		"type":    "unsubscribe_ack",
		"removed": removed,
	})
}

func (c *Conn) handleSetMode(req clientRequest) {
	mode, ok := vortex.ParseMode(req.Mode)
	if !ok {
		c.sendError(codeInvalidMode, "unknown mode "+req.Mode, nil)
		return
	}
	set := parseInstruments(req.Instruments)
	if set.empty() {
		c.sendError(codeInvalidPayload, "instruments required", nil)
		return
	}

	pairs := make([]vortex.Pair, 0, len(set.tokens)+len(set.pairs))
	pairs = append(pairs, set.pairs...)
	resolved, unresolved := c.hub.resolver.BuildPairs(c.ctx, set.tokens)
	pairs = append(pairs, resolved...)
	for _, t := range unresolved {
		c.sendError(codeSetModeFailed, "no exchange mapping for token", t)
	}

	changed := make([]string, 0, len(pairs))
	for _, p := range pairs {
		key := p.Key()
		if err := c.hub.mux.SetMode(c.id, p, mode); err != nil {
			c.sendError(codeSetModeFailed, err.Error(), key)
			continue
		}
		c.mu.Lock()
		c.subs[key] = subState{pair: p, mode: mode}
		c.mu.Unlock()
		changed = append(changed, key)
	}

	c.sendJSON(map[string]interface{}{
		"type":    "set_mode_ack",
		"mode":    mode,
		"changed": changed,
	})
}

func (c *Conn) handleUnsubscribeAll() {
	c.hub.mux.UnregisterAll(c.id)

	c.mu.Lock()
	keys := make([]string, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	c.subs = make(map[string]subState)
	c.mu.Unlock()
	for _, key := range keys {
		c.hub.unindex(c, key)
	}
	c.hub.metrics.UpstreamSubs.Set(float64(c.hub.mux.Size()))

	c.sendJSON(map[string]interface{}{
		"type":    "unsubscribe_ack",
		"removed": keys,
	})
}

func (c *Conn) handleGetQuote(req clientRequest) {
	set := parseInstruments(req.Instruments)
	if set.empty() && len(set.bad) == 0 {
		c.sendError(codeInvalidPayload, "instruments required", nil)
		return
	}
	res := c.resolveInstruments(set)
	c.reportRejects(set, res)

	var tokens []uint32
	var pairs []vortex.Pair
	for _, w := range res.wants {
		if w.fromToken {
			tokens = append(tokens, w.pair.Token)
		} else {
			pairs = append(pairs, w.pair)
		}
	}
	quotes := c.hub.composer.LTP(c.ctx, compose.Request{
		Tokens:  tokens,
		Pairs:   pairs,
		LTPOnly: req.LTPOnly,
	})
	if quotes == nil {
		quotes = map[string]vortex.Quote{}
	}
	for _, t := range res.unresolved {
		if !req.LTPOnly {
			quotes[tokenKey(t)] = vortex.NullQuote()
		}
	}

	c.sendJSON(map[string]interface{}{
		"type":   "quote",
		"quotes": quotes,
	})
}

func (c *Conn) handleStatus() {
	c.mu.RLock()
	subs := len(c.subs)
	c.mu.RUnlock()

	c.sendJSON(map[string]interface{}{
		"type":           "status",
		"upstream":       c.hub.ingestor.State().String(),
		"auth_failed":    c.hub.ingestor.AuthFailed(),
		"subscriptions":  subs,
		"upstream_pairs": c.hub.mux.Size(),
	})
}

func (c *Conn) handleWhoami() {
	c.sendJSON(map[string]interface{}{
		"type":             "whoami",
		"tenant":           c.tenant.Name,
		"entitlements":     c.entitledExchanges(),
		"connection_limit": c.tenant.ConnectionLimit,
		"rate_per_minute":  c.tenant.RateLimitPerMinute,
	})
}

// Package ingest owns the single upstream WebSocket session: it dials,
// replays registered subscriptions, decodes binary tick frames, writes
// them through the quote cache and hands them to the dispatcher. It
// never applies backpressure to the upstream socket.
package ingest

import (
	"context"
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/cache"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/submux"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

// State is the connection lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	}
	return "disconnected"
}

// Dispatcher receives every decoded tick, in upstream order per pair.
// Implementations must not block.
type Dispatcher interface {
	Dispatch(t vortex.Tick)
}

// SubSource supplies the subscribe commands to replay on (re)connect.
type SubSource interface {
	Snapshot() []submux.Command
}

// TokenSource supplies the upstream access token for the socket URL.
type TokenSource interface {
	AccessToken() (string, bool)
}

// Config tunes the ingestor.
type Config struct {
	WSURL      string
	MaxBackoff time.Duration
	// PingInterval keeps the socket alive; the read deadline is twice
	// this.
	PingInterval time.Duration
}

const (
	cmdQueueSize   = 4096
	storeQueueSize = 4096
	// steadyAfter is how long STREAMING must hold before the backoff
	// counter resets.
	steadyAfter = 30 * time.Second
)

type wsRequest struct {
	Exchange    vortex.Exchange `json:"exchange"`
	Token       uint32          `json:"token"`
	Mode        vortex.Mode     `json:"mode"`
	MessageType string          `json:"message_type"`
}

// Ingestor runs the upstream session. Send is the serialized path to
// the socket; every subscribe/unsubscribe goes through it so frames for
// the same pair can never cross.
type Ingestor struct {
	cfg      Config
	tokens   TokenSource
	subs     SubSource
	mem      *cache.Memory
	ticks    *cache.TickStore
	dispatch Dispatcher
	metrics  *metrics.Registry
	log      zerolog.Logger

	cmds       chan submux.Command
	store      chan vortex.Tick
	state      atomic.Int32
	authFailed atomic.Bool
	dialer     *websocket.Dialer
}

// New builds an ingestor.
func New(cfg Config, tokens TokenSource, subs SubSource, mem *cache.Memory, ticks *cache.TickStore, dispatch Dispatcher, m *metrics.Registry, log zerolog.Logger) *Ingestor {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	return &Ingestor{
		cfg:      cfg,
		tokens:   tokens,
		subs:     subs,
		mem:      mem,
		ticks:    ticks,
		dispatch: dispatch,
		metrics:  m,
		log:      log.With().Str("component", "ingestor").Logger(),
		cmds:     make(chan submux.Command, cmdQueueSize),
		store:    make(chan vortex.Tick, storeQueueSize),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Send enqueues a subscribe/unsubscribe command. Never blocks; a full
// queue drops the command (the snapshot replay on the next reconnect
// restores truth from the multiplexer).
func (i *Ingestor) Send(cmd submux.Command) {
	select {
	case i.cmds <- cmd:
	default:
		i.log.Error().Str("pair", cmd.Pair.Key()).Bool("subscribe", cmd.Subscribe).
			Msg("command queue full, dropping")
	}
}

// State reports the current lifecycle position.
func (i *Ingestor) State() State {
	return State(i.state.Load())
}

// AuthFailed reports whether the last handshake was rejected for auth;
// clients get stream_inactive until an out-of-band re-auth clears it.
func (i *Ingestor) AuthFailed() bool {
	return i.authFailed.Load()
}

// Run drives the reconnect loop until ctx ends. Backoff doubles up to
// the cap with jitter and resets after 30s of uninterrupted streaming.
func (i *Ingestor) Run(ctx context.Context) {
	go i.storeLoop(ctx)

	backoff := time.Second
	for {
		streamed := i.session(ctx)
		i.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		if streamed >= steadyAfter {
			backoff = time.Second
		} else {
			backoff *= 2
			if backoff > i.cfg.MaxBackoff {
				backoff = i.cfg.MaxBackoff
			}
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff/4)+1))
		i.log.Info().Dur("delay", delay).Msg("reconnecting upstream socket")
		i.metrics.Reconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection attempt end to end and returns how long
// it spent streaming.
func (i *Ingestor) session(ctx context.Context) time.Duration {
	i.setState(StateConnecting)

	target := i.cfg.WSURL
	if token, ok := i.tokens.AccessToken(); ok {
		u, err := url.Parse(target)
		if err == nil {
			q := u.Query()
			q.Set("auth_token", token)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	conn, resp, err := i.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			i.authFailed.Store(true)
			i.log.Error().Int("status", resp.StatusCode).Msg("upstream socket rejected auth")
		} else {
			i.log.Warn().Err(err).Msg("upstream socket dial failed")
		}
		return 0
	}
	i.authFailed.Store(false)
	i.setState(StateConnected)
	defer conn.Close()

	// Stale commands predating the disconnect are superseded by the
	// snapshot replay below; the multiplexer is the source of truth.
	i.drainCommands()
	for _, cmd := range i.subs.Snapshot() {
		if err := writeCommand(conn, cmd); err != nil {
			i.log.Warn().Err(err).Msg("resubscribe replay failed")
			return 0
		}
	}
	i.setState(StateStreaming)
	i.log.Info().Msg("upstream socket streaming")
	start := time.Now()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writerDone := make(chan struct{})
	go i.writer(sessionCtx, conn, writerDone)

	i.readLoop(conn)
	cancel()
	<-writerDone
	return time.Since(start)
}

// writer owns all writes after the replay: serialized commands and
// keepalive pings.
func (i *Ingestor) writer(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(i.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-i.cmds:
			if err := writeCommand(conn, cmd); err != nil {
				i.log.Warn().Err(err).Str("pair", cmd.Pair.Key()).Msg("command write failed")
				conn.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (i *Ingestor) readLoop(conn *websocket.Conn) {
	readDeadline := 2 * i.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			i.log.Warn().Err(err).Msg("upstream socket read ended")
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		if msgType != websocket.BinaryMessage {
			continue
		}

		ticks, dropped := vortex.ParseFrame(data)
		if dropped {
			i.metrics.TicksDropped.WithLabelValues("unknown_frame").Inc()
			continue
		}
		for _, t := range ticks {
			i.metrics.TicksDecoded.WithLabelValues(string(t.Mode)).Inc()
			i.mem.Set(t.Token, t.Quote())
			select {
			case i.store <- t:
			default:
				i.metrics.TicksDropped.WithLabelValues("store_queue_full").Inc()
			}
			i.dispatch.Dispatch(t)
		}
	}
}

// storeLoop writes last ticks to the shared store off the read path so
// store latency never stalls the socket.
func (i *Ingestor) storeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-i.store:
			putCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			i.ticks.Put(putCtx, t.Token, t.Quote())
			cancel()
		}
	}
}

func writeCommand(conn *websocket.Conn, cmd submux.Command) error {
	msgType := "subscribe"
	if !cmd.Subscribe {
		msgType = "unsubscribe"
	}
	return conn.WriteJSON(wsRequest{
		Exchange:    cmd.Pair.Exchange,
		Token:       cmd.Pair.Token,
		Mode:        cmd.Mode,
		MessageType: msgType,
	})
}

func (i *Ingestor) drainCommands() {
	for {
		select {
		case <-i.cmds:
		default:
			return
		}
	}
}

func (i *Ingestor) setState(s State) {
	i.state.Store(int32(s))
	i.metrics.IngestorState.Set(float64(s))
}

// Package submux maintains the N-to-1 mapping from client subscriptions
// to upstream subscriptions: one refcounted row per pair, the effective
// upstream mode being the strongest any client asked for.
package submux

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/vortex"
)

// ErrCapacity is returned when a new pair would exceed the per-socket
// subscription cap.
var ErrCapacity = errors.New("upstream subscription capacity exceeded")

// Command is a serialized instruction for the upstream socket writer.
type Command struct {
	Subscribe bool
	Pair      vortex.Pair
	Mode      vortex.Mode
}

// Sender accepts commands for the upstream socket. The ingestor
// implements it; commands for the same pair are delivered in order
// because every mutation happens under the mux lock.
type Sender interface {
	Send(cmd Command)
}

// ClientSub is one client's view of a subscription.
type ClientSub struct {
	Pair vortex.Pair `json:"pair"`
	Mode vortex.Mode `json:"mode"`
}

type row struct {
	pair    vortex.Pair
	mode    vortex.Mode // effective upstream mode
	clients map[string]vortex.Mode
}

// Mux owns the refcount table. All methods are safe for concurrent use.
type Mux struct {
	mu       sync.Mutex
	rows     map[string]*row            // pair key -> row
	byToken  map[uint32]string          // token -> pair key
	byClient map[string]map[string]bool // client id -> pair keys
	maxPairs int
	sender   Sender
	log      zerolog.Logger
}

// New builds a multiplexer with the given per-socket pair cap.
func New(maxPairs int, sender Sender, log zerolog.Logger) *Mux {
	if maxPairs <= 0 {
		maxPairs = 1000
	}
	return &Mux{
		rows:     make(map[string]*row),
		byToken:  make(map[uint32]string),
		byClient: make(map[string]map[string]bool),
		maxPairs: maxPairs,
		sender:   sender,
		log:      log.With().Str("component", "submux").Logger(),
	}
}

// Register creates or updates clientID's subscription on pair. A new
// pair beyond the cap is rejected with ErrCapacity; re-registering an
// already-held pair with a different mode behaves as SetMode, with the
// same mode it is a no-op.
func (m *Mux) Register(clientID string, pair vortex.Pair, mode vortex.Mode) error {
	key := pair.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rows[key]
	if !exists {
		if len(m.rows) >= m.maxPairs {
			return ErrCapacity
		}
		r = &row{pair: pair, mode: mode, clients: map[string]vortex.Mode{clientID: mode}}
		m.rows[key] = r
		m.byToken[pair.Token] = key
		m.trackClient(clientID, key)
		m.sender.Send(Command{Subscribe: true, Pair: pair, Mode: mode})
		return nil
	}

	if prev, held := r.clients[clientID]; held && prev == mode {
		return nil
	}
	r.clients[clientID] = mode
	m.trackClient(clientID, key)
	m.refreshEffective(r)
	return nil
}

// Unregister drops clientID's subscription on pair. The last reference
// triggers the upstream unsubscribe.
func (m *Mux) Unregister(clientID string, pair vortex.Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(clientID, pair.Key())
}

// SetMode changes clientID's mode for pair and resends the upstream
// subscribe when the effective mode moves.
func (m *Mux) SetMode(clientID string, pair vortex.Pair, mode vortex.Mode) error {
	key := pair.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rows[key]
	if !exists {
		return errors.New("not subscribed")
	}
	if _, held := r.clients[clientID]; !held {
		return errors.New("not subscribed")
	}
	r.clients[clientID] = mode
	m.refreshEffective(r)
	return nil
}

// List returns clientID's subscriptions in stable pair-key order.
func (m *Mux) List(clientID string) []ClientSub {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.byClient[clientID]))
	for key := range m.byClient[clientID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	subs := make([]ClientSub, 0, len(keys))
	for _, key := range keys {
		if r, ok := m.rows[key]; ok {
			subs = append(subs, ClientSub{Pair: r.pair, Mode: r.clients[clientID]})
		}
	}
	return subs
}

// UnregisterAll is the disconnect cleanup guarantee.
func (m *Mux) UnregisterAll(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.byClient[clientID] {
		if err := m.unregisterLocked(clientID, key); err != nil {
			m.log.Warn().Err(err).Str("client", clientID).Str("pair", key).
				Msg("disconnect cleanup")
		}
	}
	delete(m.byClient, clientID)
}

// Snapshot returns one subscribe command per registered pair with its
// effective mode, for replay after a reconnect.
func (m *Mux) Snapshot() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.rows))
	for key := range m.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cmds := make([]Command, 0, len(keys))
	for _, key := range keys {
		r := m.rows[key]
		cmds = append(cmds, Command{Subscribe: true, Pair: r.pair, Mode: r.mode})
	}
	return cmds
}

// PairByToken maps a decoded tick's token back to its registered pair.
func (m *Mux) PairByToken(token uint32) (vortex.Pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byToken[token]
	if !ok {
		return vortex.Pair{}, false
	}
	r, ok := m.rows[key]
	if !ok {
		return vortex.Pair{}, false
	}
	return r.pair, true
}

// Refcount reports the number of client subscriptions on a pair key.
func (m *Mux) Refcount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[key]; ok {
		return len(r.clients)
	}
	return 0
}

// Size reports the number of distinct upstream pairs.
func (m *Mux) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *Mux) trackClient(clientID, key string) {
	set, ok := m.byClient[clientID]
	if !ok {
		set = make(map[string]bool)
		m.byClient[clientID] = set
	}
	set[key] = true
}

func (m *Mux) unregisterLocked(clientID, key string) error {
	r, exists := m.rows[key]
	if !exists {
		return errors.New("not subscribed")
	}
	if _, held := r.clients[clientID]; !held {
		return errors.New("not subscribed")
	}
	delete(r.clients, clientID)
	if set := m.byClient[clientID]; set != nil {
		delete(set, key)
	}

	if len(r.clients) == 0 {
		delete(m.rows, key)
		if m.byToken[r.pair.Token] == key {
			delete(m.byToken, r.pair.Token)
		}
		m.sender.Send(Command{Subscribe: false, Pair: r.pair, Mode: r.mode})
		return nil
	}
	m.refreshEffective(r)
	return nil
}

// refreshEffective recomputes the strongest client mode and resends the
// subscribe when it changed (upstream semantics: a repeated subscribe
// updates the mode).
func (m *Mux) refreshEffective(r *row) {
	effective := vortex.ModeLTP
	first := true
	for _, mode := range r.clients {
		if first {
			effective = mode
			first = false
			continue
		}
		effective = vortex.StrongerMode(effective, mode)
	}
	if effective != r.mode {
		r.mode = effective
		m.sender.Send(Command{Subscribe: true, Pair: r.pair, Mode: effective})
	}
}

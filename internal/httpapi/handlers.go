package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tickmesh/vortexgw/internal/compose"
	"github.com/tickmesh/vortexgw/internal/gate"
	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

// flexToken accepts a JSON number or a numeric string.
type flexToken uint32

func (t *flexToken) UnmarshalJSON(data []byte) error {
	var n uint32
	if err := json.Unmarshal(data, &n); err == nil {
		*t = flexToken(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return err
	}
	*t = flexToken(n64)
	return nil
}

type pairSpec struct {
	Exchange string    `json:"exchange"`
	Token    flexToken `json:"token"`
}

// parseWireMode reads a mode query value. The REST surface spells the
// middle tier "ohlc", matching the upstream wire form; "ohlcv" is
// accepted too.
func parseWireMode(s string) (vortex.Mode, bool) {
	if s == "ohlc" {
		return vortex.ModeOHLCV, true
	}
	return vortex.ParseMode(s)
}

// snapshotRequest is the body of /ltp and /quotes. Instruments mixes
// bare tokens and EXCHANGE-TOKEN strings; pairs spells the tuple out.
type snapshotRequest struct {
	Instruments []json.RawMessage `json:"instruments"`
	Pairs       []pairSpec        `json:"pairs"`
}

type snapshotInput struct {
	tokens     []uint32
	pairs      []vortex.Pair
	bad        []string
	forbidden  []string
	pairTokens []uint32 // tokens screened out before resolution
}

// parseSnapshotRequest decodes and partitions the body. Entitlement
// screening happens here so forbidden instruments never reach the
// upstream path.
func parseSnapshotRequest(r *http.Request, tc *tenant.Context) (snapshotInput, bool) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return snapshotInput{}, false
	}

	var in snapshotInput
	for _, el := range req.Instruments {
		var token uint32
		if err := json.Unmarshal(el, &token); err == nil {
			in.tokens = append(in.tokens, token)
			continue
		}
		var s string
		if err := json.Unmarshal(el, &s); err == nil {
			if pair, perr := vortex.ParsePair(strings.TrimSpace(s)); perr == nil {
				if !tc.Entitled(pair.Exchange) {
					in.forbidden = append(in.forbidden, pair.Key())
					continue
				}
				in.pairs = append(in.pairs, pair)
				continue
			}
			in.bad = append(in.bad, s)
			continue
		}
		in.bad = append(in.bad, string(el))
	}
	for _, spec := range req.Pairs {
		ex, ok := vortex.ParseExchange(strings.TrimSpace(spec.Exchange))
		if !ok {
			in.bad = append(in.bad, spec.Exchange+"-"+strconv.FormatUint(uint64(spec.Token), 10))
			continue
		}
		pair := vortex.Pair{Exchange: ex, Token: uint32(spec.Token)}
		if !tc.Entitled(pair.Exchange) {
			in.forbidden = append(in.forbidden, pair.Key())
			continue
		}
		in.pairs = append(in.pairs, pair)
	}
	return in, true
}

func (s *Server) handleLTP(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)
	in, ok := parseSnapshotRequest(r, tc)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "malformed request body")
		return
	}
	if len(in.tokens) == 0 && len(in.pairs) == 0 && len(in.bad) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "instruments or pairs required")
		return
	}

	ltpOnly := r.URL.Query().Get("ltp_only") == "true"
	quotes := s.composer.LTP(r.Context(), compose.Request{
		Tokens:  s.screenTokens(r, tc, &in),
		Pairs:   in.pairs,
		LTPOnly: ltpOnly,
	})

	s.writeSnapshot(w, quotes, in)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)
	in, ok := parseSnapshotRequest(r, tc)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "malformed request body")
		return
	}
	if len(in.tokens) == 0 && len(in.pairs) == 0 && len(in.bad) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "instruments or pairs required")
		return
	}
	mode := vortex.ModeFull
	if raw := r.URL.Query().Get("mode"); raw != "" {
		m, ok := parseWireMode(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid_mode", "unknown mode "+raw)
			return
		}
		mode = m
	}
	ltpOnly := r.URL.Query().Get("ltp_only") == "true"

	tokens := s.screenTokens(r, tc, &in)
	quotes := make(map[string]vortex.Quote, len(tokens)+len(in.pairs))
	byToken := s.batch.Quotes(r.Context(), tokens, mode)
	for t, q := range byToken {
		quotes[strconv.FormatUint(uint64(t), 10)] = q
	}
	for key, q := range s.batch.QuotesByPairs(r.Context(), in.pairs, mode) {
		quotes[key] = q
	}
	if ltpOnly {
		for key, q := range quotes {
			if !q.Valid() {
				delete(quotes, key)
			}
		}
	}

	s.writeSnapshot(w, quotes, in)
}

// screenTokens resolves bare tokens early enough to apply entitlements;
// unentitled ones join in.forbidden, unresolved pass through so the
// composer answers them null.
func (s *Server) screenTokens(r *http.Request, tc *tenant.Context, in *snapshotInput) []uint32 {
	if len(in.tokens) == 0 {
		return nil
	}
	pairs, unresolved := s.resolver.BuildPairs(r.Context(), in.tokens)
	out := make([]uint32, 0, len(in.tokens))
	for _, p := range pairs {
		if !tc.Entitled(p.Exchange) {
			in.forbidden = append(in.forbidden, strconv.FormatUint(uint64(p.Token), 10))
			continue
		}
		out = append(out, p.Token)
	}
	return append(out, unresolved...)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, quotes map[string]vortex.Quote, in snapshotInput) {
	body := map[string]interface{}{
		"status": "success",
		"data":   quotes,
	}
	if len(in.bad) > 0 {
		body["invalid"] = in.bad
	}
	if len(in.forbidden) > 0 {
		body["forbidden"] = in.forbidden
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)

	rawToken := mux.Vars(r)["token"]
	token64, err := strconv.ParseUint(rawToken, 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "token must be numeric")
		return
	}
	token := uint32(token64)

	pairs, _ := s.resolver.BuildPairs(r.Context(), []uint32{token})
	if len(pairs) == 0 {
		s.writeError(w, http.StatusNotFound, "exchange_unresolved", "no exchange mapping for token")
		return
	}
	pair := pairs[0]
	if !tc.Entitled(pair.Exchange) {
		s.writeError(w, http.StatusForbidden, "forbidden_exchange", "tenant not entitled to "+string(pair.Exchange))
		return
	}

	q := r.URL.Query()
	from, err := time.Parse("2006-01-02", q.Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "from must be YYYY-MM-DD")
		return
	}
	to := time.Now()
	if raw := q.Get("to"); raw != "" {
		to, err = time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_payload", "to must be YYYY-MM-DD")
			return
		}
		to = to.Add(24*time.Hour - time.Second)
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "1D"
	}

	// History shares the upstream pacing contract with the quote
	// endpoints.
	if err := s.gate.Acquire(r.Context(), gate.EndpointHistory); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "rate_limited", "upstream pacing slot unavailable")
		return
	}

	result, err := s.upstream.History(r.Context(), pair.Exchange, pair.Token, from.Unix(), to.Unix(), interval)
	if err != nil {
		switch vortex.KindOf(err) {
		case vortex.KindThrottled:
			s.gate.Penalize(r.Context(), gate.EndpointHistory)
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "upstream throttled")
		case vortex.KindAuthExpired:
			s.writeError(w, http.StatusBadGateway, "stream_inactive", "upstream session expired")
		case vortex.KindMalformed:
			s.writeError(w, http.StatusBadGateway, "invalid_payload", "upstream answer unreadable")
		default:
			s.writeError(w, http.StatusBadGateway, "upstream_error", "upstream unavailable")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   result,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"upstream": s.ingestor.State().String(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

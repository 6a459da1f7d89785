package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tickmesh/vortexgw/internal/vortex"
)

// Error codes emitted on the push channel.
const (
	codeMissingAPIKey      = "missing_api_key"
	codeInvalidAPIKey      = "invalid_api_key"
	codeInvalidPayload     = "invalid_payload"
	codeInvalidMode        = "invalid_mode"
	codeStreamInactive     = "stream_inactive"
	codeExchangeUnresolved = "exchange_unresolved"
	codeForbiddenExchange  = "forbidden_exchange"
	codeRateLimited        = "rate_limited"
	codeCapacityExceeded   = "capacity_exceeded"
	codeSubscribeFailed    = "subscribe_failed"
	codeUnsubscribeFailed  = "unsubscribe_failed"
	codeSetModeFailed      = "set_mode_failed"
)

// clientRequest is the envelope of every client event.
type clientRequest struct {
	Type        string            `json:"type"`
	Instruments []json.RawMessage `json:"instruments,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	LTPOnly     bool              `json:"ltp_only,omitempty"`
}

type errorPayload struct {
	Type    string      `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Item    interface{} `json:"item,omitempty"`
}

func errorFrame(code, message string, item interface{}) errorPayload {
	return errorPayload{Type: "error", Code: code, Message: message, Item: item}
}

// forbiddenItem reports one entitlement rejection in the subscribe ack.
type forbiddenItem struct {
	Token    uint32          `json:"token"`
	Exchange vortex.Exchange `json:"exchange"`
}

// instrumentSet is the partitioned view of a heterogeneous instruments
// list: bare tokens, explicit pairs, and elements that parse as
// neither.
type instrumentSet struct {
	tokens []uint32
	pairs  []vortex.Pair
	bad    []string
}

func (s instrumentSet) empty() bool {
	return len(s.tokens) == 0 && len(s.pairs) == 0
}

// parseInstruments partitions a list whose elements are either a bare
// numeric token or an EXCHANGE-TOKEN string.
func parseInstruments(raw []json.RawMessage) instrumentSet {
	var set instrumentSet
	for _, el := range raw {
		var token uint32
		if err := json.Unmarshal(el, &token); err == nil {
			set.tokens = append(set.tokens, token)
			continue
		}
		var s string
		if err := json.Unmarshal(el, &s); err == nil {
			if pair, err := vortex.ParsePair(strings.TrimSpace(s)); err == nil {
				set.pairs = append(set.pairs, pair)
				continue
			}
			set.bad = append(set.bad, s)
			continue
		}
		set.bad = append(set.bad, string(el))
	}
	return set
}

// requestedForm echoes the instruments list in its original shapes for
// ack fields: numbers for token-origin items, pair keys for the rest.
func requestedForm(set instrumentSet) []interface{} {
	out := make([]interface{}, 0, len(set.tokens)+len(set.pairs))
	for _, t := range set.tokens {
		out = append(out, t)
	}
	for _, p := range set.pairs {
		out = append(out, p.Key())
	}
	return out
}

// tickFrame trims a decoded tick to the subscriber's mode.
func tickFrame(t vortex.Tick, pair vortex.Pair, mode vortex.Mode) map[string]interface{} {
	frame := map[string]interface{}{
		"type":       "tick",
		"token":      t.Token,
		"pair":       pair.Key(),
		"mode":       mode,
		"last_price": t.LastPrice,
		"timestamp":  t.Timestamp.Unix(),
	}
	if mode == vortex.ModeLTP {
		return frame
	}
	if t.OHLC != nil {
		frame["ohlc"] = t.OHLC
	}
	frame["volume"] = t.Volume
	frame["avg_price"] = t.AvgPrice
	frame["oi"] = t.OI
	frame["prev_close"] = t.PrevClose
	if mode == vortex.ModeOHLCV {
		return frame
	}
	frame["buy_qty"] = t.BuyQty
	frame["sell_qty"] = t.SellQty
	frame["bids"] = t.Bids
	frame["asks"] = t.Asks
	frame["dpr_high"] = t.DPRHigh
	frame["dpr_low"] = t.DPRLow
	return frame
}

// eventLimiters holds one token bucket per event name for a connection.
type eventLimiters struct {
	limits map[string]*rate.Limiter
}

func newEventLimiters(defaults map[string]float64, overrides map[string]float64) eventLimiters {
	limits := make(map[string]*rate.Limiter, len(defaults))
	for event, rps := range defaults {
		if o, ok := overrides[event]; ok && o > 0 {
			rps = o
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limits[event] = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return eventLimiters{limits: limits}
}

// allow charges one event. Events without a configured ceiling pass.
func (e eventLimiters) allow(event string) bool {
	lim, ok := e.limits[event]
	if !ok {
		return true
	}
	return lim.Allow()
}

func tokenKey(t uint32) string {
	return strconv.FormatUint(uint64(t), 10)
}

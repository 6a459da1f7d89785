// Package vortex contains the upstream provider contract: instrument
// pairs, quote modes, the typed HTTP client and the binary tick codec.
package vortex

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exchange is an upstream exchange segment identifier.
type Exchange string

const (
	ExchangeNSEEq  Exchange = "NSE_EQ"
	ExchangeNSEFO  Exchange = "NSE_FO"
	ExchangeNSECur Exchange = "NSE_CUR"
	ExchangeMCXFO  Exchange = "MCX_FO"
)

// ParseExchange validates an exchange string against the known segments.
func ParseExchange(s string) (Exchange, bool) {
	switch Exchange(s) {
	case ExchangeNSEEq, ExchangeNSEFO, ExchangeNSECur, ExchangeMCXFO:
		return Exchange(s), true
	}
	return "", false
}

// Pair is an (exchange, token) tuple, the only instrument form the
// upstream accepts. Pairs must come from the resolver or from an
// explicit client-supplied EXCHANGE-TOKEN string; there is no default
// exchange.
type Pair struct {
	Exchange Exchange
	Token    uint32
}

// Key returns the canonical wire form, e.g. "NSE_EQ-22".
func (p Pair) Key() string {
	return string(p.Exchange) + "-" + strconv.FormatUint(uint64(p.Token), 10)
}

// ParsePair parses the canonical EXCHANGE-TOKEN wire form.
func ParsePair(s string) (Pair, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return Pair{}, fmt.Errorf("malformed pair %q", s)
	}
	ex, ok := ParseExchange(s[:idx])
	if !ok {
		return Pair{}, fmt.Errorf("unknown exchange in pair %q", s)
	}
	token, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Pair{}, fmt.Errorf("malformed token in pair %q", s)
	}
	return Pair{Exchange: ex, Token: uint32(token)}, nil
}

// Mode is the quote detail level requested by clients.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeOHLCV Mode = "ohlcv"
	ModeFull  Mode = "full"
)

// ParseMode validates a client-supplied mode string.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeLTP, ModeOHLCV, ModeFull:
		return Mode(s), true
	}
	return "", false
}

func modeRank(m Mode) int {
	switch m {
	case ModeFull:
		return 3
	case ModeOHLCV:
		return 2
	case ModeLTP:
		return 1
	}
	return 0
}

// StrongerMode returns the stronger of two modes (full > ohlcv > ltp).
func StrongerMode(a, b Mode) Mode {
	if modeRank(a) >= modeRank(b) {
		return a
	}
	return b
}

// HTTPMode maps a client mode to the upstream /data/quotes mode value.
// The HTTP API spells the middle tier "ohlc".
func HTTPMode(m Mode) string {
	if m == ModeOHLCV {
		return "ohlc"
	}
	return string(m)
}

// OHLC is the open/high/low/close block of a quote.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Quote is a point-in-time snapshot answer. LastPrice is nil when the
// upstream reported no trade or a non-positive price; it is never 0.
type Quote struct {
	LastPrice *float64  `json:"last_price"`
	OHLC      *OHLC     `json:"ohlc,omitempty"`
	Volume    uint32    `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Valid reports whether the quote carries a usable last price.
func (q Quote) Valid() bool {
	return q.LastPrice != nil && *q.LastPrice > 0
}

// NullQuote is the explicit "no price" answer.
func NullQuote() Quote {
	return Quote{LastPrice: nil}
}

// PriceQuote builds a quote from a raw last price, normalizing
// non-positive values to null.
func PriceQuote(lastPrice float64) Quote {
	if lastPrice <= 0 {
		return NullQuote()
	}
	p := lastPrice
	return Quote{LastPrice: &p, Timestamp: time.Now()}
}

// HistoryCandle is one bar of the /data/history response.
type HistoryCandle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// HistoryResult is the decoded /data/history answer for one pair.
type HistoryResult struct {
	Exchange   Exchange        `json:"exchange"`
	Token      uint32          `json:"token"`
	Resolution string          `json:"resolution"`
	Candles    []HistoryCandle `json:"candles"`
}

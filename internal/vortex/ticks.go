package vortex

import (
	"encoding/binary"
	"time"
)

// Binary tick record lengths. Record length is the dispatch
// discriminant; any type byte inside the payload is ignored.
const (
	RecordLenLTP   = 22
	RecordLenOHLCV = 62
	RecordLenFull  = 266
)

// DepthLevel is one price level of the 266-byte full record.
type DepthLevel struct {
	Quantity uint32  `json:"quantity"`
	Price    float64 `json:"price"`
	Orders   uint32  `json:"orders"`
}

// Tick is a decoded binary market-data record. Mode reflects the record
// schema the tick was decoded from.
type Tick struct {
	Token     uint32    `json:"token"`
	Mode      Mode      `json:"mode"`
	LastPrice *float64  `json:"last_price"`
	LastQty   uint32    `json:"last_qty,omitempty"`
	AvgPrice  float64   `json:"avg_price,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// ohlcv fields
	OHLC      *OHLC  `json:"ohlc,omitempty"`
	Volume    uint32 `json:"volume,omitempty"`
	BuyQty    uint32 `json:"buy_qty,omitempty"`
	SellQty   uint32 `json:"sell_qty,omitempty"`
	OI        uint32 `json:"oi,omitempty"`
	PrevClose float64 `json:"prev_close,omitempty"`

	// full fields
	Bids    []DepthLevel `json:"bids,omitempty"`
	Asks    []DepthLevel `json:"asks,omitempty"`
	DPRHigh float64      `json:"dpr_high,omitempty"`
	DPRLow  float64      `json:"dpr_low,omitempty"`
}

// Quote projects the tick into a snapshot quote for write-through.
func (t Tick) Quote() Quote {
	return Quote{
		LastPrice: t.LastPrice,
		OHLC:      t.OHLC,
		Volume:    t.Volume,
		Timestamp: t.Timestamp,
	}
}

// recordLength picks the record schema for a frame. Frames concatenate
// records of a single schema; length divisibility identifies it. The
// longest schema is tested first so a full frame is never misread as a
// run of shorter records.
func recordLength(n int) int {
	switch {
	case n >= RecordLenFull && n%RecordLenFull == 0:
		return RecordLenFull
	case n >= RecordLenOHLCV && n%RecordLenOHLCV == 0:
		return RecordLenOHLCV
	case n >= RecordLenLTP && n%RecordLenLTP == 0:
		return RecordLenLTP
	}
	return 0
}

// ParseFrame decodes a binary frame into ticks. Records are read
// back-to-back, little-endian. A frame whose length matches no known
// record schema yields zero ticks and dropped=true; the caller counts
// the drop and carries on.
func ParseFrame(frame []byte) (ticks []Tick, dropped bool) {
	if len(frame) == 0 {
		return nil, false
	}
	size := recordLength(len(frame))
	if size == 0 {
		return nil, true
	}
	ticks = make([]Tick, 0, len(frame)/size)
	for off := 0; off+size <= len(frame); off += size {
		ticks = append(ticks, parseRecord(frame[off:off+size]))
	}
	return ticks, false
}

// parseRecord decodes one fixed-length record. Prices arrive as integer
// paise (×100); a non-positive last price decodes to a null LTP.
func parseRecord(b []byte) Tick {
	t := Tick{
		Token:     binary.LittleEndian.Uint32(b[0:4]),
		Mode:      ModeLTP,
		LastQty:   binary.LittleEndian.Uint32(b[8:12]),
		AvgPrice:  paise(b[12:16]),
		Timestamp: time.Now(),
	}
	if lp := paise(b[4:8]); lp > 0 {
		t.LastPrice = &lp
	}
	if ltt := binary.LittleEndian.Uint32(b[16:20]); ltt > 0 {
		t.Timestamp = time.Unix(int64(ltt), 0)
	}
	if len(b) < RecordLenOHLCV {
		return t
	}

	t.Mode = ModeOHLCV
	t.OHLC = &OHLC{
		Open:  paise(b[22:26]),
		High:  paise(b[26:30]),
		Low:   paise(b[30:34]),
		Close: paise(b[34:38]),
	}
	t.Volume = binary.LittleEndian.Uint32(b[38:42])
	t.BuyQty = binary.LittleEndian.Uint32(b[42:46])
	t.SellQty = binary.LittleEndian.Uint32(b[46:50])
	t.OI = binary.LittleEndian.Uint32(b[50:54])
	t.PrevClose = paise(b[54:58])
	if len(b) < RecordLenFull {
		return t
	}

	t.Mode = ModeFull
	off := RecordLenOHLCV
	t.Bids = make([]DepthLevel, 0, 5)
	t.Asks = make([]DepthLevel, 0, 5)
	for i := 0; i < 10; i++ {
		level := DepthLevel{
			Quantity: binary.LittleEndian.Uint32(b[off : off+4]),
			Price:    paise(b[off+4 : off+8]),
			Orders:   binary.LittleEndian.Uint32(b[off+8 : off+12]),
		}
		if i < 5 {
			t.Bids = append(t.Bids, level)
		} else {
			t.Asks = append(t.Asks, level)
		}
		off += 12
	}
	t.DPRHigh = paise(b[off : off+4])
	t.DPRLow = paise(b[off+4 : off+8])
	// remaining bytes are reserved
	return t
}

func paise(b []byte) float64 {
	return float64(int32(binary.LittleEndian.Uint32(b))) / 100
}

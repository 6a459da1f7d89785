package vortex

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

func putPaise(b []byte, off int, price float64) {
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(int32(price*100)))
}

func ltpRecord(token uint32, price float64, ltt uint32) []byte {
	b := make([]byte, RecordLenLTP)
	putU32(b, 0, token)
	putPaise(b, 4, price)
	putU32(b, 8, 10)    // last qty
	putPaise(b, 12, price) // avg
	putU32(b, 16, ltt)
	return b
}

func ohlcvRecord(token uint32, price float64) []byte {
	b := make([]byte, RecordLenOHLCV)
	copy(b, ltpRecord(token, price, 1700000000))
	putPaise(b, 22, price-2) // open
	putPaise(b, 26, price+5) // high
	putPaise(b, 30, price-5) // low
	putPaise(b, 34, price+1) // close
	putU32(b, 38, 123456)    // volume
	putU32(b, 42, 300)       // buy qty
	putU32(b, 46, 200)       // sell qty
	putU32(b, 50, 999)       // oi
	putPaise(b, 54, price-1) // prev close
	return b
}

func fullRecord(token uint32, price float64) []byte {
	b := make([]byte, RecordLenFull)
	copy(b, ohlcvRecord(token, price))
	off := RecordLenOHLCV
	for i := 0; i < 10; i++ {
		putU32(b, off, uint32(100+i))
		putPaise(b, off+4, price+float64(i))
		putU32(b, off+8, uint32(i+1))
		off += 12
	}
	putPaise(b, off, price*1.1)
	putPaise(b, off+4, price*0.9)
	return b
}

func TestParseFrameLTP(t *testing.T) {
	ticks, dropped := ParseFrame(ltpRecord(26000, 1234.56, 1700000000))
	require.False(t, dropped)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, uint32(26000), tick.Token)
	assert.Equal(t, ModeLTP, tick.Mode)
	require.NotNil(t, tick.LastPrice)
	assert.InDelta(t, 1234.56, *tick.LastPrice, 1e-9)
	assert.Equal(t, uint32(10), tick.LastQty)
	assert.Equal(t, time.Unix(1700000000, 0), tick.Timestamp)
	assert.Nil(t, tick.OHLC)
}

func TestParseFrameOHLCV(t *testing.T) {
	ticks, dropped := ParseFrame(ohlcvRecord(5, 100))
	require.False(t, dropped)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, ModeOHLCV, tick.Mode)
	require.NotNil(t, tick.OHLC)
	assert.InDelta(t, 98.0, tick.OHLC.Open, 1e-9)
	assert.InDelta(t, 105.0, tick.OHLC.High, 1e-9)
	assert.InDelta(t, 95.0, tick.OHLC.Low, 1e-9)
	assert.InDelta(t, 101.0, tick.OHLC.Close, 1e-9)
	assert.Equal(t, uint32(123456), tick.Volume)
	assert.Equal(t, uint32(999), tick.OI)
	assert.InDelta(t, 99.0, tick.PrevClose, 1e-9)
	assert.Empty(t, tick.Bids)
}

func TestParseFrameFull(t *testing.T) {
	ticks, dropped := ParseFrame(fullRecord(7, 500))
	require.False(t, dropped)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, ModeFull, tick.Mode)
	require.Len(t, tick.Bids, 5)
	require.Len(t, tick.Asks, 5)
	assert.Equal(t, uint32(100), tick.Bids[0].Quantity)
	assert.InDelta(t, 500.0, tick.Bids[0].Price, 1e-9)
	assert.Equal(t, uint32(105), tick.Asks[0].Quantity)
	assert.InDelta(t, 505.0, tick.Asks[0].Price, 1e-9)
	assert.InDelta(t, 550.0, tick.DPRHigh, 1e-6)
	assert.InDelta(t, 450.0, tick.DPRLow, 1e-6)
}

func TestParseFrameConcatenated(t *testing.T) {
	frame := append(ltpRecord(1, 10, 0), ltpRecord(2, 20, 0)...)
	frame = append(frame, ltpRecord(3, 30, 0)...)

	ticks, dropped := ParseFrame(frame)
	require.False(t, dropped)
	require.Len(t, ticks, 3)
	assert.Equal(t, uint32(1), ticks[0].Token)
	assert.Equal(t, uint32(2), ticks[1].Token)
	assert.Equal(t, uint32(3), ticks[2].Token)
}

func TestParseFrameUnknownLength(t *testing.T) {
	ticks, dropped := ParseFrame(make([]byte, 37))
	assert.True(t, dropped)
	assert.Empty(t, ticks)

	ticks, dropped = ParseFrame(make([]byte, 21))
	assert.True(t, dropped)
	assert.Empty(t, ticks)
}

func TestParseFrameEmpty(t *testing.T) {
	ticks, dropped := ParseFrame(nil)
	assert.False(t, dropped)
	assert.Empty(t, ticks)
}

func TestParseFrameNonPositivePriceIsNull(t *testing.T) {
	zero := ltpRecord(9, 0, 1700000000)
	ticks, _ := ParseFrame(zero)
	require.Len(t, ticks, 1)
	assert.Nil(t, ticks[0].LastPrice)

	neg := make([]byte, RecordLenLTP)
	putU32(neg, 0, 9)
	negPrice := int32(-150)
	binary.LittleEndian.PutUint32(neg[4:8], uint32(negPrice))
	ticks, _ = ParseFrame(neg)
	require.Len(t, ticks, 1)
	assert.Nil(t, ticks[0].LastPrice)
}

func TestParseFrameMissingTimestampDefaultsToNow(t *testing.T) {
	before := time.Now()
	ticks, _ := ParseFrame(ltpRecord(4, 55, 0))
	require.Len(t, ticks, 1)
	assert.False(t, ticks[0].Timestamp.Before(before))
}

func TestTickQuoteProjection(t *testing.T) {
	ticks, _ := ParseFrame(ohlcvRecord(11, 250))
	require.Len(t, ticks, 1)

	q := ticks[0].Quote()
	assert.True(t, q.Valid())
	assert.Equal(t, ticks[0].OHLC, q.OHLC)
	assert.Equal(t, uint32(123456), q.Volume)
}

package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

func allEntitled() *tenant.Context {
	return &tenant.Context{
		ID: "t1",
		Entitlements: map[vortex.Exchange]bool{
			vortex.ExchangeNSEEq:  true,
			vortex.ExchangeNSEFO:  true,
			vortex.ExchangeNSECur: true,
			vortex.ExchangeMCXFO:  true,
		},
	}
}

func parseBody(t *testing.T, tc *tenant.Context, body string) (snapshotInput, bool) {
	t.Helper()
	r := httptest.NewRequest("POST", "/ltp", strings.NewReader(body))
	return parseSnapshotRequest(r, tc)
}

func TestParseWireModeAcceptsUpstreamSpelling(t *testing.T) {
	m, ok := parseWireMode("ohlc")
	require.True(t, ok)
	assert.Equal(t, vortex.ModeOHLCV, m)

	m, ok = parseWireMode("ohlcv")
	require.True(t, ok)
	assert.Equal(t, vortex.ModeOHLCV, m)

	m, ok = parseWireMode("ltp")
	require.True(t, ok)
	assert.Equal(t, vortex.ModeLTP, m)

	m, ok = parseWireMode("full")
	require.True(t, ok)
	assert.Equal(t, vortex.ModeFull, m)

	_, ok = parseWireMode("candles")
	assert.False(t, ok)
}

func TestFlexTokenAcceptsNumberAndString(t *testing.T) {
	var tok flexToken
	require.NoError(t, json.Unmarshal([]byte(`26000`), &tok))
	assert.Equal(t, flexToken(26000), tok)

	require.NoError(t, json.Unmarshal([]byte(`"43492"`), &tok))
	assert.Equal(t, flexToken(43492), tok)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &tok))
	assert.Error(t, json.Unmarshal([]byte(`true`), &tok))
}

func TestParseSnapshotRequestMixedInstruments(t *testing.T) {
	in, ok := parseBody(t, allEntitled(), `{"instruments":[26000,"NSE_FO-43492","junk"]}`)
	require.True(t, ok)

	assert.Equal(t, []uint32{26000}, in.tokens)
	require.Len(t, in.pairs, 1)
	assert.Equal(t, "NSE_FO-43492", in.pairs[0].Key())
	assert.Equal(t, []string{"junk"}, in.bad)
}

func TestParseSnapshotRequestPairObjects(t *testing.T) {
	in, ok := parseBody(t, allEntitled(),
		`{"pairs":[{"exchange":"NSE_EQ","token":22},{"exchange":"MCX_FO","token":"77"},{"exchange":"BSE_EQ","token":1}]}`)
	require.True(t, ok)

	require.Len(t, in.pairs, 2)
	assert.Equal(t, "NSE_EQ-22", in.pairs[0].Key())
	assert.Equal(t, "MCX_FO-77", in.pairs[1].Key())
	assert.Len(t, in.bad, 1, "unknown exchange object lands in bad")
}

func TestParseSnapshotRequestScreensEntitlements(t *testing.T) {
	tc := &tenant.Context{
		ID:           "t1",
		Entitlements: map[vortex.Exchange]bool{vortex.ExchangeNSEEq: true},
	}
	in, ok := parseBody(t, tc, `{"instruments":["NSE_EQ-22","MCX_FO-77"]}`)
	require.True(t, ok)

	require.Len(t, in.pairs, 1)
	assert.Equal(t, "NSE_EQ-22", in.pairs[0].Key())
	assert.Equal(t, []string{"MCX_FO-77"}, in.forbidden)
}

func TestParseSnapshotRequestMalformedBody(t *testing.T) {
	_, ok := parseBody(t, allEntitled(), `{"instruments":`)
	assert.False(t, ok)
}

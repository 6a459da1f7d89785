package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickmesh/vortexgw/internal/gate"
	"github.com/tickmesh/vortexgw/internal/gateway"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/resolver"
	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

type recordingGate struct {
	acquired  []string
	penalized []string
	err       error
}

func (g *recordingGate) Acquire(ctx context.Context, endpoint string) error {
	g.acquired = append(g.acquired, endpoint)
	return g.err
}

func (g *recordingGate) Penalize(ctx context.Context, endpoint string) {
	g.penalized = append(g.penalized, endpoint)
}

func newRouteServer(t *testing.T) *Server {
	t.Helper()
	log := zerolog.Nop()
	var hub *gateway.Hub
	return New(Config{}, tenant.New(nil, nil, time.Minute, log), nil, nil,
		resolver.New(nil, time.Minute, log), nil, &recordingGate{}, nil, hub, metrics.New(), log)
}

// The snapshot and history paths are wire-stable at the root; a 401
// from auth middleware proves the route is mounted, a 404 would mean
// it is not.
func TestSnapshotRoutesServeAtRoot(t *testing.T) {
	s := newRouteServer(t)

	for _, path := range []string{"/ltp", "/quotes"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "missing_api_key", path)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/historical/22", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_api_key")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ltp", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no versioned prefix")

	var match mux.RouteMatch
	assert.True(t, s.router.Match(httptest.NewRequest(http.MethodGet, "/health", nil), &match))
	assert.True(t, s.router.Match(httptest.NewRequest(http.MethodGet, "/metrics", nil), &match))
	assert.True(t, s.router.Match(httptest.NewRequest(http.MethodGet, "/ws", nil), &match))
}

func newHistoryServer(t *testing.T, upstreamURL string, g Gate) *Server {
	t.Helper()
	log := zerolog.Nop()
	res := resolver.New(nil, time.Minute, log)
	res.Prime([]vortex.Pair{{Exchange: vortex.ExchangeNSEEq, Token: 22}})
	return &Server{
		cfg:      Config{RequestTimeout: time.Second},
		resolver: res,
		upstream: vortex.NewClient(vortex.ClientConfig{BaseURL: upstreamURL, Timeout: time.Second}, log),
		gate:     g,
		log:      log,
	}
}

func historyRequest(t *testing.T) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/historical/22?from=2026-01-02", nil)
	r = mux.SetURLVars(r, map[string]string{"token": "22"})
	return r.WithContext(context.WithValue(r.Context(), ctxTenant, allEntitled()))
}

func TestHistoricalAcquiresPacingSlot(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"s":"ok","t":[1700000000],"o":[100],"h":[110],"l":[90],"c":[105],"v":[5000]}`))
	}))
	defer up.Close()

	g := &recordingGate{}
	s := newHistoryServer(t, up.URL, g)

	rec := httptest.NewRecorder()
	s.handleHistorical(rec, historyRequest(t))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{gate.EndpointHistory}, g.acquired)
	assert.Empty(t, g.penalized)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)
}

func TestHistoricalPenalizesOnUpstreamThrottle(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer up.Close()

	g := &recordingGate{}
	s := newHistoryServer(t, up.URL, g)

	rec := httptest.NewRecorder()
	s.handleHistorical(rec, historyRequest(t))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []string{gate.EndpointHistory}, g.acquired)
	assert.Equal(t, []string{gate.EndpointHistory}, g.penalized)
}

func TestHistoricalDeniedSlotSkipsUpstream(t *testing.T) {
	hits := 0
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer up.Close()

	g := &recordingGate{err: errors.New("no slot")}
	s := newHistoryServer(t, up.URL, g)

	rec := httptest.NewRecorder()
	s.handleHistorical(rec, historyRequest(t))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
	assert.Zero(t, hits, "denied slot must not reach upstream")
}

// Package httpapi is the client-facing REST surface: snapshot quotes,
// historical candles and the operational endpoints. Authentication and
// per-tenant request rates are enforced in middleware; the push channel
// mounts here too but runs its own auth on the upgraded socket.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tickmesh/vortexgw/internal/batcher"
	"github.com/tickmesh/vortexgw/internal/compose"
	"github.com/tickmesh/vortexgw/internal/gateway"
	"github.com/tickmesh/vortexgw/internal/ingest"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/resolver"
	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxRequestID
)

// Config tunes the HTTP surface.
type Config struct {
	ListenAddr string
	// RequestTimeout bounds one snapshot or history request.
	RequestTimeout time.Duration
}

// Gate paces the upstream endpoints this surface calls directly.
type Gate interface {
	Acquire(ctx context.Context, endpoint string) error
	Penalize(ctx context.Context, endpoint string)
}

// Server wires the REST routes.
type Server struct {
	cfg      Config
	router   *mux.Router
	tenants  *tenant.Store
	composer *compose.Composer
	batch    *batcher.Batcher
	resolver *resolver.Resolver
	upstream *vortex.Client
	gate     Gate
	ingestor *ingest.Ingestor
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// New builds the server and mounts all routes.
func New(cfg Config, tenants *tenant.Store, composer *compose.Composer, batch *batcher.Batcher, res *resolver.Resolver, upstream *vortex.Client, g Gate, ing *ingest.Ingestor, hub *gateway.Hub, m *metrics.Registry, log zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		tenants:  tenants,
		composer: composer,
		batch:    batch,
		resolver: res,
		upstream: upstream,
		gate:     g,
		ingestor: ing,
		metrics:  m,
		log:      log.With().Str("component", "httpapi").Logger(),
	}

	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)

	// Unauthenticated operational routes.
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	// The push channel authenticates on the socket itself.
	s.router.HandleFunc("/ws", hub.HandleWS)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware, s.timeoutMiddleware)
	api.HandleFunc("/ltp", s.handleLTP).Methods(http.MethodPost)
	api.HandleFunc("/quotes", s.handleQuotes).Methods(http.MethodPost)
	api.HandleFunc("/historical/{token}", s.handleHistorical).Methods(http.MethodGet)
	return s
}

// Handler exposes the routed mux for the outer http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket writes are long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The recorder breaks hijacking; the hub logs its own
			// lifecycle.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.log.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("x-api-key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}
		tc, err := s.tenants.ByAPIKey(r.Context(), apiKey)
		if err != nil {
			code := "invalid_api_key"
			if err == tenant.ErrMissingKey {
				code = "missing_api_key"
			}
			s.writeError(w, http.StatusUnauthorized, code, err.Error())
			return
		}
		if !s.tenants.AllowRequest(r.Context(), tc) {
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxTenant, tc)))
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) *tenant.Context {
	tc, _ := r.Context().Value(ctxTenant).(*tenant.Context)
	return tc
}

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Status: "error", Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

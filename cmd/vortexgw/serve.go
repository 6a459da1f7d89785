package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tickmesh/vortexgw/internal/batcher"
	"github.com/tickmesh/vortexgw/internal/cache"
	"github.com/tickmesh/vortexgw/internal/compose"
	"github.com/tickmesh/vortexgw/internal/config"
	"github.com/tickmesh/vortexgw/internal/gate"
	"github.com/tickmesh/vortexgw/internal/gateway"
	"github.com/tickmesh/vortexgw/internal/httpapi"
	"github.com/tickmesh/vortexgw/internal/ingest"
	"github.com/tickmesh/vortexgw/internal/metrics"
	"github.com/tickmesh/vortexgw/internal/resolver"
	"github.com/tickmesh/vortexgw/internal/submux"
	"github.com/tickmesh/vortexgw/internal/tenant"
	"github.com/tickmesh/vortexgw/internal/vortex"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

// ingestSender and hubDispatch break the construction cycle between the
// multiplexer, the ingestor and the hub. Both targets are installed
// before anything runs.
type ingestSender struct{ ing *ingest.Ingestor }

func (s *ingestSender) Send(cmd submux.Command) { s.ing.Send(cmd) }

type hubDispatch struct{ hub *gateway.Hub }

func (d *hubDispatch) Dispatch(t vortex.Tick) { d.hub.Dispatch(t) }

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info().Str("version", version).Msg("vortexgw starting")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	var db *sqlx.DB
	if cfg.DatabaseURL != "" {
		db, err = sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		defer db.Close()
	} else {
		log.Warn().Msg("no database configured, token resolution and tenant auth disabled")
	}

	m := metrics.New()
	res := resolver.New(db, 5*time.Minute, log)
	paceGate := gate.New(gate.RedisStore{C: rdb}, cfg.GateJitter, log)
	mem := cache.NewMemory(cfg.MemoryCacheMax, cfg.MemoryCacheTTL)
	ticks := cache.NewTickStore(rdb, cfg.TickCacheTTL, log)
	tenants := tenant.New(db, rdb, time.Minute, log)

	upstream := vortex.NewClient(vortex.ClientConfig{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Timeout: cfg.HTTPTimeout,
	}, log)
	if token := os.Getenv("UPSTREAM_ACCESS_TOKEN"); token != "" {
		upstream.SetAccessToken(token)
	}

	batch := batcher.New(upstream, paceGate, res, mem, m, batcher.Config{
		Window:   cfg.BatchWindow,
		MaxChunk: cfg.BatchMaxChunk,
	}, log)
	composer := compose.New(batch, res, mem, ticks, cfg.SnapshotDeadline, m, log)

	sender := &ingestSender{}
	mux := submux.New(cfg.WSMaxSubs, sender, log)
	dispatch := &hubDispatch{}
	ing := ingest.New(ingest.Config{
		WSURL:      cfg.UpstreamWSURL,
		MaxBackoff: cfg.ReconnectMaxBackoff,
	}, upstream, mux, mem, ticks, dispatch, m, log)
	sender.ing = ing

	hub := gateway.New(gateway.Config{
		PerEventRPS: cfg.PerEventRPS,
	}, mux, res, tenants, composer, ing, m, log)
	dispatch.hub = hub

	api := httpapi.New(httpapi.Config{
		ListenAddr: cfg.ListenAddr,
	}, tenants, composer, batch, res, upstream, paceGate, ing, hub, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ing.Run(ctx)

	err = api.Run(ctx)
	log.Info().Msg("vortexgw stopped")
	return err
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"DeskSim/internal/bridge"
	"DeskSim/internal/config"
	"DeskSim/internal/domain"
	"DeskSim/internal/engine"
	"DeskSim/internal/event"
	"DeskSim/internal/feed"
	"DeskSim/internal/marketdata"
	"DeskSim/internal/observability"
	"DeskSim/internal/persistence"
	"DeskSim/internal/server"
)

func main() {
	log := observability.NewLogger("main")

	cfg, err := config.Load(os.Getenv("DESKSIM_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// --- Snapshot store ---
	var store persistence.Store
	if cfg.PostgresDSN != "" {
		store, err = persistence.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		log.Info().Msg("postgres snapshot store ready")
	} else {
		store = persistence.NewFileStore(cfg.SnapshotPath)
		log.Info().Str("path", cfg.SnapshotPath).Msg("file snapshot store ready")
	}
	defer store.Close()

	worker := persistence.NewWorker(store, observability.NewLogger("persistence"), metrics)
	go worker.Run(ctx)

	// --- Stream hub ---
	hub := server.NewHub(observability.NewLogger("stream"), metrics)
	go hub.Run()

	// --- Engine ---
	eng := engine.New(observability.NewLogger("engine"), metrics,
		engine.WithSnapshotSink(worker),
		engine.WithBroadcaster(hub),
	)
	eng.AttachBridge(bridge.NewService(bridge.DefaultFee, cfg.BridgeDelay, eng, observability.NewLogger("bridge")))

	if err := engine.LoadLatest(ctx, eng, store); err != nil {
		log.Fatal().Err(err).Msg("restore snapshot")
	}

	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("engine loop exited")
		}
	}()

	// --- Market data ---
	mdService := marketdata.NewService(time.Now().UnixNano())
	var md server.MarketData = mdService
	observe := mdService.Observe
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		cache := marketdata.NewCache(mdService, rdb, cfg.RedisCacheTTL)
		md = cache
		observe = cache.Observe
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis market data cache ready")
	}

	// --- Price feed ---
	// Market data observes the same ticks the engine settles on.
	sink := tickSink{eng: eng, observe: observe}
	switch cfg.FeedSource {
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("desksim-feed"))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("connect nats")
		}
		defer conn.Drain()
		natsFeed := feed.NewNATSFeed(conn, sink, observability.NewLogger("feed"))
		if err := natsFeed.Subscribe(ctx); err != nil {
			log.Fatal().Err(err).Msg("subscribe price feed")
		}
	case "synthetic":
		go feed.NewSynthetic(sink, cfg.FeedSeed, observability.NewLogger("feed")).Run(ctx)
	}

	// --- HTTP API ---
	srv := server.New(eng, md, hub, observability.NewLogger("server"), metrics)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve")
		}
	}()

	// --- Metrics endpoint ---
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics serve")
		}
	}()

	<-sigChan
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
}

// tickSink fans a tick into the engine and the market data generator.
type tickSink struct {
	eng     *engine.Engine
	observe func(ctx context.Context, pair domain.Pair, price decimal.Decimal, at time.Time)
}

func (s tickSink) SubmitTick(ctx context.Context, t event.PriceTick) error {
	s.observe(ctx, t.Pair, t.Price, t.At)
	return s.eng.SubmitTick(ctx, t)
}

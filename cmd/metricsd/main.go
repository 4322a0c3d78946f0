// Command metricsd aggregates topology snapshots, publishes them on the
// bus, and fans them out to WebSocket clients.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "go.uber.org/automaxprocs"

	"github.com/netsight-io/netsight/internal/config"
	"github.com/netsight-io/netsight/internal/gateway"
	"github.com/netsight-io/netsight/internal/httpapi"
	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/logging"
	"github.com/netsight-io/netsight/internal/metrics"
	"github.com/netsight-io/netsight/internal/quota"
	"github.com/netsight-io/netsight/internal/snapshot"
	"github.com/netsight-io/netsight/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		// The structured logger needs config, so startup failures go to stderr.
		os.Stderr.WriteString("metricsd: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "metricsd",
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvc, err := kv.New(cfg.RedisURL, cfg.RedisDB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("KV store connection failed")
	}
	defer kvc.Close()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	tokens, err := identity.NewTokenService(cfg.JWTSecret, cfg.JWTAlgorithm)
	if err != nil {
		logger.Fatal().Err(err).Msg("Token service init failed")
	}

	// The aggregator authenticates to the backend with its own service token.
	serviceToken, err := tokens.IssueService("metricsd")
	if err != nil {
		logger.Fatal().Err(err).Msg("Service token issuance failed")
	}

	upstream := snapshot.NewUpstream(cfg.BackendServiceURL, cfg.HealthServiceURL, serviceToken, logger)
	publisher := snapshot.NewPublisher(upstream, kvc, cfg.MetricsPublishInterval, logger)
	publisher.Start(ctx)

	hub := gateway.NewHub(kvc, publisher, logger)
	hub.Run(ctx)

	guard := gateway.NewGuard(gateway.GuardConfig{
		MaxConnections: cfg.MaxConnections,
		GlobalPerSec:   float64(cfg.ConnRateGlobal),
		GlobalBurst:    cfg.ConnRateGlobal,
		PerIPPerSec:    float64(cfg.ConnRateIPBurst),
		PerIPBurst:     cfg.ConnRateIPBurst,
	}, logger)
	guardStop := make(chan struct{})
	guard.StartMonitoring(guardStop, 5*time.Second)

	wsHandler := gateway.NewHandler(hub, guard, tokens, cfg.CORSOriginList(), logger)

	usage := quota.NewUsageRecorder(kvc, "metricsd", cfg.UsageBatchSize, cfg.UsageBatchInterval, logger)
	usage.Start(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Tokens:      tokens,
		Users:       store.NewUsers(db),
		Invites:     store.NewInvites(db),
		Networks:    store.NewNetworks(db),
		Permissions: store.NewPermissions(db),
		Publisher:   publisher,
		Usage:       usage,
		CORSOrigins: cfg.CORSOriginList(),
	}, logger)

	collector := metrics.NewCollector(15 * time.Second)
	collector.Start()

	root := chi.NewRouter()
	root.Handle("/ws", wsHandler)
	root.Handle("/metrics", metrics.Handler())
	root.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("metricsd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	cancel()
	close(guardStop)
	collector.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}

	publisher.Wait()
	hub.Wait()
	usage.Stop()
	logger.Info().Msg("Shutdown complete")
}

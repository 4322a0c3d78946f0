// Command notifyd runs the notification decision and dispatch pipeline:
// preference-gated delivery, scheduled broadcasts, and anomaly baselines.
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
	"github.com/netsight-io/netsight/internal/httpapi"
	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/logging"
	"github.com/netsight-io/netsight/internal/metrics"
	"github.com/netsight-io/netsight/internal/notify"
	"github.com/netsight-io/netsight/internal/notify/channels"
	"github.com/netsight-io/netsight/internal/quota"
	"github.com/netsight-io/netsight/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("notifyd: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "notifyd",
	})
	cfg.LogConfig(logger)

	if err := os.MkdirAll(cfg.NotifyDataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.NotifyDataDir).Msg("Data directory unavailable")
	}

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

	users := store.NewUsers(db)
	networks := store.NewNetworks(db)

	prefs := notify.NewPreferencesStore(cfg.NotifyDataDir, logger)
	history := notify.NewHistory(cfg.NotifyDataDir, logger)
	decider := notify.NewDecider(logger)

	email := channels.NewEmail(channels.EmailConfig{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     587,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
	}, logger)
	discord := channels.NewDiscord(logger)

	dispatcher := notify.NewDispatcher(decider, history, map[notify.Channel]notify.Sender{
		notify.ChannelEmail:   email,
		notify.ChannelDiscord: discord,
	}, logger)

	scheduler := notify.NewScheduler(cfg.NotifyDataDir, dispatcher, prefs, networks, users, logger)
	scheduler.Run(ctx)

	baseline := notify.NewBaseline(cfg.NotifyDataDir, logger)
	baseline.Run(ctx)

	usage := quota.NewUsageRecorder(kvc, "notifyd", cfg.UsageBatchSize, cfg.UsageBatchInterval, logger)
	usage.Start(ctx)

	// Federated login is optional; with no IdP configured the local
	// provider stands alone.
	var external identity.AuthProvider
	var syncer *identity.Syncer
	if cfg.ExternalAuthURL != "" {
		external = identity.NewExternalProvider(store.ProviderExternalA, cfg.ExternalAuthURL, cfg.ExternalAuthSecret, logger)
		syncer = identity.NewSyncer(users, store.NewProviderLinks(db), logger)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Tokens:      tokens,
		External:    external,
		Syncer:      syncer,
		Users:       users,
		Invites:     store.NewInvites(db),
		Networks:    networks,
		Permissions: store.NewPermissions(db),
		Prefs:       prefs,
		History:     history,
		Scheduler:   scheduler,
		Baseline:    baseline,
		Usage:       usage,
		ResetSender: email,
		CORSOrigins: cfg.CORSOriginList(),
	}, logger)

	collector := metrics.NewCollector(15 * time.Second)
	collector.Start()

	root := chi.NewRouter()
	root.Handle("/metrics", metrics.Handler())
	root.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("notifyd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	cancel()
	collector.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}

	scheduler.Wait()
	baseline.Wait()
	usage.Stop()
	logger.Info().Msg("Shutdown complete")
}

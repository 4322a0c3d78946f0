// Command gatewayd is the authenticated proxy edge: it resolves identity,
// enforces role guards and daily quotas, and relays requests (including SSE
// streams) to the downstream services.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/config"
	"github.com/netsight-io/netsight/internal/httpapi"
	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/logging"
	"github.com/netsight-io/netsight/internal/metrics"
	"github.com/netsight-io/netsight/internal/proxy"
	"github.com/netsight-io/netsight/internal/quota"
	"github.com/netsight-io/netsight/internal/store"
)

// edge bundles what every proxied route needs.
type edge struct {
	limiter *quota.DailyLimiter
	logger  zerolog.Logger
}

// relay builds a handler that forwards to p, enforcing the role guard and,
// when quotaEndpoint is set, the daily quota.
func (e *edge) relay(p *proxy.Proxy, guard proxy.RoleGuard, quotaEndpoint string, opts proxy.Options, stream bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := httpapi.UserFrom(r.Context())
		claims := httpapi.ClaimsFrom(r.Context())

		// Service tokens carry owner role and no user record.
		role := store.RoleOwner
		if user != nil {
			role = user.Role
		}
		if !guard.Allows(role) {
			renderDetail(w, apperr.E(apperr.Forbidden, "Insufficient role"))
			return
		}

		if quotaEndpoint != "" && user != nil {
			if err := e.limiter.Allow(r.Context(), user, quotaEndpoint); err != nil {
				renderDetail(w, err)
				return
			}
		}

		// opts is shared across requests; mutate a per-request copy.
		o := opts
		o.Identity = claims
		path := strings.TrimPrefix(r.URL.Path, "/edge")
		if stream {
			p.StreamSSE(w, r, path, o)
			return
		}
		p.Forward(w, r, path, o)
	}
}

// chatQuota reports how many chat calls the caller has left today without
// consuming any.
func (e *edge) chatQuota(w http.ResponseWriter, r *http.Request) {
	user := httpapi.UserFrom(r.Context())
	if user == nil {
		// Service tokens are not quota-bound.
		renderQuota(w, quota.Unlimited)
		return
	}
	remaining, err := e.limiter.Remaining(r.Context(), user, "chat")
	if err != nil {
		renderDetail(w, apperr.Wrap(apperr.Internal, "Quota lookup failed", err))
		return
	}
	renderQuota(w, remaining)
}

func renderQuota(w http.ResponseWriter, remaining int64) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"remaining": remaining,
		"unlimited": remaining == quota.Unlimited,
	})
}

func renderDetail(w http.ResponseWriter, err error) {
	if retry := apperr.RetryAfterOf(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.StatusOf(err))
	json.NewEncoder(w).Encode(map[string]string{"detail": apperr.DetailOf(err)})
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("gatewayd: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "gatewayd",
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

	users := store.NewUsers(db)
	provider := identity.NewLocalProvider(tokens, users, logger)
	limits := store.NewRateLimits(db)
	resolver := quota.NewResolver(users, limits, cfg.DefaultDailyLimit, logger)
	limiter := quota.NewDailyLimiter(kvc, resolver, "gatewayd", logger)

	usage := quota.NewUsageRecorder(kvc, "gatewayd", cfg.UsageBatchSize, cfg.UsageBatchInterval, logger)
	usage.Start(ctx)

	authProxy := proxy.New(cfg.AuthServiceURL, logger)
	metricsProxy := proxy.New(cfg.MetricsServiceURL, logger)
	healthProxy := proxy.New(cfg.HealthServiceURL, logger)
	backendProxy := proxy.New(cfg.BackendServiceURL, logger)
	notifyProxy := proxy.New(cfg.NotificationServiceURL, logger)

	e := &edge{limiter: limiter, logger: logger}

	collector := metrics.NewCollector(15 * time.Second)
	collector.Start()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOriginList(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httpapi.RequestLogger(logger))
	r.Use(httpapi.UsageRecorder(usage))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Login and setup flow through unauthenticated; everything else behind
	// the edge requires a verified identity.
	r.Handle("/edge/api/auth/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/edge")
		authProxy.Forward(w, r, path, proxy.Options{PassAuthorization: true})
	}))

	r.Group(func(r chi.Router) {
		r.Use(httpapi.Authenticator(provider))

		r.Handle("/edge/api/metrics/*", e.relay(metricsProxy, proxy.GuardAny, "", proxy.Options{}, false))
		r.Handle("/edge/api/health/*", e.relay(healthProxy, proxy.GuardAny, "", proxy.Options{}, false))
		r.Handle("/edge/api/notifications/*", e.relay(notifyProxy, proxy.GuardAny, "", proxy.Options{}, false))

		// Chat endpoints run long and are quota-bound per user per day.
		r.Get("/edge/api/chat/quota", e.chatQuota)
		r.Handle("/edge/api/chat/stream", e.relay(backendProxy, proxy.GuardAny, "chat", proxy.Options{Long: true}, true))
		r.Handle("/edge/api/chat", e.relay(backendProxy, proxy.GuardAny, "chat", proxy.Options{Long: true}, false))

		// Speed tests stream slowly too, but are not quota-bound.
		r.Handle("/edge/api/speedtest/*", e.relay(backendProxy, proxy.GuardAny, "", proxy.Options{Long: true}, false))

		// Mutations require an editor-capable platform role; admin surface
		// is owner-only.
		r.Handle("/edge/api/networks/*", e.relay(backendProxy, proxy.GuardWrite, "", proxy.Options{}, false))
		r.Handle("/edge/api/admin/*", e.relay(backendProxy, proxy.GuardOwner, "", proxy.Options{}, false))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("gatewayd listening")
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

	usage.Stop()
	logger.Info().Msg("Shutdown complete")
}

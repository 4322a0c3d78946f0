package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/notify"
	"github.com/netsight-io/netsight/internal/quota"
	"github.com/netsight-io/netsight/internal/snapshot"
	"github.com/netsight-io/netsight/internal/store"
)

// ResetSender delivers password-reset emails.
type ResetSender interface {
	Send(ctx context.Context, recipient, title, body string) error
}

// Server wires the HTTP surface to its backing services. Nil optional
// fields disable their routes.
type Server struct {
	logger zerolog.Logger

	tokens      *identity.TokenService
	provider    *identity.LocalProvider
	external    identity.AuthProvider
	syncer      *identity.Syncer
	users       *store.Users
	invites     *store.Invites
	networks    *store.Networks
	permissions *store.Permissions

	publisher *snapshot.Publisher
	prefs     *notify.PreferencesStore
	history   *notify.History
	scheduler *notify.Scheduler
	baseline  *notify.Baseline

	usage       *quota.UsageRecorder
	resetSender ResetSender
	corsOrigins []string
}

// Deps carries everything the server needs. Tokens, users, and the
// repositories are required; the rest is per-service.
type Deps struct {
	Tokens *identity.TokenService
	// Provider defaults to a LocalProvider over Tokens and Users.
	Provider *identity.LocalProvider
	// External and Syncer together enable the federated session exchange.
	External identity.AuthProvider
	Syncer   *identity.Syncer

	Users       *store.Users
	Invites     *store.Invites
	Networks    *store.Networks
	Permissions *store.Permissions

	Publisher *snapshot.Publisher
	Prefs     *notify.PreferencesStore
	History   *notify.History
	Scheduler *notify.Scheduler
	Baseline  *notify.Baseline

	Usage       *quota.UsageRecorder
	ResetSender ResetSender
	CORSOrigins []string
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Provider == nil {
		deps.Provider = identity.NewLocalProvider(deps.Tokens, deps.Users, logger)
	}
	return &Server{
		logger:      logger.With().Str("component", "httpapi").Logger(),
		tokens:      deps.Tokens,
		provider:    deps.Provider,
		external:    deps.External,
		syncer:      deps.Syncer,
		users:       deps.Users,
		invites:     deps.Invites,
		networks:    deps.Networks,
		permissions: deps.Permissions,
		publisher:   deps.Publisher,
		prefs:       deps.Prefs,
		history:     deps.History,
		scheduler:   deps.Scheduler,
		baseline:    deps.Baseline,
		usage:       deps.Usage,
		resetSender: deps.ResetSender,
		corsOrigins: deps.CORSOrigins,
	}
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(RequestLogger(s.logger))
	if s.usage != nil {
		r.Use(UsageRecorder(s.usage))
	}

	// Public surface: login, setup, token verification, invites, resets.
	r.Group(func(r chi.Router) {
		r.Post("/api/auth/login", s.handleLogin)
		r.Post("/api/auth/setup", s.handleOwnerSetup)
		r.Get("/api/auth/verify", s.handleVerify)
		r.Post("/api/auth/password-reset/request", s.handleResetRequest)
		r.Post("/api/auth/password-reset/confirm", s.handleResetConfirm)
		r.Get("/api/auth/invites/verify", s.handleInviteVerify)
		r.Post("/api/auth/invites/accept", s.handleInviteAccept)

		if s.external != nil && s.syncer != nil {
			r.Post("/api/auth/external/session", s.handleExternalSession)
		}
	})

	// Authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(Authenticator(s.provider))

		r.Post("/api/auth/logout", s.handleLogout)
		r.Get("/api/auth/session", s.handleSession)

		r.Route("/api/networks", func(r chi.Router) {
			r.Get("/", s.handleListNetworks)
			r.Post("/", s.handleCreateNetwork)

			r.Route("/{networkID}", func(r chi.Router) {
				r.Get("/", s.handleGetNetwork)
				r.Put("/", s.handleUpdateNetwork)
				r.Delete("/", s.handleDeleteNetwork)

				r.Get("/permissions", s.handleListPermissions)
				r.Post("/permissions", s.handleGrantPermission)
				r.Delete("/permissions/{userID}", s.handleRevokePermission)

				r.Get("/preferences", s.handleGetNetworkPreferences)
				r.Put("/preferences", s.handleSetNetworkPreferences)

				r.Get("/broadcasts", s.handleListBroadcasts)
				r.Post("/broadcasts", s.handleCreateBroadcast)
			})
		})

		r.Route("/api/broadcasts/{broadcastID}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateBroadcast)
			r.Post("/cancel", s.handleCancelBroadcast)
			r.Delete("/", s.handleDeleteBroadcast)
			r.Post("/seen", s.handleMarkBroadcastSeen)
		})

		r.Get("/api/snapshot", s.handleGetSnapshot)
		r.With(RequireRole(store.RoleOwner, store.RoleAdmin)).
			Post("/api/snapshot/generate", s.handleGenerateSnapshot)

		r.Get("/api/preferences/global", s.handleGetGlobalPreferences)
		r.Put("/api/preferences/global", s.handleSetGlobalPreferences)

		r.Get("/api/notifications/history", s.handleNotificationHistory)
		r.Get("/api/notifications/silenced", s.handleSilencedDevices)
		r.Post("/api/notifications/silenced/{ip}", s.handleSilenceDevice)
		r.Delete("/api/notifications/silenced/{ip}", s.handleUnsilenceDevice)

		r.Get("/api/anomaly/status", s.handleAnomalyStatus)
		r.Get("/api/anomaly/baseline/{ip}", s.handleDeviceBaseline)

		// Platform-wide account management is owner-only.
		r.Route("/api/admin/users", func(r chi.Router) {
			r.Use(RequireRole(store.RoleOwner))
			r.Get("/", s.handleListUsers)
			r.Put("/{userID}/role", s.handleSetUserRole)
			r.Post("/{userID}/deactivate", s.handleDeactivateUser)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

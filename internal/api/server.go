// Package api is the HTTP/JSON control plane: auth, camera CRUD,
// timeline and event queries, downloads and the live event stream.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-nvr/argus/internal/auth"
	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/config"
	"github.com/argus-nvr/argus/internal/creds"
	"github.com/argus-nvr/argus/internal/recording"
	"github.com/argus-nvr/argus/internal/router"
	"github.com/argus-nvr/argus/internal/store"
)

// Reconciler converges a background service on the camera table after
// a mutation. Satisfied by the supervisor and the detection service.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Server bundles the handler dependencies. AllowedOrigins may be set
// before Routes is called; it defaults to localhost. RouterAdminUser
// and RouterAdminPass let the media router's own pulls through the
// stream-auth callback.
type Server struct {
	AllowedOrigins  []string
	RouterAdminUser string
	RouterAdminPass string

	store     *store.Store
	tokens    *auth.Manager
	recording *recording.Service
	syncer    *router.Syncer
	creds     *creds.Pool
	bus       *bus.Bus
	storage   config.StorageConfig
	logger    *slog.Logger

	supervisor Reconciler
	detect     Reconciler

	hub     *Hub
	webhook *webhookTracker

	startedAt time.Time
}

func NewServer(st *store.Store, tokens *auth.Manager, rec *recording.Service,
	syncer *router.Syncer, pool *creds.Pool, b *bus.Bus,
	storage config.StorageConfig, supervisor, detect Reconciler) *Server {
	s := &Server{
		store:      st,
		tokens:     tokens,
		recording:  rec,
		syncer:     syncer,
		creds:      pool,
		bus:        b,
		storage:    storage,
		logger:     slog.Default().With("component", "api"),
		supervisor: supervisor,
		detect:     detect,
		hub:        NewHub(),
		startedAt:  time.Now(),
	}
	s.webhook = newWebhookTracker(s)
	return s
}

// Start runs the WebSocket hub and bridges bus messages into it.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	return s.bridgeBus()
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Post("/register", s.handleRegister)
	r.Post("/token", s.handleToken)
	r.Post("/token/refresh", s.handleRefresh)

	r.Post("/api/webhook/motion/{path}", s.handleMotionWebhook)
	r.Post("/api/internal/stream-auth", s.handleStreamAuth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/users/me", s.handleMe)
		r.Put("/api/users/me", s.handleUpdateMe)
		r.Post("/api/users/change-password", s.handleChangePassword)
		r.Post("/api/users/logout-all", s.handleLogoutAll)

		r.Route("/api/cameras", func(r chi.Router) {
			r.Get("/", s.handleListCameras)
			r.Post("/", s.handleCreateCamera)
			r.Post("/reorder", s.handleReorderCameras)
			r.Post("/test-connection", s.handleTestConnection)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCamera)
				r.Patch("/", s.handlePatchCamera)
				r.Delete("/", s.handleDeleteCamera)
				r.Get("/recordings", s.handleListRecordings)
				r.Get("/recordings/timeline", s.handleRecordingTimeline)
				r.Delete("/recordings", s.handleWipeRecordings)
			})
		})

		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Get("/summary", s.handleEventSummary)
			r.Get("/stream", s.handleEventStream)
			r.Post("/batch-delete", s.handleBatchDeleteEvents)
			r.Delete("/{id}", s.handleDeleteEvent)
		})

		r.Get("/api/webrtc-creds", s.handleWebRTCCreds)
		r.Get("/api/download", s.handleDownload)
		r.Get("/api/system/health", s.handleHealth)
		r.Get("/api/system/settings", s.handleGetSettings)
		r.Put("/api/system/settings", s.handleUpdateSettings)
	})

	return r
}

// reconcile pushes a camera mutation out to the router, the ingest
// supervisor and the detector.
func (s *Server) reconcile(ctx context.Context) {
	s.syncer.Trigger()
	if err := s.supervisor.Reconcile(ctx); err != nil {
		s.logger.Error("Ingest reconcile failed", "error", err)
	}
	if err := s.detect.Reconcile(ctx); err != nil {
		s.logger.Error("Detection reconcile failed", "error", err)
	}
}

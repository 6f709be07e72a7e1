package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/leca/imagevault/internal/access"
	"github.com/leca/imagevault/internal/api"
	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/handler"
	"github.com/leca/imagevault/internal/imageproc"
	"github.com/leca/imagevault/internal/ingest"
	"github.com/leca/imagevault/internal/ledger"
	"github.com/leca/imagevault/internal/links"
	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/storage"
	"github.com/leca/imagevault/internal/tenant"
	"github.com/leca/imagevault/internal/token"
)

// Server holds the application dependencies and HTTP router.
type Server struct {
	DB       database.Database
	Store    storage.Storage
	Config   *config.Config
	Metrics  *metrics.Metrics
	Tenants  *tenant.Service
	Pipeline *ingest.Pipeline
	Broker   *access.Broker
	Router   chi.Router

	logger zerolog.Logger
}

// New wires every service and returns a Server with a fully configured chi
// router.
func New(db database.Database, store storage.Storage, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *Server {
	tokens := token.NewIssuer(cfg.Auth)
	lb := links.NewBuilder(cfg.HTTP.BaseURL)

	s := &Server{
		DB:      db,
		Store:   store,
		Config:  cfg,
		Metrics: m,
		Tenants: tenant.NewService(db, tokens, cfg, logger.With().Str("component", "tenant").Logger()),
		Pipeline: ingest.New(
			db,
			store,
			ledger.New(db, cfg.Upload.StrictQuota, logger.With().Str("component", "ledger").Logger()),
			imageproc.NewEngine(cfg.Variants.Workers).WithMaxPixels(cfg.Upload.MaxPixels),
			tokens,
			lb,
			m,
			cfg.Upload,
			logger.With().Str("component", "ingest").Logger(),
		),
		Broker: access.NewBroker(db, store, tokens, lb, m, logger.With().Str("component", "access").Logger()),
		logger: logger,
	}
	h := handler.New(s.Tenants, s.Pipeline, s.Broker, cfg)

	r := chi.NewRouter()

	// CORS must run before other middleware to answer preflight requests.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "X-Image-Variant", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(middleware.RealIP)
	r.Use(api.AccessLog(logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics.Enabled {
		r.Use(api.Metrics(m))
	}
	r.Use(api.RateLimit(cfg.RateLimit))

	// Health and metrics (no auth required).
	r.Get("/health", s.Health)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", m.Handler())
	}

	requireTenant := api.RequireTenant(s.Tenants)

	r.Route("/applications", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/authenticate", h.Authenticate)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
			r.Delete("/me", h.Deactivate)
			r.Patch("/settings", h.UpdateSettings)
		})
	})

	r.Route("/images", func(r chi.Router) {
		// Reads accept public access, asset tokens or the owner's bearer.
		r.Group(func(r chi.Router) {
			r.Use(api.OptionalTenant(s.Tenants))
			r.Get("/{id}", h.DeliverImage)
			r.Get("/{id}/info", h.GetImageInfo)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)
			r.Get("/", h.ListImages)
			r.Post("/upload", h.UploadImage)
			r.Post("/bulk-upload", h.BulkUpload)
			r.Put("/{id}", h.ReplaceImage)
			r.Delete("/{id}", h.DeleteImage)
			r.Patch("/{id}/metadata", h.UpdateMetadata)
			r.Get("/{id}/versions", h.ListVersions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.NotFound(w, r, "route not found")
	})

	s.Router = r
	return s
}

// Health reports liveness and whether the catalog answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check: database unreachable")
		api.WriteJSON(w, r, http.StatusServiceUnavailable, api.Response{
			Error: "database unreachable",
			Code:  "UNAVAILABLE",
		})
		return
	}
	api.OK(w, r, map[string]string{"status": "ok"})
}

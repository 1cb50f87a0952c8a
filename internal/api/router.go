package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/audit"
	"github.com/roboedge-io/roboedge/internal/auth"
	"github.com/roboedge-io/roboedge/internal/command"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/robot"
	"github.com/roboedge-io/roboedge/internal/state"
	"github.com/roboedge-io/roboedge/internal/syncsvc"
	"github.com/roboedge-io/roboedge/internal/ws"
)

// RouterConfig holds the dependencies of the HTTP router. Populated in
// main after every component is initialized, passed as one struct to keep
// the constructor manageable.
type RouterConfig struct {
	Pipeline *command.Handler
	Robots   *robot.Router
	Auth     *auth.Manager
	Sink     *audit.Sink
	Bus      *events.Bus
	Hub      *ws.Hub
	Sync     *syncsvc.Service
	State    *state.Store
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// NewRouter builds the fully configured chi router.
//
// POST /api/command is deliberately outside the Authenticate middleware:
// the envelope carries its own auth.token and the pipeline authenticates
// it, so a bad token still yields a contract-conformant CommandResponse
// instead of the management-API 401 shape.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	commandHandler := NewCommandHandler(cfg.Pipeline, cfg.Logger)
	robotHandler := NewRobotHandler(cfg.Robots, cfg.Logger)
	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger)
	eventHandler := NewEventHandler(cfg.Sink, cfg.Bus, cfg.Hub, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.Robots, cfg.Sync, cfg.Hub, cfg.State, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
			r.Post("/command", commandHandler.Post)
			r.Get("/healthz", healthHandler.Healthz)
		})

		// Authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/command/{command_id}", commandHandler.Get)
			r.Delete("/command/{command_id}", commandHandler.Delete)

			r.Post("/robots/register", robotHandler.Register)
			r.Post("/robots/heartbeat", robotHandler.Heartbeat)
			r.Get("/robots", robotHandler.List)
			r.Get("/robots/{robot_id}", robotHandler.Get)
			r.Delete("/robots/{robot_id}", robotHandler.Unregister)

			r.Get("/events", eventHandler.List)
			r.Get("/events/metrics", eventHandler.Metrics)
			r.Get("/events/stream", eventHandler.Stream)
		})
	})

	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	return r
}

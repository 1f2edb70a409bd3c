package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/auth"
	"github.com/pulseboard/pulseboard/internal/metrics"
	"github.com/pulseboard/pulseboard/internal/realtime"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

// wsPath is excluded from request metrics; its duration is the lifetime of
// the connection.
const wsPath = "/api/v1/ws"

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized.
type RouterConfig struct {
	AuthService *auth.AuthService
	Hub         *realtime.Hub
	Logger      *zap.Logger

	Users      repositories.UserRepository
	Dashboards repositories.DashboardRepository
	Widgets    repositories.WidgetRepository

	// DB is pinged by /healthz. Optional.
	DB Pinger

	// HTTPMetrics records request metrics when set. MetricsHandler, when
	// set, is mounted on /metrics.
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler

	// Producers reports open gRPC ingest streams in /streams/stats.
	// Optional.
	Producers ProducerCounter

	// WSReadLimit caps one inbound WebSocket frame. Zero keeps the default.
	WSReadLimit int64

	// APIRateLimit applies to every /api/v1 request per client IP, and
	// AuthRateLimit additionally to register, login and refresh. Zero values
	// disable them.
	APIRateLimit  RateLimit
	AuthRateLimit RateLimit

	// Secure controls whether auth cookies are set with the Secure flag.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	if cfg.HTTPMetrics != nil {
		r.Use(cfg.HTTPMetrics.Middleware(wsPath))
	}
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.AuthService, cfg.Logger)
	dashboardHandler := NewDashboardHandler(cfg.Dashboards, cfg.Widgets, cfg.Hub, cfg.Logger)
	widgetHandler := NewWidgetHandler(dashboardHandler, cfg.Widgets, cfg.Hub, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Hub, cfg.Producers, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.WSReadLimit, cfg.Logger)

	r.Get("/healthz", Healthz(cfg.DB, cfg.Logger))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimitByIP(cfg.APIRateLimit))

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(RateLimitByIP(cfg.AuthRateLimit))

				r.Post("/auth/register", authHandler.Register)
				r.Post("/auth/login", authHandler.Login)
				r.Post("/auth/refresh", authHandler.Refresh)
			})

			// Authenticates the connection itself so it can answer with a
			// reason code.
			r.Get("/ws", wsHandler.ServeWS)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			r.Get("/dashboards", dashboardHandler.List)
			r.Post("/dashboards", dashboardHandler.Create)
			r.Get("/dashboards/{id}", dashboardHandler.GetByID)
			r.Patch("/dashboards/{id}", dashboardHandler.Update)
			r.Delete("/dashboards/{id}", dashboardHandler.Delete)

			r.Get("/dashboards/{id}/widgets", widgetHandler.List)
			r.Post("/dashboards/{id}/widgets", widgetHandler.Create)
			r.Patch("/dashboards/{id}/widgets/{widgetID}", widgetHandler.Update)
			r.Delete("/dashboards/{id}/widgets/{widgetID}", widgetHandler.Delete)

			r.Post("/streams/{streamID}/publish", streamHandler.Publish)
			r.Get("/streams/stats", streamHandler.Stats)
		})
	})

	return r
}

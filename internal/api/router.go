package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"broadcast-scaler/internal/platform/logger"
	"broadcast-scaler/internal/platform/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// RateLimitPerMinute caps viewer requests per client IP. Zero disables
	// the limit.
	RateLimitPerMinute int
	// Metrics may be nil to disable metric recording (e.g. in tests).
	Metrics *metrics.Metrics
	// UpdateGauges runs before each metrics scrape.
	UpdateGauges func()
	Log          *slog.Logger
}

// NewRouter mounts every endpoint of h.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(cfg.Log, "/healthz", "/metrics"))
	if cfg.Metrics != nil {
		r.Use(metrics.RequestMiddleware(cfg.Metrics))
		r.Get("/metrics", cfg.Metrics.Handler(cfg.UpdateGauges).ServeHTTP)
	}
	r.Get("/healthz", h.Health)

	r.Route("/viewers", func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}
		r.Post("/join", h.Join)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/leave", h.Leave)
		r.Get("/duration", h.WatchDuration)
	})

	r.Route("/units", func(r chi.Router) {
		r.Get("/", h.ListUnits)
		r.Get("/best", h.BestUnit)
		r.Get("/{unit_id}/viewers", h.UnitViewers)
		r.Post("/{unit_id}/replication", h.RetryReplication)
	})

	r.Put("/broadcaster", h.SetBroadcaster)
	r.Delete("/broadcaster", h.ClearBroadcaster)
	return r
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/api/handler"
	apimw "github.com/facilityhub/notifyq/internal/api/middleware"
	"github.com/facilityhub/notifyq/internal/service"
)

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Dispatcher *service.Dispatcher
	Stall      *service.StallDetector
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger

	// TenantLimiter guards the producer endpoints; nil disables it.
	TenantLimiter apimw.Allower
	OnRateLimited func()

	// DB is pinged by /health when set.
	DB handler.Pinger
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)            // recover panics, return 500
	r.Use(chimw.RealIP)               // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)        // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	ih := handler.NewItemHandler(deps.Dispatcher, logger)
	bh := handler.NewBatchHandler(deps.Dispatcher.Batches(), logger)
	lh := handler.NewLeaseHandler(deps.Dispatcher, logger)
	ah := handler.NewAdminHandler(deps.Stall, logger)
	sh := handler.NewStatsHandler(deps.Dispatcher)
	hh := handler.NewHealthHandler(deps.DB)

	producer := func(r chi.Router) chi.Router { return r }
	if deps.TenantLimiter != nil {
		mw := apimw.TenantRateLimit(deps.TenantLimiter, deps.OnRateLimited, logger)
		producer = func(r chi.Router) chi.Router { return r.With(mw) }
	}

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Items
		producer(r).Post("/items", ih.Enqueue)
		r.Get("/items", ih.List)
		r.Get("/items/{id}", ih.GetByID)
		r.Post("/items/{id}/cancel", ih.Cancel)

		// Batches
		producer(r).Post("/batches", bh.CreateBatch)
		r.Get("/batches/{id}", bh.GetBatch)

		// Worker lease protocol
		r.Post("/leases/claim", lh.Claim)
		r.Post("/leases/{id}/renew", lh.Renew)
		r.Post("/leases/{id}/outcome", lh.Outcome)

		// Operations
		r.Post("/admin/sweep", ah.Sweep)
		r.Get("/stats", sh.GetStats)
	})

	return r
}

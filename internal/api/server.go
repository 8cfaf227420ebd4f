// ABOUTME: HTTP server struct, constructor, and handler wiring for paidqueue.
// ABOUTME: Mounts the huma job/account API, the payment webhook, /healthz and /metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/paidqueue/internal/config"
	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/notify"
	"github.com/scarson/paidqueue/internal/payment"
	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/submit"
)

// Pinger checks that the storage backend is reachable.
type Pinger func(ctx context.Context) error

// Deps are the services behind the HTTP layer.
type Deps struct {
	Queue      *queue.Service
	Ledger     *ledger.Ledger
	Submitter  *submit.Submitter
	Reconciler *payment.Reconciler
	// Notifier tells users about completions and refunds resolved over the
	// API. May be nil.
	Notifier notify.Notifier
	// Ping may be nil, in which case /healthz reports degraded.
	Ping Pinger
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	deps        Deps
	cfg         *config.Config
	rateLimiter *ipRateLimiter
	now         func() time.Time
	log         *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perSecond, burst := cfg.WebhookRatePerSecond, cfg.WebhookRateBurst
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 20
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		rateLimiter: newIPRateLimiter(rate.Limit(perSecond), burst, evictTTL),
		now:         time.Now,
		log:         log,
	}
}

// Close stops the rate limiter's cleanup goroutine.
func (srv *Server) Close() { srv.rateLimiter.Stop() }

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.deps.Ping))
	r.Handle("/metrics", promhttp.Handler())

	// ── Payment provider webhook (chi, not huma: needs the raw body) ─────────
	r.With(srv.webhookRateLimit()).Post("/webhooks/payment", srv.paymentWebhookHandler)

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.Authenticate())
	humaConfig := huma.DefaultConfig("paidqueue API", "0.1.0")
	humaConfig.Info.Description = "Paid priority job queue: submission, worker claims and account ledger"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)
	registerAccountRoutes(api, srv)

	// Claim answers 204 with no body when the queue is empty, so it is
	// served by chi directly rather than through huma.
	apiRouter.Post("/jobs/claim", srv.claimJobHandler)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the store is reachable,
// or 503 {"status":"degraded","store":"unavailable"} when it is not.
func healthzHandler(ping Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if ping == nil {
			resp.Status = "degraded"
			resp.Store = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Store = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, r, statusCode, resp)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

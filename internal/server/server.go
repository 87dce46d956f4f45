/*
Logic: the ingest tool server's chi router (§4.9, §6). Grounded on the donor
gateway's router.NewRouter (router/router.go): same ordered middleware
chain, same health-endpoint-before-everything-else placement, same pattern
of mounting a metrics handler alongside the JSON operational document — here
narrowed to the four tool RPCs plus health/metrics.
*/
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/apierr"
	"github.com/AlfredDev/actcore/internal/cache"
	"github.com/AlfredDev/actcore/internal/config"
	"github.com/AlfredDev/actcore/internal/observability"
	"github.com/AlfredDev/actcore/internal/queue"
	"github.com/AlfredDev/actcore/internal/template"
	"github.com/AlfredDev/actcore/internal/ticket"
	"github.com/AlfredDev/actcore/internal/vault"
	"github.com/AlfredDev/actcore/internal/warehouse"
	"github.com/AlfredDev/actcore/internal/warmer"
)

// Server holds every dependency the four RPC handlers need.
type Server struct {
	logger zerolog.Logger
	cfg    *config.Config

	router http.Handler

	cache         *cache.TwoTier
	warehouse     *warehouse.Client
	templates     *template.Registry
	queue         *queue.Queue
	tickets       *ticket.Manager
	metrics       *observability.Metrics
	accessTracker *warmer.AccessTracker
	vault         *vault.Vault

	activityPrefix string
	dbTimeout      time.Duration
}

// Deps bundles the constructed dependencies a Server is wired with.
type Deps struct {
	Cache         *cache.TwoTier
	Warehouse     *warehouse.Client
	Templates     *template.Registry
	Queue         *queue.Queue
	Tickets       *ticket.Manager
	Metrics       *observability.Metrics
	AccessTracker *warmer.AccessTracker
	Vault         *vault.Vault
}

// New builds the ingest tool server and its chi router.
func New(logger zerolog.Logger, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		logger:         logger.With().Str("component", "tool_server").Logger(),
		cfg:            cfg,
		cache:          deps.Cache,
		warehouse:      deps.Warehouse,
		templates:      deps.Templates,
		queue:          deps.Queue,
		tickets:        deps.Tickets,
		metrics:        deps.Metrics,
		accessTracker:  deps.AccessTracker,
		vault:          deps.Vault,
		activityPrefix: "actcore",
		dbTimeout:      time.Duration(cfg.PerfDBQueryMs) * time.Millisecond,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(requestLogger(s.logger))
	r.Use(maxBodySize(1 << 20))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.metrics.PrometheusHandler().ServeHTTP)
	r.Get("/metrics.json", s.handleMetricsJSON)
	r.Post("/internal/vault/unlock", s.handleVaultUnlock)

	r.Group(func(r chi.Router) {
		r.With(opDeadline(time.Duration(s.cfg.PerfLogEventMs) * time.Millisecond)).
			Post("/v1/log_event", s.handleLogEvent)
		r.With(opDeadline(time.Duration(s.cfg.PerfGetContextP95Ms) * time.Millisecond)).
			Post("/v1/get_context", s.handleGetContext)
		r.With(opDeadline(time.Duration(s.cfg.PerfSubmitQueryMs) * time.Millisecond)).
			Post("/v1/submit_query", s.handleSubmitQuery)
		r.With(opDeadline(time.Duration(s.cfg.PerfLogEventMs) * time.Millisecond)).
			Post("/v1/log_insight", s.handleLogInsight)
	})

	return r
}

// ServeHTTP makes Server an http.Handler, so cmd/server can hand it directly
// to an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.metrics.JSONDocument())
}

// vaultUnlockRequest identifies the warehouse identity an operator wants to
// clear the failure ledger and cooldown for (§4.2's administrative
// UnlockAccount op, exposed internally rather than on the public API).
type vaultUnlockRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeErr(w, apierr.New(apierr.Unavailable, "vault not configured"))
		return
	}
	var req vaultUnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidArgument, err, "malformed request body"))
		return
	}
	if req.Username == "" {
		writeErr(w, apierr.New(apierr.InvalidArgument, "username is required"))
		return
	}
	if ok := s.vault.UnlockAccount(req.Username); !ok {
		writeErr(w, apierr.New(apierr.NotFound, "unknown identity %q", req.Username))
		return
	}
	writeJSON(w, map[string]interface{}{"unlocked": true, "username": req.Username})
}

// withDBTimeout bounds an asynchronous warehouse query at PERF_DB_QUERY_MS,
// detached from the originating RPC's own (much tighter) deadline.
func (s *Server) withDBTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.dbTimeout)
}

// finishRequest records the operation's latency and outcome into the
// metrics registry. status is the HTTP status code the handler wrote.
func (s *Server) finishRequest(operation string, start time.Time, status int) {
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	s.metrics.TrackRequest(operation, outcome, float64(time.Since(start).Microseconds())/1000.0)
}

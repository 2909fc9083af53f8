// Package ops serves the operator HTTP surface: health and Prometheus
// endpoints plus a token-authenticated admin API over the engine services,
// a live WebSocket event feed and the compressed history export.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/events"
	"vigilo/internal/history"
	"vigilo/internal/ledger"
	"vigilo/internal/middleware"
	"vigilo/internal/payments"
	"vigilo/internal/report"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds the ops server settings.
type Config struct {
	// Addr is the listen address, e.g. ":18910".
	Addr string
	// AdminToken gates /api/admin. Empty keeps the admin API closed.
	AdminToken string
	// ReviewerID is the operator identity attributed to approve and reject
	// calls made through the API. Must resolve to an admin role.
	ReviewerID int64
}

// Server is the ops HTTP server. All engine access goes through the same
// services the bot uses, so policy and invariants hold on both surfaces.
type Server struct {
	cfg      Config
	reports  *report.Service
	pool     *accounts.Pool
	led      *ledger.Ledger
	payments *payments.Service
	archive  *history.Recorder
	hub      *events.Hub

	srv *http.Server
}

// NewServer wires the ops surface over the engine services.
func NewServer(cfg Config, reports *report.Service, pool *accounts.Pool, led *ledger.Ledger, pay *payments.Service, archive *history.Recorder, hub *events.Hub) *Server {
	s := &Server{
		cfg:      cfg,
		reports:  reports,
		pool:     pool,
		led:      led,
		payments: pay,
		archive:  archive,
		hub:      hub,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := middleware.BearerAuthMiddleware(s.cfg.AdminToken)
	admin := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/admin/stats", admin(s.handleStats))
	mux.Handle("GET /api/admin/tasks", admin(s.handleTasks))
	mux.Handle("GET /api/admin/tasks/{id}", admin(s.handleTaskGet))
	mux.Handle("POST /api/admin/tasks/{id}/approve", admin(s.handleTaskApprove))
	mux.Handle("POST /api/admin/tasks/{id}/reject", admin(s.handleTaskReject))

	mux.Handle("GET /api/admin/accounts", admin(s.handleAccountList))
	mux.Handle("POST /api/admin/accounts", admin(s.handleAccountAdd))
	mux.Handle("DELETE /api/admin/accounts/{id}", admin(s.handleAccountRemove))
	mux.Handle("POST /api/admin/accounts/{id}/disable", admin(s.handleAccountDisable))
	mux.Handle("POST /api/admin/accounts/{id}/enable", admin(s.handleAccountEnable))

	mux.Handle("GET /api/admin/users/{id}", admin(s.handleUserGet))
	mux.Handle("GET /api/admin/purchases", admin(s.handlePurchases))
	mux.Handle("GET /api/admin/history", admin(s.handleHistory))
	mux.Handle("GET /api/admin/export", admin(s.handleExport))
	mux.Handle("GET /api/admin/events", admin(s.handleEvents))

	// Middleware in order, outermost last.
	var handler http.Handler = mux
	handler = middleware.LimitBodyMiddleware(handler)
	handler = middleware.RateLimitMiddleware(middleware.NewDefaultRateLimitConfig())(handler)
	handler = middleware.SecurityHeadersMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "ops")
	handler = middleware.LoggingMiddleware(log.Logger)(handler)

	return handler
}

// Start serves until Shutdown. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	log.Info().Str("address", s.cfg.Addr).Bool("admin_api", s.cfg.AdminToken != "").
		Msg("ops server starting")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

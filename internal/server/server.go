package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/predictamm/internal/server/handler"
	"github.com/alanyoungcy/predictamm/internal/server/middleware"
	"github.com/alanyoungcy/predictamm/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, operator authentication is disabled
	RateLimit   float64
	RateBurst   int
	// Gatherer backs GET /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Markets     *handler.MarketHandler
	Members     *handler.MemberHandler
	Settlements *handler.SettlementHandler
}

// Server is the HTTP + WebSocket API of the market maker.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Operator routes sit behind the API-key middleware; the whole mux is wrapped
// in rate limiting, request logging and CORS.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	if cfg.APIKey == "" {
		logger.Warn("server: no api key configured, operator routes are open")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, handlers, wsHub, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewHandler builds the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	op := middleware.Operator(cfg.APIKey)
	gated := func(f http.HandlerFunc) http.Handler { return op(f) }

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Markets and pools.
	m := handlers.Markets
	mux.HandleFunc("GET /api/markets/{id}", m.GetMarket)
	mux.Handle("PUT /api/markets/{id}", gated(m.UpsertMarket))
	mux.HandleFunc("GET /api/markets/{id}/pool", m.GetPool)
	mux.Handle("POST /api/markets/{id}/pool", gated(m.SeedPool))
	mux.HandleFunc("GET /api/markets/{id}/price", m.GetPrice)
	mux.HandleFunc("GET /api/markets/{id}/history", m.GetHistory)
	mux.HandleFunc("GET /api/markets/{id}/trades", m.ListTrades)
	mux.HandleFunc("POST /api/markets/{id}/quote", m.Quote)
	mux.HandleFunc("POST /api/markets/{id}/swap", m.Swap)

	// Members.
	mb := handlers.Members
	mux.HandleFunc("GET /api/members/{id}/positions", mb.ListPositions)
	mux.HandleFunc("GET /api/members/{id}/balance", mb.GetBalance)
	mux.Handle("POST /api/members/{id}/deposits", gated(mb.Deposit))

	// Settlement.
	s := handlers.Settlements
	mux.HandleFunc("GET /api/markets/{id}/settlement", s.GetSettlement)
	mux.Handle("POST /api/markets/{id}/settlement/resolve", gated(s.Resolve))
	mux.Handle("POST /api/markets/{id}/settlement/propose", gated(s.Propose))
	mux.Handle("POST /api/markets/{id}/settlement/cancel", gated(s.Cancel))
	mux.Handle("POST /api/markets/{id}/settlement/finalize", gated(s.Finalize))
	mux.HandleFunc("GET /api/markets/{id}/payouts", s.ListPayouts)

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(cfg.RateLimit, cfg.RateBurst)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

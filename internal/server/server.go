package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/auth"
	"github.com/vibeai/vibe-core/internal/command"
	"github.com/vibeai/vibe-core/internal/config"
	"github.com/vibeai/vibe-core/internal/contextcache"
	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/ledger"
	"github.com/vibeai/vibe-core/internal/middleware"
)

const maxBodyBytes = 1 << 20

// Deps are the components the server exposes.
type Deps struct {
	Store        db.Store
	Ledger       *ledger.Ledger
	Cache        *contextcache.Cache
	Orchestrator *command.Orchestrator
	Logger       *zap.Logger
}

// Server represents the vibe-core API server
type Server struct {
	config *config.Config

	// Core components
	store  db.Store
	ledger *ledger.Ledger
	cache  *contextcache.Cache
	orch   *command.Orchestrator
	authz  *auth.Authorizer
	logger *zap.Logger

	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader
	handler  http.Handler

	// Listeners
	httpServer *http.Server
	grpc       *healthServer

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Store == nil || deps.Ledger == nil || deps.Cache == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("store, ledger, cache and orchestrator are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		cache:    deps.Cache,
		orch:     deps.Orchestrator,
		authz:    auth.NewAuthorizer(deps.Store, cfg.Auth.Enabled),
		logger:   logger,
		limiter:  middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		upgrader: newUpgrader(cfg.Server.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the full HTTP handler chain.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.AccessLog(s.logger))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, http.StatusNotFound, APIError{Error: codeNotFound, Message: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, http.StatusMethodNotAllowed, APIError{Error: codeInvalidRequest, Message: "method not allowed"})
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/commands", s.handleSubmitCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/commands/{commandId}", s.handleGetCommand).Methods(http.MethodGet)
	api.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)

	viewer := middleware.RequireRole(s.authz, auth.RoleViewer)
	admin := middleware.RequireRole(s.authz, auth.RoleAdmin)

	acct := api.PathPrefix("/accounts/{accountId}").Subrouter()
	acct.Handle("/commands", viewer(http.HandlerFunc(s.handleListCommands))).Methods(http.MethodGet)
	acct.Handle("/credits", viewer(http.HandlerFunc(s.handleGetCredits))).Methods(http.MethodGet)
	acct.Handle("/credits/topup", admin(http.HandlerFunc(s.handleTopUp))).Methods(http.MethodPost)
	acct.Handle("/credits/transactions", viewer(http.HandlerFunc(s.handleTransactions))).Methods(http.MethodGet)
	acct.Handle("/usage", viewer(http.HandlerFunc(s.handleUsage))).Methods(http.MethodGet)
	acct.Handle("/members/{userId}", admin(http.HandlerFunc(s.handleSetMember))).Methods(http.MethodPut)
	acct.Handle("/context/invalidate", admin(http.HandlerFunc(s.handleInvalidateContext))).Methods(http.MethodPost)

	var h http.Handler = r
	h = middleware.Auth(middleware.AuthOptions{
		Enabled:   s.config.Auth.Enabled,
		JWTSecret: s.config.Auth.JWTSecret,
		Issuer:    s.config.Auth.Issuer,
	})(h)
	h = s.limiter.Middleware(h)
	h = cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader, middleware.UserIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, middleware.TraceIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
	}).Handler(h)
	h = middleware.Tracing(h)
	h = middleware.RequestID(h)
	return h
}

// Start starts the HTTP and gRPC health listeners.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.config.Server.GRPCPort > 0 {
		s.grpc = newHealthServer(s.store, s.orch, s.logger)
		grpcAddr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort)
		if err := s.grpc.Start(s.ctx, grpcAddr, &s.wg); err != nil {
			_ = s.httpServer.Close()
			s.setRunning(false)
			return err
		}
	}

	s.logger.Info("vibe-core server started",
		zap.Bool("generation_configured", s.orch.Ready()),
		zap.Bool("auth_enabled", s.config.Auth.Enabled),
		zap.String("database", s.config.Database.Type))
	return nil
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping vibe-core server")

	if s.grpc != nil {
		s.grpc.Stop()
	}
	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server forced to shut down", zap.Error(err))
		}
	}
	s.cancel()
	s.limiter.Stop()
	s.wg.Wait()

	s.logger.Info("vibe-core server stopped")
	return err
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "vibe-core",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports 503 until the store answers and a generation backend is wired.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "generation": "ok"}
	ready := true
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	}
	if !s.orch.Ready() {
		checks["generation"] = "not configured"
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

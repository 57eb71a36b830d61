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
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/config"
	"github.com/kubilitics/kubilitics-remediation/internal/middleware"
	"github.com/kubilitics/kubilitics-remediation/internal/orchestrator"
)

// Package server exposes the orchestrator over HTTP, WebSocket and gRPC.
//
// Surfaces:
//   - REST API under /api/v1 (JSON), one route per orchestrator operation
//   - Admin API under /api/v1/admin, guarded by server.admin_token
//   - /ws/events: live approval gate transitions
//   - /health and /metrics (Prometheus)
//   - grpc.health.v1 on server.grpc_port, driven by a database probe
//
// Middleware order (outermost first): CORS, tracing, correlation ID,
// request logging, then per-client rate limiting on /api/v1.

// Options configures a Server.
type Options struct {
	Orchestrator *orchestrator.Service
	// Config is the startup snapshot. Server settings are not reloadable.
	Config *config.Config
	// ConfigManager backs POST /api/v1/admin/reload. Optional.
	ConfigManager config.ConfigManager
	Audit         audit.Logger
	Logger        *zap.Logger
}

// Server is the network front of the remediation engine.
type Server struct {
	orch   *orchestrator.Service
	cfg    *config.Config
	cfgMgr config.ConfigManager
	audit  audit.Logger
	logger *zap.Logger

	hub      *Hub
	upgrader websocket.Upgrader
	limiter  *middleware.RateLimiter
	handler  http.Handler

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	mu      sync.Mutex
	running bool
}

// New builds the server and subscribes its WebSocket hub to the approval gate.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNop()
	}

	s := &Server{
		orch:     opts.Orchestrator,
		cfg:      opts.Config,
		cfgMgr:   opts.ConfigManager,
		audit:    opts.Audit,
		logger:   opts.Logger,
		hub:      NewHub(opts.Logger),
		upgrader: newUpgrader(opts.Config.Server.AllowedOrigins),
		limiter:  middleware.NewRateLimiter(opts.Config.Server.RateLimitRPS, opts.Config.Server.RateLimitBurst),
	}
	s.grpcServer, s.health = newGRPCServer()
	s.orch.Gate().Subscribe(s.hub)
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the full HTTP handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the transition broadcaster behind /ws/events.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) buildHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.handleEvents).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.limiter.Middleware)
	s.registerIncidentRoutes(api)
	s.registerTopologyRoutes(api)
	s.registerSafetyRoutes(api)
	s.registerActionRoutes(api)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminToken(s.cfg.Server.AdminToken))
	s.registerAdminRoutes(admin)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusNotFound, errorBody(KindNotFound, "no route for "+req.Method+" "+req.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusMethodNotAllowed, errorBody(KindValidation, "method "+req.Method+" not allowed"))
	})

	var h http.Handler = r
	h = middleware.Logging(s.logger)(h)
	h = middleware.Correlation(h)
	h = middleware.Tracing(h)
	h = cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", middleware.CorrelationHeader, middleware.ActorHeader,
		},
		ExposedHeaders: []string{middleware.CorrelationHeader, middleware.TraceIDHeader},
		MaxAge:         300,
	}).Handler(h)
	return h
}

// Run serves HTTP and gRPC until ctx is cancelled, then shuts both down
// within server.shutdown_timeout_seconds.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	httpAddr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}
	var grpcLis net.Listener
	if s.cfg.Server.GRPCPort > 0 {
		grpcAddr := fmt.Sprintf(":%d", s.cfg.Server.GRPCPort)
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
	}

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.probeHealth(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", httpLis.Addr().String()))
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", zap.String("addr", grpcLis.Addr().String()))
			if err := s.grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	if err := s.audit.LogServerStarted(ctx, httpLis.Addr().String()); err != nil {
		s.logger.Warn("failed to write audit event", zap.Error(err))
	}
	return g.Wait()
}

func (s *Server) shutdown() error {
	timeout := s.cfg.ShutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down server", zap.Duration("timeout", timeout))
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("gRPC server forced to stop after timeout")
		s.grpcServer.Stop()
	}

	s.hub.Stop()
	s.limiter.Stop()
	if err := s.audit.LogServerShutdown(context.Background(), "signal"); err != nil {
		s.logger.Warn("failed to write audit event", zap.Error(err))
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if httpErr != nil {
		return fmt.Errorf("http shutdown: %w", httpErr)
	}
	return nil
}

// Close releases background resources of a server that was never Run.
func (s *Server) Close() {
	s.hub.Stop()
	s.limiter.Stop()
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/termhost/internal/api/http"
	"github.com/GriffinCanCode/termhost/internal/api/middleware"
	"github.com/GriffinCanCode/termhost/internal/api/ws"
	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
	"github.com/GriffinCanCode/termhost/internal/domain/terminal/host"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/persistence"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/tracing"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	adapter host.Adapter
	manager *terminal.Manager
	hub     *ws.Hub
	store   *persistence.SQLiteStore
	router  *gin.Engine
	http    *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing terminal service",
		zap.String("addr", cfg.Server.Addr()),
		logging.Backend(cfg.Terminal.Backend),
	)

	metrics := monitoring.NewMetrics()

	runner := host.NewExecRunner(cfg.Terminal.Backend, cfg.Terminal.CommandTimeout.Std(), metrics, logger.Logger)
	adapter, err := host.New(host.Options{
		Backend:    cfg.Terminal.Backend,
		SocketDir:  cfg.Terminal.SocketDir,
		Shell:      cfg.Terminal.Shell,
		TmuxConfig: cfg.Terminal.TmuxConfig,
	}, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to set up session host: %w", err)
	}
	if !adapter.IsAvailable() {
		logger.Warn("Session host not installed, terminals disabled", logging.Backend(adapter.Name()))
	}

	manager := terminal.NewManager(adapter, terminal.Settings{
		BufferDir:       cfg.Terminal.BufferDir,
		ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
		WorkDir:         cfg.Terminal.WorkDir,
	}, logger.Logger).WithMetrics(metrics)

	var store *persistence.SQLiteStore
	if cfg.Store.Enabled {
		store, err = persistence.Open(cfg.Store.Path)
		if err != nil {
			// Metadata is a convenience; terminals still work without it.
			logger.Warn("Metadata store unavailable", zap.String("path", cfg.Store.Path), zap.Error(err))
			store = nil
		} else {
			manager.WithStore(store)
			logger.Info("Metadata store opened", zap.String("path", cfg.Store.Path))
		}
	}

	hub := ws.NewHub(manager, ws.Settings{
		SendQueue:       cfg.WebSocket.SendQueue,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		PingInterval:    cfg.WebSocket.PingInterval.Std(),
		WriteTimeout:    cfg.WebSocket.WriteTimeout.Std(),
		MessageRate:     cfg.WebSocket.MessageRate,
		MessageBurst:    cfg.WebSocket.MessageBurst,
		IdleDetach:      cfg.Terminal.IdleDetach.Std(),
		AllowedOrigins:  cfg.Server.CORSOrigins,
	}, logger.Logger).WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	tracer := tracing.New("termhost", logger.Logger)

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.Server.CORSOrigins
	router.Use(middleware.CORS(corsCfg))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	var pinger apihttp.Pinger
	if store != nil {
		pinger = store
	}
	apihttp.NewHandlers(manager, hub, pinger, logger.Logger).Register(router)

	router.GET("/ws", hub.HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		adapter: adapter,
		manager: manager,
		hub:     hub,
		store:   store,
		router:  router,
		http: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Restore brings back terminals whose host sessions outlived the last run.
func (s *Server) Restore(ctx context.Context) error {
	if !s.adapter.IsAvailable() {
		return nil
	}
	return s.manager.Restore(ctx)
}

// Run restores surviving terminals and serves until Shutdown.
func (s *Server) Run() error {
	if err := s.Restore(context.Background()); err != nil {
		s.logger.Warn("Failed to restore terminals", zap.Error(err))
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, disconnects viewers and detaches
// every terminal. Host sessions keep running for the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Hijacked WebSocket connections are not covered by http.Shutdown.
	s.hub.Close()

	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("terminal shutdown: %w", err))
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	s.tracer.Close()
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/bastion/internal/adaptive"
	"github.com/mbd888/bastion/internal/config"
	"github.com/mbd888/bastion/internal/events"
	"github.com/mbd888/bastion/internal/guard"
	"github.com/mbd888/bastion/internal/health"
	"github.com/mbd888/bastion/internal/layers"
	"github.com/mbd888/bastion/internal/logging"
	"github.com/mbd888/bastion/internal/metrics"
	"github.com/mbd888/bastion/internal/predictor"
	"github.com/mbd888/bastion/internal/ratelimit"
	"github.com/mbd888/bastion/internal/security"
	"github.com/mbd888/bastion/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the defense engine it fronts.
type Server struct {
	cfg         *config.Config
	guard       *guard.Guard
	assessments predictor.Store
	incidents   events.Store
	hub         *events.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory stores
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

	// In-flight guarded calls keyed by call ID. Screening is two-phase:
	// POST /v1/calls enters the guard, POST /v1/calls/:id/complete exits it.
	inflightMu sync.Mutex
	inflight   map[string]*guard.Call

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGuard injects a pre-built guard (for testing with custom layer
// checkers). When set, New skips engine construction.
func WithGuard(g *guard.Guard) Option {
	return func(s *Server) {
		s.guard = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:   health.NewRegistry(),
		inflight: make(map[string]*guard.Call),
	}

	// Apply options first (may set guard/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.assessments = predictor.NewPostgresStore(db)
		s.incidents = events.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL audit storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.assessments = predictor.NewMemoryStore()
		s.incidents = events.NewMemoryStore()
		s.logger.Info("using in-memory audit storage (data will not persist)")
	}

	// Hub streams guard incidents to WebSocket clients; the recorder wraps it
	// so every guard event also lands in the incident audit trail.
	s.hub = events.NewHub(s.logger)

	// Build the engine unless a pre-wired guard was injected
	if s.guard == nil {
		coord := layers.NewCoordinator()
		if cfg.Quorum > 0 {
			if err := coord.SetQuorum(cfg.Quorum); err != nil {
				return nil, fmt.Errorf("failed to set quorum: %w", err)
			}
		}

		pred := predictor.NewEngine(s.assessments)
		if cfg.Sensitivity != config.DefaultSensitivity {
			if err := pred.Calibrate(cfg.Sensitivity); err != nil {
				return nil, fmt.Errorf("failed to calibrate predictor: %w", err)
			}
		}

		adapt := adaptive.NewEngine(
			adaptive.WithBaseCooldown(cfg.BaseCooldown),
			adaptive.WithMaxHalfOpenAttempts(cfg.MaxHalfOpenAttempts),
			adaptive.WithWindow(cfg.MetricsWindow),
		)

		s.guard = guard.New(coord, pred, adapt,
			guard.WithLogger(s.logger),
			guard.WithEvents(events.NewRecorder(s.incidents, s.hub, s.logger)),
		)
		s.logger.Info("defense engine wired",
			"quorum", cfg.Quorum,
			"sensitivity", cfg.Sensitivity,
			"base_cooldown", cfg.BaseCooldown,
		)
	}

	// Engine health: a cascade lockdown or any open circuit degrades the
	// service until an operator intervenes.
	s.checks.Register("cascade", func(_ context.Context) health.Status {
		if s.guard.Status().Layers.CascadeActive {
			return health.Status{Name: "cascade", Healthy: false, Detail: "cascade lockdown active"}
		}
		return health.Status{Name: "cascade", Healthy: true}
	})
	s.checks.Register("circuits", func(_ context.Context) health.Status {
		if open := s.guard.Status().Adaptive.OpenKeys; len(open) > 0 {
			return health.Status{
				Name:    "circuits",
				Healthy: false,
				Detail:  fmt.Sprintf("open circuits: %v", open),
			}
		}
		return health.Status{Name: "circuits", Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (same-host only unless overridden by a proxy)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuth guards the operator surface. It compares the X-Admin-Secret
// header against the configured secret in constant time. In development with
// no secret configured the check is skipped.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" && s.cfg.IsDevelopment() {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time incident streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// READ SURFACE (no auth required)
	v1.GET("/status", s.statusHandler)
	v1.GET("/operations", s.operationsHandler)
	v1.GET("/operations/:op", s.operationHandler)
	v1.GET("/operations/:op/history", s.operationHistoryHandler)
	v1.GET("/layers", s.layersHandler)
	v1.GET("/callers/:address", s.callerProfileHandler)
	v1.GET("/callers/:address/assessments", s.callerAssessmentsHandler)
	v1.GET("/incidents", s.incidentsHandler)
	v1.GET("/events/stats", s.eventStatsHandler)

	// SCREENING SURFACE - two-phase guard entry/exit
	v1.POST("/calls", s.screenCallHandler)
	v1.POST("/calls/:id/complete", s.completeCallHandler)

	// ADMIN SURFACE (requires X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(s.adminAuth())
	{
		admin.POST("/layers/:slot/enable", s.enableLayerHandler)
		admin.POST("/layers/:slot/disable", s.disableLayerHandler)
		admin.POST("/layers/:slot/reset", s.resetLayerHandler)
		admin.PUT("/quorum", s.setQuorumHandler)
		admin.PUT("/sensitivity", s.setSensitivityHandler)
		admin.POST("/thresholds/raise", s.raiseThresholdsHandler)
		admin.POST("/thresholds/lower", s.lowerThresholdsHandler)
		admin.POST("/cascade/reset", s.resetCascadeHandler)
		admin.POST("/callers/:address/block", s.blockCallerHandler)
		admin.POST("/operations/:op/cooldown/reset", s.resetCooldownHandler)
		admin.POST("/operations/:op/circuit/open", s.openCircuitHandler)
		admin.POST("/operations/:op/circuit/close", s.closeCircuitHandler)
		admin.POST("/operations/:op/recover", s.recoverHandler)
		admin.POST("/feedback", s.blockFeedbackHandler)
		admin.POST("/learning/apply", s.applyLearningHandler)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Bastion",
		"description": "Adaptive reentrancy defense engine",
		"version":     "0.1.0",
	})
}

func (s *Server) eventStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start incident hub
	go s.hub.Run(runCtx)

	// Collect database pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Guard returns the underlying defense engine.
func (s *Server) Guard() *guard.Guard {
	return s.guard
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/nudge/internal/auth"
	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/config"
	"github.com/mbd888/nudge/internal/entitlement"
	"github.com/mbd888/nudge/internal/health"
	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/metrics"
	"github.com/mbd888/nudge/internal/nudge"
	"github.com/mbd888/nudge/internal/ratelimit"
	"github.com/mbd888/nudge/internal/realtime"
	"github.com/mbd888/nudge/internal/security"
	"github.com/mbd888/nudge/internal/traces"
	"github.com/mbd888/nudge/internal/validation"
	"github.com/mbd888/nudge/internal/webhooks"
	"github.com/mbd888/nudge/migrations"
)

// Version is reported by the health endpoint. Set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       behavior.Config
	store        nudge.Store
	service      *nudge.Service
	timer        *nudge.Timer
	entitlements entitlement.Provider
	realtimeHub  *realtime.Hub
	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	authManager  *auth.Manager // nil when ADMIN_API_KEY is unset
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB               // nil if using in-memory
	redis        redis.UniversalClient // nil unless REDIS_URL is set
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithStore replaces the configured storage (for testing)
func WithStore(store nudge.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithEntitlements replaces the premium lookup (for testing)
func WithEntitlements(p entitlement.Provider) Option {
	return func(s *Server) {
		s.entitlements = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	engine, err := cfg.Engine()
	if err != nil {
		return nil, fmt.Errorf("failed to load engine thresholds: %w", err)
	}
	s.engine = engine
	if cfg.ThresholdsFile != "" {
		s.logger.Info("engine thresholds loaded", "file", cfg.ThresholdsFile)
	}

	stopTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}

	if s.entitlements == nil {
		s.entitlements = s.newEntitlements()
	}

	if s.db != nil {
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.webhookStore = webhooks.NewMemoryStore()
	}
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)

	if cfg.AuthEnabled() {
		if err := s.initAuth(ctx); err != nil {
			return nil, err
		}
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.service = nudge.NewService(s.store, s.engine).
		WithEntitlements(s.entitlements).
		WithEvents(fanout{
			hubPublisher{hub: s.realtimeHub},
			webhooks.NewEmitter(s.dispatcher, s.logger),
		})
	s.timer = nudge.NewTimer(s.service, cfg.TickInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initStorage opens PostgreSQL when DATABASE_URL is set, falling back to the
// in-memory store, and moves the intervention log to Redis when REDIS_URL is
// set.
func (s *Server) initStorage(ctx context.Context) error {
	if s.store == nil {
		if s.cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", s.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := db.PingContext(pingCtx); err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			s.db = db
			s.store = nudge.NewPostgresStore(db)
			s.health.Register("database", health.Database(db))
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		} else {
			s.store = nudge.NewMemoryStore()
			s.logger.Warn("using in-memory storage, state is lost on restart")
		}
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.store = nudge.WithInterventionStore(s.store, nudge.NewRedisInterventionStore(client))
		s.health.Register("redis", health.Redis(client))
		s.logger.Info("using Redis for the intervention log", "addr", opts.Addr)
	}
	return nil
}

// initAuth stores API keys next to the engine data and registers the
// bootstrap admin key.
func (s *Server) initAuth(ctx context.Context) error {
	var store auth.Store = auth.NewMemoryStore()
	if s.db != nil {
		store = auth.NewPostgresStore(s.db)
	}
	s.authManager = auth.NewManager(store, s.logger)
	if _, err := s.authManager.Bootstrap(ctx, s.cfg.AdminAPIKey); err != nil {
		return fmt.Errorf("failed to register admin API key: %w", err)
	}
	s.logger.Info("API key auth enabled on /v1")
	return nil
}

// newEntitlements picks Stripe when a key is configured, otherwise the
// static PREMIUM_USERS list.
func (s *Server) newEntitlements() entitlement.Provider {
	if s.cfg.StripeSecretKey != "" {
		s.logger.Info("premium lookups via Stripe", "cache_ttl", s.cfg.EntitlementCacheTTL)
		return entitlement.NewCachedProvider(
			entitlement.NewStripeProvider(s.cfg.StripeSecretKey),
			entitlement.DefaultCacheSize,
			s.cfg.EntitlementCacheTTL,
		)
	}
	s.logger.Info("premium lookups via static list", "users", len(s.cfg.PremiumUsers))
	return entitlement.NewStaticProvider(s.cfg.PremiumUsers)
}

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

// hubPublisher adapts the realtime hub to nudge.EventPublisher.
type hubPublisher struct {
	hub *realtime.Hub
}

func (p hubPublisher) Publish(eventType, userID string, data any) {
	p.hub.Publish(realtime.EventType(eventType), userID, data)
}

// fanout delivers each engine event to every publisher in order.
type fanout []nudge.EventPublisher

func (f fanout) Publish(eventType, userID string, data any) {
	for _, p := range f {
		p.Publish(eventType, userID, data)
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithUserID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	admin := v1
	if s.authManager != nil {
		v1.Use(auth.Middleware(s.authManager), auth.RequireScope(auth.ScopeClient))
		admin = v1.Group("", auth.RequireScope(auth.ScopeAdmin))
		auth.NewHandler(s.authManager).RegisterRoutes(admin)
	}
	v1.GET("/engine/config", s.engineConfigHandler)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)
	nudge.NewHandler(s.service).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore, s.dispatcher).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timer     bool            `json:"tickTimerRunning"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timer:     s.timer.Running(),
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

func (s *Server) engineConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": s.engine})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.timer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready", "tick_interval", s.cfg.TickInterval)
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Cancel the context for all background goroutines (hub, timer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.timer.Stop()
	s.logger.Info("tick timer stopped")

	s.dispatcher.Wait()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the engine service (for testing and embedding)
func (s *Server) Service() *nudge.Service {
	return s.service
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

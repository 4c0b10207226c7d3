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

	"github.com/mbd888/claimpay/internal/auth"
	"github.com/mbd888/claimpay/internal/chain"
	"github.com/mbd888/claimpay/internal/challenge"
	"github.com/mbd888/claimpay/internal/claims"
	"github.com/mbd888/claimpay/internal/config"
	"github.com/mbd888/claimpay/internal/escrow"
	"github.com/mbd888/claimpay/internal/health"
	"github.com/mbd888/claimpay/internal/idgen"
	"github.com/mbd888/claimpay/internal/insurers"
	"github.com/mbd888/claimpay/internal/logging"
	"github.com/mbd888/claimpay/internal/metrics"
	"github.com/mbd888/claimpay/internal/ratelimit"
	"github.com/mbd888/claimpay/internal/realtime"
	"github.com/mbd888/claimpay/internal/retry"
	"github.com/mbd888/claimpay/internal/security"
	"github.com/mbd888/claimpay/internal/settlement"
	"github.com/mbd888/claimpay/internal/traces"
	"github.com/mbd888/claimpay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	claims      *claims.Service
	escrow      *escrow.Service
	insurers    *insurers.Service
	coordinator *settlement.Coordinator
	evaluator   claims.Evaluator
	chainClient *chain.Client
	watcher     *chain.Watcher
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithChainClient sets a custom chain client (for testing)
func WithChainClient(c *chain.Client) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// WithEvaluator sets a custom claim evaluator (for testing)
func WithEvaluator(e claims.Evaluator) Option {
	return func(s *Server) {
		s.evaluator = e
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain client/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore    auth.Store
		claimStore   claims.Store
		escrowStore  escrow.Store
		insurerStore insurers.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgAuth := auth.NewPostgresStore(db)
		if err := pgAuth.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = pgAuth

		pgClaims := claims.NewPostgresStore(db)
		if err := pgClaims.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate claim store", "error", err)
		}
		claimStore = pgClaims

		pgEscrow := escrow.NewPostgresStore(db)
		if err := pgEscrow.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = pgEscrow

		pgInsurers := insurers.NewPostgresStore(db)
		if err := pgInsurers.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate insurer store", "error", err)
		}
		insurerStore = pgInsurers

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Fail(err.Error())
			}
			return health.OK("")
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		authStore = auth.NewMemoryStore()
		claimStore = claims.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		insurerStore = insurers.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)

	// Chain client if not injected. A missing signing key only disables the
	// relay/custody operations; reads still work.
	if s.chainClient == nil && cfg.RPCURL != "" {
		client, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			USDCContract:   cfg.USDCContract,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			s.logger.Warn("chain client unavailable, running off-chain", "error", err)
		} else {
			s.chainClient = client
			s.logger.Info("chain client connected",
				"chain_id", cfg.ChainID,
				"escrow", cfg.EscrowContract,
				"custody", client.Address(),
			)
		}
	}

	// Escrow ledger. On-chain custody moves funds when a chain client with a
	// signing key exists; otherwise deposits and payouts are ledger-only with
	// synthetic transaction ids.
	var mover escrow.TokenMover
	if s.chainClient != nil && cfg.PrivateKey != "" {
		mover = s.chainClient
	} else {
		mover = &ledgerOnlyMover{}
		s.logger.Info("escrow running ledger-only (no custody key)")
	}
	s.escrow = escrow.NewService(escrowStore, mover)

	// Claims with the rules evaluator unless one was injected
	if s.evaluator == nil {
		s.evaluator = claims.NewRulesEvaluator()
	}
	s.claims = claims.NewService(claimStore, s.evaluator)

	// Insurer profiles with optional Stripe fee billing
	var biller insurers.Biller
	if cfg.StripeSecretKey != "" {
		biller = insurers.NewStripeBiller(cfg.StripeSecretKey)
		s.logger.Info("settlement fee billing enabled", "fee", cfg.SettlementFee)
	}
	s.insurers = insurers.NewService(insurerStore, biller, cfg.SettlementFee, s.logger)

	// Realtime hub for WebSocket streaming; claim and ledger events fan
	// out to subscribed clients.
	s.realtimeHub = realtime.NewHub(s.logger)
	s.claims.SetNotifier(s.realtimeHub)
	s.escrow.SetNotifier(s.realtimeHub)

	// Settlement watcher feeds both the reconciler fallback and the realtime feed
	if s.chainClient != nil {
		watcherCfg := chain.DefaultWatcherConfig()
		if cfg.WatcherPollSeconds > 0 {
			watcherCfg.PollInterval = time.Duration(cfg.WatcherPollSeconds) * time.Second
		}
		s.watcher = chain.NewWatcher(s.chainClient, watcherCfg, s.realtimeHub, s.logger)

		s.checks.Register("chain", func(ctx context.Context) health.Status {
			if _, err := s.chainClient.BalanceOf(ctx, "0x0000000000000000000000000000000000000000"); err != nil {
				return health.Fail(err.Error())
			}
			return health.OK("")
		})
	}

	// Settlement coordinator
	resolver := settlement.NewReconciler(s.fallbackLookup(), retry.DefaultPolicy, s.logger)
	var tracker settlement.Tracker
	if s.watcher != nil {
		tracker = s.watcher
	}
	s.coordinator = settlement.NewCoordinator(
		s.claims, s.escrow, s.insurers,
		s.runnerFactory(), resolver, tracker, s.logger,
	)

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

// fallbackLookup exposes the watcher's chain-truth view to the reconciler.
// A nil watcher means no fallback: an empty signing result stays unresolved.
func (s *Server) fallbackLookup() settlement.FallbackLookup {
	if s.watcher == nil {
		return nil
	}
	return s.watcher
}

// runnerFactory builds one challenge sequence runner per settlement attempt.
// The plan is derived from live chain state, so a retried attempt skips
// whatever steps the previous one completed.
func (s *Server) runnerFactory() settlement.RunnerFactory {
	return func(ownerAddr, amount string) (settlement.Runner, error) {
		if s.chainClient == nil {
			return nil, errors.New("settlement requires a chain connection")
		}
		if s.cfg.SignerURL == "" {
			return nil, errors.New("settlement signing not configured (SIGNER_URL)")
		}

		planner, err := challenge.NewChainPlanner(s.chainClient, ownerAddr, amount, nil)
		if err != nil {
			return nil, err
		}
		signer, err := challenge.NewHTTPSigner(s.cfg.SignerURL)
		if err != nil {
			return nil, err
		}
		return challenge.NewSequencer(planner, signer, s.logger, s.cfg.MaxChallengeSteps), nil
	}
}

// ledgerOnlyMover satisfies escrow.TokenMover without touching the chain.
// Used in development when no custody key is configured.
type ledgerOnlyMover struct{}

func (ledgerOnlyMover) Pull(ctx context.Context, from, amount string) (string, error) {
	return idgen.Prefixed("offtx"), nil
}

func (ledgerOnlyMover) Payout(ctx context.Context, to, amount string) (string, error) {
	return idgen.Prefixed("offtx"), nil
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// API key validation (optional; RequireAuth gates protected routes)
	s.router.Use(s.authMgr.Middleware())
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
			logger.Info("request completed",
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time claim and settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/platform", s.platformHandler)

	auth.NewHandlers(s.authMgr, s.cfg.AdminSecret).RegisterRoutes(v1)
	claims.NewHandlers(s.claims).RegisterRoutes(v1)
	escrow.NewHandlers(s.escrow).RegisterRoutes(v1)
	insurers.NewHandlers(s.insurers).RegisterRoutes(v1)
	settlement.NewHandlers(s.coordinator).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Claimpay",
		"description": "Escrow-backed settlement infrastructure for insurance claims",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	})
}

// platformHandler returns platform info including contract addresses
func (s *Server) platformHandler(c *gin.Context) {
	custody := ""
	if s.chainClient != nil {
		custody = s.chainClient.Address()
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "Claimpay",
			"version":        "0.1.0",
			"chain":          "base-sepolia",
			"chainId":        s.cfg.ChainID,
			"usdcContract":   s.cfg.USDCContract,
			"escrowContract": s.cfg.EscrowContract,
			"custodyAddress": custody,
		},
		"instructions": gin.H{
			"claims":     "POST /v1/claims to file a claim, then POST /v1/claims/{claimId}/evaluate",
			"escrow":     "POST /v1/escrow/{claimId}/deposits to fund settlement",
			"settlement": "POST /v1/claims/{claimId}/settle once the claim is approved",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start settlement watcher
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start settlement watcher", "error", err)
		}
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

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

	// Cancel the context for all background goroutines (hub, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("settlement watcher stopped")
	}

	if s.chainClient != nil {
		if err := s.chainClient.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
		}
	}

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

// Package server wires storage, chain readers and the escrow API into one
// HTTP server.
package server

import (
	"context"
	"database/sql"
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
	"github.com/mbd888/milestonepay/internal/auth"
	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/circuitbreaker"
	"github.com/mbd888/milestonepay/internal/config"
	"github.com/mbd888/milestonepay/internal/escrow"
	"github.com/mbd888/milestonepay/internal/health"
	"github.com/mbd888/milestonepay/internal/logging"
	"github.com/mbd888/milestonepay/internal/metrics"
	"github.com/mbd888/milestonepay/internal/ratelimit"
	"github.com/mbd888/milestonepay/internal/retry"
	"github.com/mbd888/milestonepay/migrations"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        *config.Config
	version    string
	db         *sql.DB // nil when using in-memory storage
	store      escrow.Store
	chains     *chain.Registry
	chainOpts  []chain.Option
	service    *escrow.Service
	reconciler *escrow.Reconciler
	sweeper    *escrow.Sweeper
	health     *health.Registry
	limiter    *ratelimit.Limiter
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	cancelRunCtx context.CancelFunc
	sweeperDone  chan struct{}
	// drainDelay gives load balancers time to stop routing before the
	// listener closes.
	drainDelay time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithStore replaces the storage backend chosen from DATABASE_URL.
func WithStore(store escrow.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithChainOptions passes options to every chain reader, e.g. a shared
// RPC client.
func WithChainOptions(opts ...chain.Option) Option {
	return func(s *Server) { s.chainOpts = append(s.chainOpts, opts...) }
}

// New creates a server: opens storage, dials every configured network and
// registers routes. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStore(context.Background()); err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor)
	s.chains = chain.NewRegistry(cfg.DefaultNetwork, breaker, s.logger)
	policy := retry.Policy{
		MaxAttempts: cfg.RPCMaxAttempts,
		BaseDelay:   cfg.RPCBaseDelay,
		MaxDelay:    5 * time.Second,
	}
	for _, name := range cfg.NetworkNames() {
		n := cfg.Networks[name]
		_, err := s.chains.Add(chain.Config{
			Network:        n.Name,
			ChainID:        n.ChainID,
			RPCURL:         n.RPCURL,
			EscrowContract: n.EscrowContract,
			TokenA:         n.TokenA,
			TokenB:         n.TokenB,
			CallTimeout:    cfg.RPCTimeout,
			Retry:          policy,
			MaxBlockSpan:   cfg.MaxBlockSpan,
		}, s.chainOpts...)
		if err != nil {
			s.chains.Close()
			s.closeDB()
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}
		s.logger.Info("chain reader ready", "network", name, "chain_id", n.ChainID, "escrow", n.EscrowContract)
	}

	s.service = escrow.NewService(s.store, s.chains, s.logger)
	s.reconciler = escrow.NewReconciler(s.store, s.chains, s.logger)
	watcher := escrow.NewTxWatcher(s.store, s.chains, s.reconciler, s.logger)
	s.sweeper = escrow.NewSweeper(s.store, s.reconciler, watcher, escrow.SweeperConfig{
		Interval:   cfg.SyncInterval,
		Workers:    cfg.SyncWorkers,
		BatchSize:  cfg.SyncBatchSize,
		StaleAfter: cfg.SyncStaleAfter,
	}, s.logger)

	s.setupHealth()
	metrics.SetBuildInfo(s.version, cfg.DefaultNetwork)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStore selects PostgreSQL when DATABASE_URL is set and applies the
// embedded migrations; otherwise orders live in memory.
func (s *Server) openStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage; orders are lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
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
	s.store = escrow.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware())

	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Actor(), s.limiter.Middleware())

	h := escrow.NewHandler(s.service, s.reconciler)
	h.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireActor())
	h.RegisterProtectedRoutes(protected)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	h.RegisterAdminRoutes(admin)
}

// Run starts the HTTP server and the background sweeper, and blocks until
// ctx is cancelled, a signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Sync can spend several RPC timeouts on one request.
		WriteTimeout: 4 * s.cfg.RPCTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"networks", s.chains.Networks(),
			"default_network", s.chains.Default(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.sweeperDone = make(chan struct{})
	go func() {
		defer close(s.sweeperDone)
		s.sweeper.Start(runCtx)
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops accepting requests, waits for in-flight ones and the
// current sweep, then closes RPC and database connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.sweeper.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.sweeperDone != nil {
		select {
		case <-s.sweeperDone:
			s.logger.Info("sweeper stopped")
		case <-ctx.Done():
			s.logger.Warn("sweeper did not stop in time")
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.chains.Close()
	s.closeDB()

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return
	}
	s.logger.Info("database connection closed")
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

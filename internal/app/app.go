// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groeimetai/certminter/internal/certificates"
	certmemory "github.com/groeimetai/certminter/internal/certificates/memory"
	certpostgres "github.com/groeimetai/certminter/internal/certificates/postgres"
	"github.com/groeimetai/certminter/internal/config"
	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/identity"
	"github.com/groeimetai/certminter/internal/mintclient"
	"github.com/groeimetai/certminter/internal/mintclient/ipfs"
	"github.com/groeimetai/certminter/internal/minting"
	queuememory "github.com/groeimetai/certminter/internal/minting/memory"
	queuepostgres "github.com/groeimetai/certminter/internal/minting/postgres"
	"github.com/groeimetai/certminter/internal/pkg/ctxlog"
	"github.com/groeimetai/certminter/internal/pkg/httputil"
	"github.com/groeimetai/certminter/internal/pkg/metrics"
	"github.com/groeimetai/certminter/internal/pkg/postgres"
	"github.com/groeimetai/certminter/internal/ratelimit"
	redisstore "github.com/groeimetai/certminter/internal/ratelimit/redis"
	"github.com/groeimetai/certminter/internal/registry"
	"github.com/groeimetai/certminter/internal/status"
	"github.com/groeimetai/certminter/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redisstore.Store
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	scheduler     *minting.Scheduler
	queue         *minting.Queue
	client        *mintclient.Client
	tokens        *identity.TokenService
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	if cfg.Storage.Backend == config.StoragePostgres {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
			ApplicationName: "certminter",
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		app.db = db
	}

	if cfg.RateLimit.Backend == config.RateLimitRedis {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		store, err := redisstore.Connect(connectCtx, cfg.RateLimit.RedisURL, cfg.RateLimit.RedisKey)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.redis = store
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		metricsCancel()
		app.close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	if app.db != nil {
		go app.collectDBMetrics(metricsCtx)
	}
	go app.collectMintingMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the scheduler and the HTTP servers.
func (a *App) Run() error {
	if err := a.scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop scheduling new runs; an in-flight run finishes first.
	a.scheduler.Stop()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.close()

	return errors.Join(errs...)
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis store", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectMintingMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.GetQueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
			} else {
				minting.RecordQueueStats(stats)
			}

			wallet, err := a.client.GetWalletState(ctx)
			if err != nil {
				slog.Error("failed to get wallet state", "error", err)
				continue
			}
			metrics.RecordWalletState(wallet)
		case <-ctx.Done():
			return
		}
	}
}

// logRegistryEvents writes registry events to the log until ctx is done.
func (a *App) logRegistryEvents(ctx context.Context, events <-chan registry.Event, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.logger.Info("registry event",
				"type", ev.Type,
				"certificate_id", ev.CertificateID,
				"student", ev.Student.Hex(),
				"course_id", ev.CourseID,
				"caller", ev.Caller.Hex(),
				"tx_hash", ev.TransactionHash.Hex(),
			)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Scheduler returns the minting scheduler. Used in tests to trigger runs.
func (a *App) Scheduler() *minting.Scheduler {
	return a.scheduler
}

// Tokens returns the access token service.
func (a *App) Tokens() *identity.TokenService {
	return a.tokens
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.Queue.MintTimeout + 30*time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	cfg := a.config

	walletCfg, err := walletConfig(cfg.Chain)
	if err != nil {
		return nil, err
	}
	wallet, err := mintclient.NewWallet(walletCfg)
	if err != nil {
		return nil, fmt.Errorf("load admin wallet: %w", err)
	}

	// The admin wallet deploys the registry and so holds both roles.
	reg := registry.New(wallet.Address())
	events, unsubscribe := reg.Subscribe(64)
	go a.logRegistryEvents(ctx, events, unsubscribe)

	var uploader mintclient.Uploader
	if cfg.IPFS.Enabled {
		uploader = ipfs.NewUploader(ipfs.Config{
			APIURL:    cfg.IPFS.APIURL,
			Timeout:   cfg.IPFS.Timeout,
			RateLimit: cfg.IPFS.RateLimit,
		})
	} else {
		slog.Warn("ipfs is disabled: metadata is addressed by hash without upload")
	}

	a.client = mintclient.New(mintclient.Config{
		Network:           cfg.Chain.Network,
		ContractAddress:   cfg.Chain.ContractAddress,
		ConfirmationDelay: cfg.Chain.ConfirmationDelay,
	}, wallet, reg, uploader)

	var limiterStore ratelimit.Store
	if a.redis != nil {
		limiterStore = a.redis
	} else {
		limiterStore = ratelimit.NewMemoryStore()
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		MaxAttempts:       cfg.RateLimit.MaxAttempts,
		Window:            cfg.RateLimit.Window,
		BudgetGwei:        cfg.RateLimit.BudgetGwei,
		BudgetWindow:      cfg.RateLimit.BudgetWindow,
		EstimatedCostGwei: cfg.RateLimit.EstimatedCostGwei,
		BalanceFraction:   cfg.RateLimit.BalanceFraction,
	}, limiterStore, ratelimit.WithBalanceSource(wallet))
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	var (
		queueRepo minting.Repository
		certRepo  certificates.Repository
	)
	if a.db != nil {
		queueRepo = queuepostgres.NewRepository(a.db)
		certRepo = certpostgres.NewRepository(a.db)
	} else {
		slog.Warn("using in-memory storage: certificates and queue are lost on restart")
		queueRepo = queuememory.NewRepository()
		certRepo = certmemory.NewRepository()
	}

	a.queue = minting.NewQueue(minting.QueueConfig{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		InitialBackoff:    cfg.Queue.InitialBackoff,
		MaxBackoff:        cfg.Queue.MaxBackoff,
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
	}, queueRepo)

	a.scheduler = minting.NewScheduler(minting.SchedulerConfig{
		BatchSize:       cfg.Queue.BatchSize,
		Schedule:        cfg.Queue.Schedule,
		CleanupSchedule: cfg.Queue.CleanupSchedule,
		RetentionDays:   cfg.Queue.RetentionDays,
		MintTimeout:     cfg.Queue.MintTimeout,
		StaleAfter:      cfg.Queue.StaleAfter,
	}, a.queue, a.client, limiter)

	certService := certificates.NewService(certRepo, a.scheduler, a.queue, status.NewResolver(a.queue))
	a.queue.AddListener(certService)

	a.tokens, err = identity.NewTokenService(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.AccessTokenDuration)
	if err != nil {
		return nil, fmt.Errorf("create token service: %w", err)
	}

	slog.Info("minting configured",
		"network", cfg.Chain.Network,
		"wallet", wallet.Address().Hex(),
		"storage", cfg.Storage.Backend,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"ipfs_enabled", cfg.IPFS.Enabled,
		"schedule", cfg.Queue.Schedule,
	)

	identityHandler := identity.NewHandler()
	certHandler := certificates.NewHandler(certService)
	mintingHandler := minting.NewHandler(a.queue, a.scheduler)
	registryHandler := mintclient.NewHandler(a.client)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/registry", registryHandler.RegisterPublicRoutes)

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(a.tokens))

			identityHandler.RegisterProtectedRoutes(r)
			certHandler.RegisterRoutes(r)

			r.Route("/admin", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(httputil.RequireRole(domain.RoleOperator))
					certHandler.RegisterOperatorRoutes(r)
				})

				r.Group(func(r chi.Router) {
					r.Use(httputil.RequireRole(domain.RoleAdmin))
					mintingHandler.RegisterRoutes(r)
					r.Route("/registry", registryHandler.RegisterAdminRoutes)
				})
			})
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func walletConfig(cfg config.ChainConfig) (mintclient.WalletConfig, error) {
	out := mintclient.WalletConfig{
		PrivateKey: cfg.AdminPrivateKey,
		Network:    cfg.Network,
	}
	for _, f := range []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"initial_balance_wei", cfg.InitialBalanceWei, &out.InitialBalanceWei},
		{"gas_price_wei", cfg.GasPriceWei, &out.GasPriceWei},
		{"max_gas_price_wei", cfg.MaxGasPriceWei, &out.MaxGasPriceWei},
	} {
		v, err := config.ParseWei(f.value)
		if err != nil {
			return out, fmt.Errorf("chain.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return out, nil
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

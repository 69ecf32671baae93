package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"signledger/internal/common/database"
	"signledger/internal/common/events"
	"signledger/internal/common/metrics"
	"signledger/internal/common/middleware"
	"signledger/internal/common/money"
	"signledger/internal/common/nats"
	"signledger/internal/common/redis"
	"signledger/internal/common/sweep"
	"signledger/internal/funding"
	"signledger/internal/ledger"
	ledgerapi "signledger/internal/ledger/api"
	ledgerstore "signledger/internal/ledger/store"
	"signledger/internal/operation"
	"signledger/internal/plans"
	"signledger/internal/providers/sepa"
	"signledger/internal/providers/stripe"
	"signledger/internal/refund"
	"signledger/internal/usage"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"BILLING_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Currency        string        `envconfig:"CURRENCY" default:"EUR"`
	PlanCatalogPath string        `envconfig:"PLAN_CATALOG_PATH"`
	AdminAPIKeys    []string      `envconfig:"ADMIN_API_KEYS"`
	RateLimitRPS    float64       `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"40"`
	IdempotencyTTL  time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	SweepLockTTL    time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"30m"`

	PaymentProcessor string `envconfig:"PAYMENT_PROCESSOR" default:"stripe"`
	DocumentsStream  string `envconfig:"DOCUMENTS_STREAM" default:"DOCUMENTS"`

	Scheduler SchedulerConfig

	Database database.Config
	Redis    redis.Config
	NATS     nats.Config
	Funding  funding.Config
	Refund   refund.Config
	Stripe   stripe.Config
	SEPA     sepa.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	currency := money.Currency(cfg.Currency)
	if _, ok := money.GetCurrencyInfo(currency); !ok {
		logger.Error("unsupported currency", "currency", cfg.Currency)
		os.Exit(1)
	}

	catalog := plans.Default()
	if cfg.PlanCatalogPath != "" {
		var err error
		if catalog, err = plans.Load(cfg.PlanCatalogPath); err != nil {
			logger.Error("failed to load plan catalog", "error", err, "path", cfg.PlanCatalogPath)
			os.Exit(1)
		}
	}
	logger.Info("plan catalog loaded", "version", catalog.Version())

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		logger.Error("payment processor not configured", "error", err, "processor", cfg.PaymentProcessor)
		os.Exit(1)
	}

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis backs idempotent replays and the sweep lock; both degrade to
	// process-local behaviour without it
	var (
		rdb    *redis.Client
		locker sweep.Locker
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		locker = rdb
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Events
	var (
		nc        *nats.Client
		publisher events.EventPublisher = events.Discard
	)
	if cfg.NATS.Enabled {
		nc, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, nats.DefaultStreamConfig("BILLING", []string{"billing.>"})); err != nil {
			logger.Error("failed to ensure billing stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(nc, logger)
	}

	// Create services
	wallet := ledger.NewService(ledgerstore.New(db), currency, publisher, m, logger)
	tracker := usage.NewTracker(usage.NewPostgresStore(db), logger)
	refundService := refund.NewService(cfg.Refund, refund.NewPostgresStore(db), wallet, publisher, m, logger)
	fundingService := funding.NewService(cfg.Funding, funding.NewPostgresStore(db), wallet, processor, publisher, m, logger)
	operationService := operation.NewService(tracker, wallet, refundService, m, logger)

	runner := sweep.NewRunner(locker, cfg.SweepLockTTL, m, logger)

	// Document lifecycle events drive refunds and window closing
	if nc != nil {
		consumer, err := nc.EnsureConsumer(ctx, nats.DefaultConsumerConfig("billing-refunds", cfg.DocumentsStream, "documents.entity.>"))
		if err != nil {
			logger.Warn("lifecycle consumer unavailable, relying on HTTP notifications", "error", err, "stream", cfg.DocumentsStream)
		} else {
			go func() {
				if err := nats.NewSubscriber(consumer, logger).Start(ctx, refundService.HandleLifecycleEvent); err != nil && ctx.Err() == nil {
					logger.Error("lifecycle consumer stopped", "error", err)
				}
			}()
		}
	}

	scheduler, err := startScheduler(cfg.Scheduler, runner, fundingService, refundService, logger)
	if err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Create handlers
	walletHandler := ledgerapi.NewHandler(wallet, logger)
	operationHandler := operation.NewHandler(operationService, catalog, logger)
	refundHandler := refund.NewHandler(refundService, runner, logger)
	fundingHandler := funding.NewHandler(fundingService, runner, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CustomerExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok"}
		healthy := true
		if err := db.HealthCheck(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if rdb != nil {
			checks["redis"] = "ok"
			if err := rdb.HealthCheck(r.Context()); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}
		if nc != nil {
			checks["nats"] = "ok"
			if err := nc.HealthCheck(); err != nil {
				checks["nats"] = err.Error()
				healthy = false
			}
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "checks": checks})
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", metrics.Handler(reg))

	// API routes
	r.Route("/api/v1/billing", func(r chi.Router) {
		if cfg.Stripe.WebhookSecret != "" {
			r.Method(http.MethodPost, "/webhooks/stripe", stripe.NewWebhookHandler(cfg.Stripe.WebhookSecret, fundingService, logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(middleware.NewKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), middleware.CustomerOrAddr))
			if rdb != nil {
				r.Use(middleware.Idempotency(rdb, cfg.IdempotencyTTL, logger))
			}

			r.Mount("/wallet", walletHandler.Routes())
			r.Mount("/topups", fundingHandler.Routes())
			operationHandler.RegisterRoutes(r)
			refundHandler.RegisterRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAPIKey(cfg.AdminAPIKeys))

			r.Mount("/wallet", walletHandler.AdminRoutes())
			fundingHandler.RegisterAdminRoutes(r)
			refundHandler.RegisterAdminRoutes(r)
		})
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting billing service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"currency", currency,
			"processor", cfg.PaymentProcessor,
			"scheduler", cfg.Scheduler.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("sweeps still running at shutdown")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// newProcessor builds the configured payment processor. Returning the
// interface only on success keeps a failed adapter from becoming a typed nil.
func newProcessor(cfg Config, logger *slog.Logger) (funding.Processor, error) {
	switch cfg.PaymentProcessor {
	case "stripe":
		a, err := stripe.NewAdapter(cfg.Stripe, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "sepa":
		a, err := sepa.NewAdapter(cfg.SEPA, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "none", "":
		logger.Warn("no payment processor configured, top-ups are disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown payment processor %q", cfg.PaymentProcessor)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"adaptivepay/internal/adaptive"
	"adaptivepay/internal/adaptive/api"
	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/logging"
	"adaptivepay/internal/common/metrics"
	"adaptivepay/internal/common/middleware"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/common/nats"
	"adaptivepay/internal/paypal"
	"adaptivepay/internal/paypal/ipn"
	"adaptivepay/internal/poller"
)

// Config holds service configuration
type Config struct {
	Port          int    `envconfig:"ADAPTIVEPAY_PORT" default:"8086"`
	Environment   string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	AdminAPIKey   string `envconfig:"ADMIN_API_KEY" required:"true"`
	DecimalPlaces int32  `envconfig:"PAYPAL_DECIMAL_PLACES" default:"2"`

	Database database.Config
	NATS     nats.Config
	PayPal   paypal.Config
	Service  adaptive.Config
	Sweeper  poller.SweeperConfig
}

func main() {
	// A missing .env is normal outside development
	envErr := godotenv.Load()

	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file loaded", "error", envErr)
	}

	money.DefaultPlaces = cfg.DecimalPlaces
	cfg.PayPal = cfg.PayPal.WithDefaults()
	if err := cfg.PayPal.Validate(); err != nil {
		logger.Error("invalid paypal configuration", "error", err)
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
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, adaptive.Migrations, adaptive.MigrationsDir, 0, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Scheduling: JetStream when NATS is enabled, in-process timers otherwise
	var (
		publisher events.EventPublisher
		scheduler adaptive.Scheduler
		local     *poller.LocalScheduler
		natsConn  *nats.Client
		consumer  *nats.Subscriber
	)
	if cfg.NATS.Enabled {
		natsConn, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsConn.Close()

		if _, err := natsConn.EnsureStream(ctx, nats.DefaultStreamConfig(cfg.NATS)); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}

		jsConsumer, err := natsConn.EnsureConsumer(ctx, nats.PollConsumerConfig(cfg.NATS))
		if err != nil {
			logger.Error("failed to ensure consumer", "error", err)
			os.Exit(1)
		}

		natsPublisher := nats.NewPublisher(natsConn, logger)
		publisher = natsPublisher
		scheduler = poller.NewJetStreamScheduler(natsPublisher)
		consumer = nats.NewSubscriber(jsConsumer, logger)
	} else {
		local = poller.NewLocalScheduler(logger)
		scheduler = local
	}

	// Create services
	provider := paypal.NewClient(cfg.PayPal, logger)
	verifier := ipn.NewVerifier(cfg.PayPal, logger)
	service := adaptive.NewService(cfg.Service, adaptive.NewPostgresStore(db), provider, scheduler, publisher, logger)

	if local != nil {
		local.Bind(service)
	}
	if consumer != nil {
		worker := poller.NewWorker(service, logger)
		go func() {
			if err := worker.Run(ctx, consumer); err != nil && ctx.Err() == nil {
				logger.Error("poll worker stopped", "error", err)
				cancel()
			}
		}()
	}

	sweeper := poller.NewSweeper(cfg.Sweeper, service, service, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// Create handlers
	callbacks := api.NewCallbacks(service, verifier, logger)
	adminHandler := api.NewHandler(service, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		healthy := db.HealthCheck(r.Context()) == nil
		if natsConn != nil && natsConn.HealthCheck() != nil {
			healthy = false
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	// PayPal redirects and IPN
	r.Mount("/paypal", callbacks.Routes())

	// Admin API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(middleware.APIKeyAuth(api.AdminKeyValidator(cfg.AdminAPIKey)))
		r.Mount("/", adminHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting adaptivepay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"sandbox", cfg.PayPal.Sandbox,
			"nats", cfg.NATS.Enabled,
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

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	select {
	case <-sweeper.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweep still running at shutdown")
	}
	if local != nil {
		local.Stop()
	}

	logger.Info("server stopped")
}

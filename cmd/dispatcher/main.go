package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/batchline-systems/batchline/internal/config"
	"github.com/batchline-systems/batchline/internal/dispatch"
	"github.com/batchline-systems/batchline/internal/handlers"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/messaging"
	"github.com/batchline-systems/batchline/internal/repository"
	"github.com/batchline-systems/batchline/internal/server"
	"github.com/batchline-systems/batchline/internal/subscriptions"

	natsclient "github.com/batchline-systems/batchline/internal/messaging/nats"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("dispatcher"))
	logging.SetDefault(logger)

	slog.Info("Starting delivery dispatcher",
		slog.Int("port", cfg.Dispatch.Port),
		slog.String("poll_interval", cfg.Dispatch.PollInterval.String()),
		slog.Int("max_attempts", cfg.Dispatch.MaxAttempts),
	)

	// Run database migrations
	connString := cfg.Database.Postgres.DSN()
	log.Println("Running database migrations...")
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Initialize repository
	repo, err := repository.NewPostgresRepository(context.Background(), connString)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer repo.Close()

	// Load the webhook subscription roster
	subs, err := subscriptions.Load(cfg.Dispatch.SubscriptionsFile)
	if err != nil {
		log.Fatalf("Failed to load subscriptions: %v", err)
	}
	log.Printf("Loaded %d webhook subscriptions", len(subs.All()))

	sender := dispatch.NewHTTPSender(cfg.Dispatch.AttemptTimeout)
	d := dispatch.NewDispatcher(repo, sender, subs, dispatch.Config{
		PollInterval:   cfg.Dispatch.PollInterval,
		ClaimLimit:     cfg.Dispatch.ClaimLimit,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		StuckThreshold: cfg.Dispatch.StuckThreshold,
		Backoff: dispatch.Backoff{
			Base: cfg.Dispatch.BackoffBase,
			Cap:  cfg.Dispatch.BackoffCap,
		},
	}, logger)

	// Subscribe to record change notifications. These only shorten the wait
	// until the next pass; the deliveries table alone decides what is due, so
	// the dispatcher runs fine without the broker.
	natsClient, err := natsclient.NewClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "batchline-dispatcher",
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	})
	if err != nil {
		log.Printf("WARNING: NATS unavailable, relying on polling alone: %v", err)
	} else {
		defer natsClient.Close()
		_, err := natsClient.QueueSubscribe(messaging.SubjectNotifyAll, messaging.QueueDispatchWorkers,
			func(ctx context.Context, msg *messaging.Message) error {
				d.Wake()
				return nil
			})
		if err != nil {
			log.Printf("WARNING: Failed to subscribe to notifications, relying on polling alone: %v", err)
		}
	}

	// Start the scheduler loop in background
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go d.Run(runCtx)

	// Setup the ops HTTP server
	ready := func(ctx context.Context) error {
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	}
	handler := handlers.NewDispatchHandler(repo, d, logger)
	router := server.NewDispatchRouter(handler, handlers.NewHealth("dispatcher", ready))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dispatch.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Delivery dispatcher listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

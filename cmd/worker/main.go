package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/batchline-systems/batchline/internal/config"
	"github.com/batchline-systems/batchline/internal/deadletter"
	"github.com/batchline-systems/batchline/internal/handlers"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/messaging"
	"github.com/batchline-systems/batchline/internal/objectstore"
	"github.com/batchline-systems/batchline/internal/payload"
	"github.com/batchline-systems/batchline/internal/repository"
	"github.com/batchline-systems/batchline/internal/server"
	"github.com/batchline-systems/batchline/internal/subscriptions"
	"github.com/batchline-systems/batchline/internal/worker"

	natsclient "github.com/batchline-systems/batchline/internal/messaging/nats"
)

// durablePublisher adapts JetStream's synchronous publish. Both the record
// change notifications and operator-driven replays must survive a broker
// restart, so everything the worker publishes goes through the stream ack.
type durablePublisher struct {
	js *natsclient.JetStreamClient
}

func (p *durablePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.PublishSync(ctx, subject, data)
	return err
}

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
	).With(logging.Service("worker"))
	logging.SetDefault(logger)

	slog.Info("Starting ingestion worker",
		slog.Int("port", cfg.Worker.Port),
		slog.String("consumer", cfg.Worker.ConsumerName),
		slog.Int("max_deliver", cfg.Worker.MaxDeliver),
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

	// Initialize object store client. The bucket is created by the intake
	// watcher; a missing object surfaces per event, not at boot.
	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to create object store client: %v", err)
	}

	// Connect to NATS and make sure the streams this daemon touches exist
	jsClient, err := natsclient.NewJetStreamClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "batchline-worker",
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer jsClient.Close()

	streamCtx, streamCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := jsClient.CreateOrUpdateStream(streamCtx, natsclient.FileEventsStream); err != nil {
		log.Fatalf("Failed to create file events stream: %v", err)
	}
	if _, err := jsClient.CreateOrUpdateStream(streamCtx, natsclient.NotifyEventsStream); err != nil {
		log.Fatalf("Failed to create notify events stream: %v", err)
	}

	// Initialize the dead letter queue for parked file events
	dlq, err := deadletter.NewQueue(streamCtx, jsClient)
	if err != nil {
		log.Fatalf("Failed to initialize dead letter queue: %v", err)
	}

	// Create the durable consumer for file events
	if _, err := jsClient.CreateOrUpdateConsumer(streamCtx, natsclient.FileEventsStream.Name, natsclient.ConsumerConfig{
		Name:          cfg.Worker.ConsumerName,
		FilterSubject: messaging.SubjectFilesIngestedAll,
		AckWait:       cfg.Worker.AckWait,
		MaxDeliver:    cfg.Worker.MaxDeliver,
		MaxAckPending: 100,
	}); err != nil {
		log.Fatalf("Failed to create consumer: %v", err)
	}
	streamCancel()

	// Load the webhook subscription roster
	subs, err := subscriptions.Load(cfg.Worker.SubscriptionsFile)
	if err != nil {
		log.Fatalf("Failed to load subscriptions: %v", err)
	}
	log.Printf("Loaded %d webhook subscriptions", len(subs.All()))

	publisher := &durablePublisher{js: jsClient}
	w := worker.NewWorker(
		repo,
		store,
		payload.DefaultRegistry(),
		subs,
		publisher,
		dlq,
		cfg.Worker.MaxDeliver,
		logger,
	)

	// Start consuming file events
	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	defer consumeCancel()
	stop, err := jsClient.ConsumeMessages(
		consumeCtx,
		natsclient.FileEventsStream.Name,
		cfg.Worker.ConsumerName,
		cfg.Worker.RedeliveryDelay,
		w.HandleFileEvent,
	)
	if err != nil {
		log.Fatalf("Failed to start consuming file events: %v", err)
	}
	defer stop()

	// Setup the ops HTTP server
	ready := func(ctx context.Context) error {
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if !jsClient.IsConnected() {
			return errors.New("nats: not connected")
		}
		return nil
	}
	handler := handlers.NewWorkerHandler(repo, publisher, dlq, logger)
	router := server.NewWorkerRouter(handler, handlers.NewHealth("worker", ready))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Ingestion worker listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

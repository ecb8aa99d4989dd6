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
	"github.com/redis/go-redis/v9"

	"github.com/batchline-systems/batchline/internal/config"
	"github.com/batchline-systems/batchline/internal/dedupcache"
	"github.com/batchline-systems/batchline/internal/handlers"
	"github.com/batchline-systems/batchline/internal/intake"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/objectstore"
	"github.com/batchline-systems/batchline/internal/repository"
	"github.com/batchline-systems/batchline/internal/server"

	natsclient "github.com/batchline-systems/batchline/internal/messaging/nats"
)

// durablePublisher adapts JetStream's synchronous publish to the watcher's
// Publisher interface. The watcher commits raw file rows only after the
// broker acks, so the fire-and-forget core publish is never acceptable here.
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
	).With(logging.Service("intake"))
	logging.SetDefault(logger)

	slog.Info("Starting intake watcher",
		slog.Int("port", cfg.Intake.Port),
		slog.String("drop_dir", cfg.Intake.DropDir),
		slog.String("poll_interval", cfg.Intake.PollInterval.String()),
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

	// Initialize object store and make sure the bucket exists
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
	bucketCtx, bucketCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureBucket(bucketCtx); err != nil {
		log.Fatalf("Failed to ensure object store bucket: %v", err)
	}
	bucketCancel()

	// Connect to NATS and make sure the file events stream exists
	jsClient, err := natsclient.NewJetStreamClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "batchline-intake",
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
	streamCancel()

	// Initialize the checksum cache. Failures here only cost duplicate
	// database lookups, never correctness.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Printf("WARNING: Invalid Redis URL, checksum cache disabled: %v", err)
		} else {
			redisClient = redis.NewClient(opt)
			defer redisClient.Close()
			log.Printf("Checksum cache enabled (ttl: %s)", cfg.Redis.SeenTTL)
		}
	} else {
		log.Println("Redis disabled - checksum cache not available")
	}
	cache := dedupcache.New(redisClient, redisClient != nil, cfg.Redis.SeenTTL)

	// Initialize the drop location source
	source, err := intake.NewLocalDir(cfg.Intake.DropDir, cfg.Intake.ArchiveDir, cfg.Intake.SettleDelay)
	if err != nil {
		log.Fatalf("Failed to open drop location: %v", err)
	}

	// Configured rules replace the built-in filename conventions wholesale
	rules := intake.DefaultRules()
	if len(cfg.Intake.ClassifierRules) > 0 {
		rules = make([]intake.Rule, 0, len(cfg.Intake.ClassifierRules))
		for _, r := range cfg.Intake.ClassifierRules {
			rules = append(rules, intake.Rule{Pattern: r.Pattern, Type: r.Type})
		}
	}

	watcher := intake.NewWatcher(
		source,
		intake.NewClassifier(rules),
		store,
		repo,
		&durablePublisher{js: jsClient},
		cache,
		logger,
		cfg.Intake.PollInterval,
		cfg.Intake.MaxConcurrency,
	)

	// Start the watcher loop in background
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	go watcher.Run(watchCtx)

	// Setup the ops HTTP server (health and metrics only)
	ready := func(ctx context.Context) error {
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if !jsClient.IsConnected() {
			return errors.New("nats: not connected")
		}
		return nil
	}
	router := server.NewIntakeRouter(handlers.NewHealth("intake", ready))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Intake.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Intake watcher listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	watchCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

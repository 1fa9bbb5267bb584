package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/api"
	"docsync/internal/auth"
	"docsync/internal/config"
	"docsync/internal/db"
	"docsync/internal/repository"
	"docsync/internal/services"
	"docsync/internal/services/collaboration"
	"docsync/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting document sync service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("docsync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	meterShutdown, err := telemetry.InitMeter("docsync", cfg.MetricsInterval)
	if err != nil {
		log.Printf("⚠️  Failed to initialize metrics: %v (counters stay in process)", err)
		meterShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown metrics: %v", err)
		}
	}()

	ctx := context.Background()
	checks := make(map[string]api.Pinger)

	// Snapshot storage
	var (
		snapshots collaboration.SnapshotRepository
		sqlDB     *db.GormDB
	)
	switch cfg.SnapshotBackend {
	case config.BackendMongo:
		mongoDB, err := db.NewMongo(ctx, cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to mongo: %v", err)
		}
		defer mongoDB.Close()
		snapshots = repository.NewMongoSnapshotRepository(mongoDB.Database)
		checks["mongo"] = mongoDB
	default:
		sqlDB, err = db.NewGorm(ctx, cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer sqlDB.Close()
		snapshots = repository.NewSnapshotRepository(sqlDB.DB)
		checks["database"] = sqlDB
	}

	// Undo history: Redis when configured, otherwise the SQL table. The mongo
	// backend has no SQL database, so without Redis undo is disabled.
	var history collaboration.HistoryStore
	switch {
	case cfg.RedisURL != "":
		redisHistory, err := repository.NewRedisHistoryStore(cfg.RedisURL, cfg.HistoryLimit)
		if err != nil {
			log.Fatalf("❌ Failed to connect to redis: %v", err)
		}
		defer redisHistory.Close()
		history = redisHistory
		checks["redis"] = redisHistory
		log.Println("✓ Undo history stored in Redis")
	case sqlDB != nil:
		history = repository.NewHistoryRepository(sqlDB.DB, cfg.HistoryLimit)
		log.Println("✓ Undo history stored in Postgres")
	default:
		log.Println("⚠️  No REDIS_URL with the mongo backend, undo is disabled")
	}

	metrics := telemetry.NewMetrics()
	sessions := collaboration.NewSessionStore()
	engine := collaboration.NewEngine(snapshots, history, sessions, metrics, collaboration.EngineConfig{
		RepositoryTimeout:   cfg.RepositoryTimeout,
		HydrateRetryBackoff: cfg.HydrateRetryBackoff,
		IdleTimeout:         cfg.DocumentIdleTimeout,
		QueueSize:           cfg.DocumentQueueSize,
	})
	lifecycle := collaboration.NewLifecycle(engine, sessions, metrics)

	authenticator := auth.NewAuthenticator(cfg.JWTSecret)
	if !cfg.AuthEnabled() {
		log.Println("⚠️  JWT_SECRET not set, connections are not authenticated")
	}

	// Roles come from the document service when one is configured; it also
	// confirms metadata during provisioning.
	var (
		roles     collaboration.RoleResolver
		confirmer services.MetadataConfirmer
	)
	if cfg.DocumentServiceURL != "" {
		client := auth.NewDocumentServiceClient(cfg.DocumentServiceURL, cfg.RepositoryTimeout)
		roles = client
		confirmer = client
		log.Printf("✓ Document service at %s", cfg.DocumentServiceURL)
	} else {
		roles = auth.StaticResolver{Role: auth.Normalize(cfg.DefaultRole)}
		log.Printf("✓ Every caller gets the %s role", cfg.DefaultRole)
	}

	provisioner := services.NewProvisionService(engine, confirmer)
	wsHandler := collaboration.NewWebSocketHandler(lifecycle, authenticator, roles, metrics, cfg.AllowedOrigins, cfg.SendBufferSize)

	handler := api.NewHandler(engine, provisioner, authenticator, roles, sessions, metrics, checks, wsHandler)
	router := api.SetupRoutes(handler, cfg.AllowedOrigins)

	// No WriteTimeout: it would also cut off hijacked websocket connections.
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   POST   /api/collaboration/documents - Provision a document")
		log.Printf("   GET    /api/collaboration/:id       - Get snapshot")
		log.Printf("   POST   /api/collaboration/:id       - Apply edit")
		log.Printf("   GET    /api/health                  - Dependency health")
		log.Printf("   GET    /api/stats                   - Rooms and counters")
		log.Printf("   WS     /ws/documents/:id            - Collaborate")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Drain queued changes and flush dirty snapshots before closing sockets
	// and the stores underneath.
	engine.Shutdown()
	sessions.Close()

	log.Println("✓ Server shutdown complete")
}

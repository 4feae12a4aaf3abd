package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/duolink/duolink/internal/auth"
	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/handler"
	"github.com/duolink/duolink/internal/health"
	"github.com/duolink/duolink/internal/hub"
	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/push"
	"github.com/duolink/duolink/internal/repository/cache"
	"github.com/duolink/duolink/internal/repository/postgres"
	"github.com/duolink/duolink/internal/service"
	"github.com/duolink/duolink/internal/store"
	"github.com/duolink/duolink/internal/tasks"
)

func main() {
	log.Println("Starting room coordination service")

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	// Local development keeps secrets in .env; absence is fine.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// Connect to Postgres
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	directory := postgres.NewUserDirectory(pool)
	messages := postgres.NewMessageRepository(pool)
	journal := postgres.NewJournalRepository(pool)

	// Connect to Redis for the directory cache and the task queue
	redisClient, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	cachedDirectory := cache.NewDirectory(directory, redisClient, cfg.Redis.CacheTTL)

	// Metrics collector
	collector := metrics.NewPrometheusCollector()

	// Task queue: producer side for the realtime path, worker side for
	// background push delivery.
	queueClient, err := tasks.NewClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to create task client: %v", err)
	}
	defer queueClient.Close()

	queueServer, err := tasks.NewServer(cfg.Redis, cfg.Push.Concurrency)
	if err != nil {
		log.Fatalf("Failed to create task server: %v", err)
	}

	taskMux := asynq.NewServeMux()
	tasks.RegisterHandlers(taskMux, push.NewSender(cfg.Push), collector)

	go func() {
		if err := queueServer.Run(taskMux); err != nil {
			log.Fatalf("Task server error: %v", err)
		}
	}()

	// Create hub and room service
	h := hub.New(cfg.WebSocket, collector)
	roomStore := store.New()
	roomService := service.New(cfg, h, roomStore, cachedDirectory, messages, journal, tasks.NewQueue(queueClient), collector)
	h.SetHandler(roomService)

	go roomService.StartJanitor()

	// Auth service
	authService := auth.NewService(cfg.Auth)

	// Dependency health probes
	checker := health.NewChecker()
	checker.Register("postgres", pool.Ping)
	checker.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	checker.Start()
	defer checker.Stop()

	// Create WebSocket handler
	wsHandler := handler.NewWebSocketHandler(cfg, authService, h, roomService)

	// Create HTTP handler
	httpHandler := handler.NewHTTPHandler(cfg, authService, roomService, cachedDirectory, checker, collector)

	// Create HTTP router
	router := mux.NewRouter()
	router.Handle(cfg.WebSocket.Path, wsHandler)
	httpHandler.SetupRoutes(router)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// Start HTTP server
	go func() {
		log.Printf("Starting HTTP server on %s", cfg.HTTP.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down servers...")

	// Shutdown HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Drain the task worker, then the realtime layer
	queueServer.Shutdown()
	roomService.Close()
	h.Close()

	log.Println("Servers shutdown complete")
}

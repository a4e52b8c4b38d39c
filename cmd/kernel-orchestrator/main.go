package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/config"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/events/bus"
	"github.com/cellrun/cellrun/internal/kernel/discovery"
	"github.com/cellrun/cellrun/internal/kernel/lifecycle"
	"github.com/cellrun/cellrun/internal/kernel/protocol"
	"github.com/cellrun/cellrun/internal/notebook/models"
	"github.com/cellrun/cellrun/internal/notebook/registry"
	"github.com/cellrun/cellrun/internal/notebook/repository"
	"github.com/cellrun/cellrun/internal/orchestrator/api"
	"github.com/cellrun/cellrun/internal/orchestrator/executor"
	"github.com/cellrun/cellrun/internal/orchestrator/history"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Kernel Orchestrator service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus
	var eventBus bus.EventBus
	if cfg.NATS.Enabled {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus()
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the cell repository
	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open repository", zap.Error(err))
	}

	// 6. Initialize the session registry and load persisted cells
	reg := registry.NewRegistry(repo, log)
	if err := reg.Load(ctx); err != nil {
		log.Fatal("Failed to load persisted cells", zap.Error(err))
	}
	if cfg.Kernel.SharedMode {
		attached := reg.SetSharedMode(true)
		log.Info("Shared kernel mode enabled", zap.Int("attached_cells", len(attached)))
	}
	log.Info("Loaded session registry", zap.Int("cells", len(reg.ListCells())))

	// 7. Initialize kernel management
	kernels := lifecycle.NewManager(log)
	disc := discovery.NewDiscoverer(kernels, log)
	runner := protocol.NewRunner(cfg.Kernel.BatchTimeoutDuration(), log)

	// 8. Initialize the executor
	servers := make([]models.Server, len(cfg.Kernel.Servers))
	for i, s := range cfg.Kernel.Servers {
		servers[i] = models.Server{Host: s.Host, Port: s.Port, Token: s.Token}
	}
	exec := executor.NewExecutor(reg, kernels, disc, runner, eventBus, servers, log)

	// 9. Initialize the execution history store
	hist := history.NewStore(0)
	if err := hist.Attach(eventBus); err != nil {
		log.Fatal("Failed to subscribe history store", zap.Error(err))
	}

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())
	router.Use(api.RateLimit(cfg.Server.RateLimit))

	// 11. Register API routes
	apiV1 := router.Group("/api/v1")
	api.SetupRoutes(apiV1, reg, exec, hist, log)

	// Health check endpoint at root level
	handler := api.NewHandler(reg, exec, hist, log)
	router.GET("/health", handler.HealthCheck)

	// 12. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Kernel Orchestrator service...")

	// 15. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := repo.Close(); err != nil {
		log.Error("Repository close error", zap.Error(err))
	}

	log.Info("Kernel Orchestrator service stopped")
}

// openRepository selects the cell repository backend from config.
func openRepository(ctx context.Context, cfg config.DatabaseConfig) (repository.Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		return repository.NewSQLiteRepository(cfg.DSN)
	case "postgres":
		return repository.NewPostgresRepository(ctx, cfg.DSN)
	case "", "memory":
		return repository.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

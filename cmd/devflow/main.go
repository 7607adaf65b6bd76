// Package main is the entry point for the devflow backend.
// A single binary that keeps one live agent CLI session per output project
// and bridges browser terminals to those sessions over WebSockets.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/database"
	"github.com/devflow/devflow/internal/common/httpmw"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/events"
	gateway "github.com/devflow/devflow/internal/gateway/websocket"
	"github.com/devflow/devflow/internal/milestone"
	"github.com/devflow/devflow/internal/project"
	"github.com/devflow/devflow/internal/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting devflow backend...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (noop unless configured)
	tracing.Init(cfg.Tracing)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	// 4. Backing stores
	projects, milestones, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open stores", zap.Error(err))
	}
	defer closeStores()

	// 5. Event bus (in-memory unless NATS is configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 6. Session registry over the agent CLI
	builder := agent.NewBuilder(cfg.Agent)
	registry := session.NewRegistry(builder, projects, eventBus, cfg.Session, log)

	// 7. HTTP router with the terminal WebSocket endpoints
	if strings.ToLower(cfg.Logging.Level) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("devflow-backend"))

	api := router.Group("/api/v1")
	terminals := gateway.NewTerminalHandler(registry, projects, milestones, cfg.Session, log)
	terminals.RegisterRoutes(api)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": registry.Count(),
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("Shutting down...", zap.String("signal", s.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting connections first, then terminate the children: live
	// sockets get their closed frames before the process exits.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown failed")
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("session registry shutdown failed")
	}

	log.Info("devflow backend stopped")
}

// openStores builds the project and milestone stores for the configured
// database driver. The returned cleanup closes the shared handle.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (project.Store, milestone.Store, func(), error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		projects, err := project.NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		milestones, err := milestone.NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
		return projects, milestones, db.Close, nil

	default:
		db, err := database.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		projects, err := project.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		milestones, err := milestone.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		log.Info("Using SQLite store", zap.String("path", cfg.Database.SQLitePath))
		return projects, milestones, func() { _ = db.Close() }, nil
	}
}

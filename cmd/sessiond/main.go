// Package main is the entry point for the sessiond server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/agent/runner"
	"github.com/sessiond/sessiond/internal/api"
	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/common/config"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/events/bus"
	"github.com/sessiond/sessiond/internal/nanodb"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/session/service"
	"github.com/sessiond/sessiond/internal/stream/emitter"
	streamstore "github.com/sessiond/sessiond/internal/stream/store"
	"github.com/sessiond/sessiond/internal/tasks"
	"github.com/sessiond/sessiond/internal/user"
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

	log.Info("Starting sessiond...", zap.String("env", cfg.Env))

	// 3. Open the document stores
	userStore, agentStore, sessionStore, closeStores, err := openStores(cfg)
	if err != nil {
		log.Fatal("Failed to open stores", zap.Error(err))
	}
	defer closeStores()
	log.Info("Document stores ready", zap.String("type", cfg.Stores.Type))

	// 4. Connect the notification bus
	var notifBus bus.Bus
	if cfg.NATS.Enabled {
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		notifBus = natsBus
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		notifBus = bus.NewMemoryBus(log)
	}
	defer notifBus.Close()

	// 5. Build the streaming pipeline
	chunkStore := streamstore.NewMemoryChunkStore()
	em := emitter.NewMemoryEventEmitter(chunkStore, cfg.Stream.SubscriberBuffer, log)

	// 6. Background task service
	taskSvc := tasks.NewService(log)

	// 7. Runner factory
	factory := runner.NewFactory()
	factory.Register(runner.TypeEcho, runner.NewEchoRunner(sessionStore))

	// 8. Session service
	sessionSvc := service.NewSessionService(sessionStore, taskSvc, factory, em, notifBus, log)

	// 9. Auth handler
	var authHandler auth.Handler
	switch cfg.Auth.Type {
	case config.AuthTypeNoop:
		authHandler = auth.NewNoopHandler(userStore)
	default:
		log.Fatal("Unsupported auth type", zap.String("type", cfg.Auth.Type))
	}

	// 10. HTTP router
	router := api.NewRouter(cfg.Env, authHandler, api.Routers{
		Agents:   api.NewAgentHandler(agentStore, log),
		Sessions: api.NewSessionHandler(sessionStore, agentStore, sessionSvc, em, cfg.Stream, log),
	}, log)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays zero: SSE responses are long-lived.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sessiond...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 13. Stop in reverse order: HTTP, tasks, emitter
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := taskSvc.Shutdown(shutdownCtx, "server shutting down"); err != nil {
		log.Error("Task shutdown error", zap.Error(err))
	}
	em.Close()

	log.Info("sessiond stopped")
}

// openStores builds the user, agent and session stores on the configured
// backend. The returned closer releases the backend.
func openStores(cfg *config.Config) (user.Store, agent.Store, session.Store, func(), error) {
	switch cfg.Stores.Type {
	case config.StoresTypeSQLite:
		db, err := nanodb.OpenSQLiteDatabase(cfg.Stores.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		users, err := user.NewSQLiteDocumentStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		agents, err := agent.NewSQLiteDocumentStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		sessions, err := session.NewSQLiteDocumentStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		return users, agents, sessions, func() { _ = db.Close() }, nil

	default:
		db := nanodb.NewMemoryDatabase()
		users, err := user.NewDocumentStore(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		agents, err := agent.NewDocumentStore(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		sessions, err := session.NewDocumentStore(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return users, agents, sessions, func() {}, nil
	}
}

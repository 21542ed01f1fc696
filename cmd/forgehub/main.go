package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fitowlab/forgehub/config"
	"github.com/fitowlab/forgehub/internal/handlers"
	"github.com/fitowlab/forgehub/registry"
	"github.com/fitowlab/forgehub/supervisor"
)

func main() {
	var listenAddr = flag.String("listen", ":9999", "Address for the hub's internal HTTP API")
	flag.Parse()

	// 1. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("Starting ForgeHub supervisor")

	// 2. Resolve configuration; structural problems are fatal.
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.InternalSecret == "" {
		// Workers launched this run can still call back; the secret just
		// does not survive a restart.
		cfg.InternalSecret = uuid.New().String()
		logger.Warn("FORGE_INTERNAL_SECRET not set, generated an ephemeral secret")
	}

	// 3. Open the registry database.
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		logger.Error("Failed to create database directory", "error", err)
		os.Exit(1)
	}
	db := sqlx.MustConnect("sqlite3", cfg.DatabasePath)
	defer db.Close()

	instances, err := registry.NewInstanceStore(db)
	if err != nil {
		logger.Error("Failed to initialize instance registry", "error", err)
		os.Exit(1)
	}
	genlog, err := registry.NewGenerationLogStore(db)
	if err != nil {
		logger.Error("Failed to initialize generation log", "error", err)
		os.Exit(1)
	}
	logger.Info("Registry initialized", "database", cfg.DatabasePath)

	// 4. Create the supervisor.
	sup := supervisor.New(cfg, instances, genlog, supervisor.Options{Logger: logger})

	// 5. Signal handling for graceful shutdown. Worker processes are
	// detached by design and keep running across a supervisor restart.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// 6. Background loops.
	go sup.RunHeartbeat(ctx)
	go sup.RunHistorySync(ctx)

	// 7. Internal HTTP API: worker callbacks plus the request layer's
	// ensure/stop/reporting surface.
	mux := http.NewServeMux()
	mux.Handle("/internal/forge/callback",
		handlers.NewCallbackHandler(cfg.InternalSecret, instances, genlog, logger))
	handlers.NewInstanceHandlers(cfg.InternalSecret, sup, instances, genlog, logger).Register(mux)
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logger.Info("Internal API listening", "address", *listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Internal API server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping internal API server", "error", err)
	}
	logger.Info("ForgeHub supervisor exited")
}

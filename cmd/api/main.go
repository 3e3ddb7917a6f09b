package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/campushub/reminder-service/internal/config"
	"github.com/campushub/reminder-service/internal/httpserver"
	"github.com/campushub/reminder-service/internal/idempotency"
	"github.com/campushub/reminder-service/internal/messaging"
	"github.com/campushub/reminder-service/internal/metrics"
	"github.com/campushub/reminder-service/internal/scanner"
	"github.com/campushub/reminder-service/internal/store"
)

// main boots the service: config → DB → schema → broker → background
// workers → HTTP server, then shuts everything down in reverse on SIGTERM.
func main() {
	configPath := flag.String("config", os.Getenv("REMINDER_CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	metrics.Register()

	db, err := store.NewPostgresStore(cfg.DB.URL)
	if err != nil {
		log.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := db.EnsureSchema(); err != nil {
		log.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	publisher, err := messaging.NewAMQPPublisher(cfg.AMQP.URL)
	if err != nil {
		log.Error("connect to broker", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	guard := idempotency.NewGuard(db, "reminder", cfg.Idempotency.TTLDuration())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers are bounded by ctx; shutdown waits for them.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.New(db, publisher,
			cfg.Scanner.IntervalDuration(),
			cfg.Scanner.TimeoutDuration(),
			cfg.Scanner.Batch,
			log.With("component", "scanner"),
		).Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		idempotency.RunSweeper(ctx, db, cfg.Idempotency.SweepDuration(), log.With("component", "sweeper"))
	}()

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: httpserver.NewRouter(cfg, db, guard, publisher, log),
	}

	go func() {
		log.Info("server started", "addr", srv.Addr, "api_version", cfg.API.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	wg.Wait()
	log.Info("shutdown complete")
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/alertledger/internal/api"
	"github.com/dvloznov/alertledger/internal/api/handlers"
	"github.com/dvloznov/alertledger/internal/app"
	"github.com/dvloznov/alertledger/internal/config"
	"github.com/dvloznov/alertledger/internal/logger"
)

func main() {
	port := flag.String("port", "", "HTTP server port (overrides api.port)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port != "" {
		cfg.API.Port = *port
	}
	log := logger.NewFromConfig(cfg.Log.Level, logger.Format(cfg.Log.Format))

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build services")
	}
	defer a.Close()

	// Jobs run in this process; the API only enqueues them.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if err := a.Start(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	services := api.Services{
		Store:     a.Store,
		Publisher: a.Queue,
		Jobs:      a.Jobs,
		Corrector: a.Reconciler,
	}
	var receipts handlers.ReceiptService
	if a.Receipts != nil {
		receipts = a.Receipts
	}
	services.Receipts = receipts

	server := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      api.NewRouter(services, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.API.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}

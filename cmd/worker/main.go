package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/alertledger/internal/app"
	"github.com/dvloznov/alertledger/internal/config"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/logger"
	"github.com/rs/zerolog"
)

func main() {
	var (
		interval = flag.Duration("interval", 15*time.Minute, "How often mailboxes are synced")
		owners   = flag.String("owners", "", "Comma-separated owners to sync in addition to those with transactions")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	log := logger.NewFromConfig(cfg.Log.Level, logger.Format(cfg.Log.Format))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build services")
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}
	log.Info().Dur("interval", *interval).Msg("Worker service started")

	extra := splitOwners(*owners)
	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			enqueueRound(ctx, a, extra, log)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for in-flight jobs
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	cancel()

	log.Info().Msg("Worker service exited")
}

// enqueueRound requeues messages left unparsed by an earlier run, queues
// a mailbox sync for every known owner and retries receipts that are still
// unlinked.
func enqueueRound(ctx context.Context, a *app.App, extra []string, log zerolog.Logger) {
	if n, err := a.RequeueUnparsed(ctx, ""); err != nil {
		log.Error().Err(err).Msg("Failed to requeue unparsed messages")
	} else if n > 0 {
		log.Info().Int("messages", n).Msg("Unparsed messages requeued")
	}

	owners, err := a.Store.ListOwners(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list owners")
	}
	seen := make(map[string]bool)
	for _, owner := range append(owners, extra...) {
		if seen[owner] {
			continue
		}
		seen[owner] = true
		if _, err := a.Enqueue(ctx, &jobs.Job{Type: jobs.JobTypeSyncMailbox, Owner: owner}); err != nil {
			log.Error().Err(err).Str("owner", owner).Msg("Failed to enqueue mailbox sync")
		}
	}

	if a.Receipts != nil {
		if n, err := a.Receipts.ReprocessUnlinked(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to requeue receipts")
		} else if n > 0 {
			log.Info().Int("receipts", n).Msg("Unlinked receipts requeued")
		}
	}
}

func splitOwners(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/araddon/dateparse"
	"github.com/dvloznov/alertledger/internal/app"
	"github.com/dvloznov/alertledger/internal/config"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// env is shared by every command. The app is built on first use so that
// help output works without a config.
type env struct {
	cfg config.Config
	log zerolog.Logger
	app *app.App
}

func (e *env) open(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	a, err := app.New(ctx, e.cfg, e.log)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *env) close() {
	if e.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.app.Shutdown(ctx); err != nil {
		e.log.Error().Err(err).Msg("Failed to stop job queue")
	}
	if err := e.app.Close(); err != nil {
		e.log.Error().Err(err).Msg("Failed to close services")
	}
}

// run enqueues job, runs the workers until every job it led to has
// finished and returns the job as stored.
func (e *env) run(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, fmt.Errorf("start workers: %w", err)
	}
	if _, err := a.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	if err := a.Drain(ctx, 0); err != nil {
		return nil, err
	}
	return a.Jobs.GetJob(ctx, job.JobID)
}

func (e *env) parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := dateparse.ParseIn(s, e.cfg.Pipeline.Location())
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s, err)
	}
	return &t, nil
}

func newRootCommand(e *env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alertledger",
		Short: "Bank alert emails to categorized transactions",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = logger.NewFromConfig(cfg.Log.Level, logger.Format(cfg.Log.Format))
			cmd.SetContext(logger.WithContext(cmd.Context(), e.log))
			return nil
		},
	}

	rootCmd.AddCommand(
		newMigrateCommand(e),
		newTokenCommand(e),
		newSyncCommand(e),
		newReprocessCommand(e),
		newReviewCommand(e),
		newCategorizeCommand(e),
		newCorrectCommand(e),
		newTransactionsCommand(e),
		newKeywordsCommand(e),
		newRulesCommand(e),
		newReceiptsCommand(e),
	)
	return rootCmd
}

func main() {
	e := &env{log: zerolog.Nop()}
	rootCmd := newRootCommand(e)
	err := rootCmd.ExecuteContext(context.Background())
	e.close()
	if err != nil {
		os.Exit(1)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/logger"
	"github.com/rs/zerolog"
)

// HandleJob runs one job. Errors that no retry can fix are marked
// permanent so the queue fails the job at once.
func (a *App) HandleJob(ctx context.Context, job *jobs.Job) error {
	log := a.Log.With().
		Str("job_id", job.JobID).
		Str("job_type", string(job.Type)).
		Str("owner", job.Owner).
		Logger()
	ctx = logger.WithContext(ctx, log)

	start := time.Now()
	err := a.dispatch(ctx, job, log)
	if err != nil {
		if isPermanent(err) {
			err = jobs.Permanent(err)
		}
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		return err
	}
	log.Info().Dur("duration", time.Since(start)).Msg("Job completed")
	return nil
}

func (a *App) dispatch(ctx context.Context, job *jobs.Job, log zerolog.Logger) error {
	switch job.Type {
	case jobs.JobTypeSyncMailbox:
		if a.Syncer == nil {
			return errors.New("mailbox sync is not configured")
		}
		res, err := a.Syncer.Sync(ctx, job.Owner, job.Since, job.Until)
		if err != nil {
			return err
		}
		log.Debug().Int("created", res.Created).Int("existing", res.Existing).Msg("Mailbox synced")

	case jobs.JobTypeProcessMessage:
		res, err := a.Processor.Process(ctx, job.MessageID)
		if err != nil {
			return err
		}
		log.Debug().Str("message_id", job.MessageID).Str("state", string(res.State)).Msg("Message handled")

	case jobs.JobTypeCategorizeUser:
		_, err := a.Categorizer.CategorizeUser(ctx, job.Owner)
		return err

	case jobs.JobTypeReprocessUnknown:
		_, err := a.Categorizer.ReprocessUnknown(ctx, job.Owner)
		return err

	case jobs.JobTypeReconcileTransaction:
		_, err := a.Reconciler.Reconcile(ctx, job.TransactionID)
		return err

	case jobs.JobTypeProcessReceipt:
		if a.Receipts == nil {
			return errors.New("receipt processing is not configured")
		}
		res, err := a.Receipts.Process(ctx, job.ReceiptID)
		if err != nil {
			return err
		}
		log.Debug().Str("receipt_id", job.ReceiptID).Str("outcome", string(res.Outcome)).Msg("Receipt handled")

	default:
		return jobs.Permanent(fmt.Errorf("unknown job type %q", job.Type))
	}
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrReauthorizationRequired)
}

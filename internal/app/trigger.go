package app

import (
	"context"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/rs/zerolog"
)

// categorizeTrigger enqueues a categorize_user job when the pipeline
// creates a transaction, unless one for the same owner is still waiting.
type categorizeTrigger struct {
	publisher jobs.Publisher
	jobs      pendingJobs
	log       zerolog.Logger
}

type pendingJobs interface {
	HasPending(t jobs.JobType, owner string) bool
}

func (t *categorizeTrigger) TransactionCreated(ctx context.Context, tx *domain.Transaction) {
	if t.jobs.HasPending(jobs.JobTypeCategorizeUser, tx.Owner) {
		return
	}

	job := &jobs.Job{Type: jobs.JobTypeCategorizeUser, Owner: tx.Owner}
	if err := t.publisher.Publish(ctx, job); err != nil {
		t.log.Warn().Err(err).Str("owner", tx.Owner).Str("transaction_id", tx.ID).Msg("Failed to enqueue categorization")
		return
	}
	t.log.Debug().Str("owner", tx.Owner).Str("job_id", job.JobID).Msg("Categorization enqueued")
}

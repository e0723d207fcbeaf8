package mailsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

// DefaultLookback is how far back a sync without a start time reaches.
const DefaultLookback = 30 * 24 * time.Hour

// Archiver keeps a copy of every new email body.
type Archiver interface {
	PutRawMessage(ctx context.Context, owner, externalID string, body []byte) (string, error)
}

// Publisher enqueues one processing job per new message.
type Publisher interface {
	Publish(ctx context.Context, job *jobs.Job) error
}

// SyncOptions configure a Syncer. Archive may be nil.
type SyncOptions struct {
	BankDomains []string
	Archive     Archiver
	Logger      zerolog.Logger
}

// Syncer pulls new emails into the raw message store.
type Syncer struct {
	source    Source
	store     store.RawMessageStore
	publisher Publisher
	archive   Archiver
	domains   []string
	log       zerolog.Logger
	now       func() time.Time
}

// NewSyncer creates a syncer.
func NewSyncer(src Source, st store.RawMessageStore, pub Publisher, opts SyncOptions) *Syncer {
	return &Syncer{
		source:    src,
		store:     st,
		publisher: pub,
		archive:   opts.Archive,
		domains:   opts.BankDomains,
		log:       opts.Logger,
		now:       time.Now,
	}
}

// SyncResult counts what one sync did.
type SyncResult struct {
	Owner    string
	Fetched  int
	Created  int
	Existing int
	Enqueued []string
}

// Sync fetches owner's bank emails between since and until (both
// optional), stores the new ones and enqueues a process_message job for
// each. Messages already stored are skipped, so overlapping ranges are safe.
func (s *Syncer) Sync(ctx context.Context, owner string, since, until *time.Time) (*SyncResult, error) {
	now := s.now()
	q := Query{From: now.Add(-DefaultLookback), BankDomains: s.domains}
	if since != nil {
		q.From = *since
	}
	if until != nil {
		q.To = *until
	}
	log := s.log.With().Str("owner", owner).Logger()

	msgs, err := s.source.Fetch(ctx, owner, q)
	if err != nil {
		return nil, fmt.Errorf("Sync: %w", err)
	}
	res := &SyncResult{Owner: owner, Fetched: len(msgs)}

	var errs []error
	for _, m := range msgs {
		raw := &domain.RawMessage{
			Owner:      owner,
			ExternalID: m.ID,
			Body:       m.Body,
			Subject:    m.Subject,
			Sender:     m.From,
			FetchedAt:  now,
			SentAt:     m.SentAt,
			BankHint:   rules.BankFromSender(m.From, m.Subject),
		}
		if raw.BankHint == rules.UnknownBank {
			raw.BankHint = ""
		}

		// Object names are derived from the external id, so archiving a
		// message that already exists rewrites the same object.
		if s.archive != nil {
			uri, err := s.archive.PutRawMessage(ctx, owner, m.ID, []byte(m.Body))
			if err != nil {
				log.Warn().Err(err).Str("external_id", m.ID).Msg("Failed to archive message body")
			}
			raw.ArchiveURI = uri
		}

		created, err := s.store.CreateRawMessage(ctx, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", m.ID, err))
			continue
		}
		if !created {
			res.Existing++
			continue
		}
		res.Created++

		job := &jobs.Job{Type: jobs.JobTypeProcessMessage, Owner: owner, MessageID: raw.ID}
		if err := s.publisher.Publish(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", raw.ID, err))
			continue
		}
		res.Enqueued = append(res.Enqueued, job.JobID)
	}

	log.Info().
		Int("fetched", res.Fetched).
		Int("created", res.Created).
		Int("existing", res.Existing).
		Msg("Mailbox sync finished")
	if len(errs) > 0 {
		return res, fmt.Errorf("Sync: %w", errors.Join(errs...))
	}
	return res, nil
}

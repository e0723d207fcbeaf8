package inmemory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, store jobs.JobStore, workers int) *Queue {
	t.Helper()
	q := NewQueue(store, Options{
		Workers:    workers,
		Buffer:     10,
		MaxRetries: 2,
		Backoff:    10 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, store *Store, id string, want jobs.JobStatus) *jobs.Job {
	t.Helper()
	var got *jobs.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueue_Completes(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(t, store, 2)

	var handled sync.Map
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		handled.Store(job.MessageID, job.Type)
		return nil
	}))

	job := &jobs.Job{Type: jobs.JobTypeProcessMessage, MessageID: "m1"}
	require.NoError(t, q.Publish(ctx, job))
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, 2, job.MaxRetries)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	typ, ok := handled.Load("m1")
	assert.True(t, ok)
	assert.Equal(t, jobs.JobTypeProcessMessage, typ)
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(t, store, 1)

	var attempts atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("provider busy")
		}
		return nil
	}))

	job := &jobs.Job{Type: jobs.JobTypeCategorizeUser, Owner: "u1"}
	require.NoError(t, q.Publish(ctx, job))

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, done.RetryCount)
	assert.Empty(t, done.Error)
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(t, store, 1)

	var attempts atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		attempts.Add(1)
		return errors.New("still down")
	}))

	job := &jobs.Job{Type: jobs.JobTypeSyncMailbox, Owner: "u1"}
	require.NoError(t, q.Publish(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, "still down", failed.Error)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueue_PermanentErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(t, store, 1)

	var attempts atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		attempts.Add(1)
		return jobs.Permanent(errors.New("reauthorize"))
	}))

	job := &jobs.Job{Type: jobs.JobTypeSyncMailbox, Owner: "u1"}
	require.NoError(t, q.Publish(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Zero(t, failed.RetryCount)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestQueue_PanicFailsJob(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(t, store, 1)

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		if job.ReceiptID == "bad" {
			panic("nil image")
		}
		return nil
	}))

	bad := &jobs.Job{Type: jobs.JobTypeProcessReceipt, ReceiptID: "bad"}
	good := &jobs.Job{Type: jobs.JobTypeProcessReceipt, ReceiptID: "good"}
	require.NoError(t, q.Publish(ctx, bad))
	require.NoError(t, q.Publish(ctx, good))

	failed := waitForStatus(t, store, bad.JobID, jobs.JobStatusFailed)
	assert.Contains(t, failed.Error, "nil image")
	waitForStatus(t, store, good.JobID, jobs.JobStatusCompleted)
}

func TestQueue_PublishValidates(t *testing.T) {
	q := newTestQueue(t, nil, 1)

	err := q.Publish(context.Background(), &jobs.Job{Type: jobs.JobTypeReconcileTransaction})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction_id")

	err = q.Publish(context.Background(), &jobs.Job{Type: "parse_document"})
	require.Error(t, err)
}

func TestQueue_Closed(t *testing.T) {
	q := newTestQueue(t, nil, 1)
	require.NoError(t, q.Stop(context.Background()))

	err := q.Publish(context.Background(), &jobs.Job{Type: jobs.JobTypeCategorizeUser, Owner: "u1"})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background(), func(context.Context, *jobs.Job) error { return nil }), ErrQueueClosed)
}

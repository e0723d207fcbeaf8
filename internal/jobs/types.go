package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeSyncMailbox fetches new bank emails for one owner.
	JobTypeSyncMailbox JobType = "sync_mailbox"
	// JobTypeProcessMessage runs the extraction pipeline on one raw message.
	JobTypeProcessMessage JobType = "process_message"
	// JobTypeCategorizeUser categorizes an owner's new transactions.
	JobTypeCategorizeUser JobType = "categorize_user"
	// JobTypeReprocessUnknown retries an owner's transactions stuck in the unknown category.
	JobTypeReprocessUnknown JobType = "reprocess_unknown"
	// JobTypeReconcileTransaction propagates a manual category correction.
	JobTypeReconcileTransaction JobType = "reconcile_transaction"
	// JobTypeProcessReceipt extracts a receipt and links it to a transaction.
	JobTypeProcessReceipt JobType = "process_receipt"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeSyncMailbox, JobTypeProcessMessage, JobTypeCategorizeUser,
		JobTypeReprocessUnknown, JobTypeReconcileTransaction, JobTypeProcessReceipt:
		return true
	}
	return false
}

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// ErrJobNotFound is returned by a JobStore for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// Job is one unit of background work. Which of the subject fields are
// set depends on Type.
type Job struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	Type JobType `json:"type"`

	// Owner is the user the work belongs to.
	Owner string `json:"owner,omitempty"`

	MessageID     string `json:"message_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	ReceiptID     string `json:"receipt_id,omitempty"`

	// Since and Until bound a mailbox sync. Both are optional.
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// Validate checks that the subject fields Type needs are present.
func (j *Job) Validate() error {
	if !j.Type.Valid() {
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	var missing string
	switch j.Type {
	case JobTypeSyncMailbox, JobTypeCategorizeUser, JobTypeReprocessUnknown:
		if j.Owner == "" {
			missing = "owner"
		}
	case JobTypeProcessMessage:
		if j.MessageID == "" {
			missing = "message_id"
		}
	case JobTypeReconcileTransaction:
		if j.TransactionID == "" {
			missing = "transaction_id"
		}
	case JobTypeProcessReceipt:
		if j.ReceiptID == "" {
			missing = "receipt_id"
		}
	}
	if missing != "" {
		return fmt.Errorf("%s job requires %s", j.Type, missing)
	}
	if j.Since != nil && j.Until != nil && j.Until.Before(*j.Since) {
		return fmt.Errorf("%s job: until is before since", j.Type)
	}
	return nil
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// Publish validates and enqueues job, filling in its id and defaults.
	Publish(ctx context.Context, job *Job) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried;
// errors wrapped with Permanent are not retried.
type JobHandler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs retrieves jobs with optional filtering, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Type   JobType
	Owner  string
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

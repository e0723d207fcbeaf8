package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/alertledger/internal/jobs"
)

// Store keeps job state in memory for polling. Everything is lost on
// restart; the worker's next round requeues every message still unparsed.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*jobs.Job
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*jobs.Job)}
}

// SaveJob implements jobs.JobStore. The store keeps its own copy.
func (s *Store) SaveJob(ctx context.Context, job *jobs.Job) error {
	if job.JobID == "" {
		return errors.New("SaveJob: job id is required")
	}
	c := *job

	s.mu.Lock()
	s.byID[job.JobID] = &c
	s.mu.Unlock()
	return nil
}

// GetJob implements jobs.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.byID[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, jobs.ErrJobNotFound)
	}
	c := *j
	return &c, nil
}

func matches(j *jobs.Job, f jobs.JobFilter) bool {
	return (f.Type == "" || j.Type == f.Type) &&
		(f.Owner == "" || j.Owner == f.Owner) &&
		(f.Status == "" || j.Status == f.Status)
}

// ListJobs implements jobs.JobStore. Jobs come back oldest first; ties
// are broken by id so pages are stable.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.Job, error) {
	s.mu.RLock()
	out := make([]*jobs.Job, 0)
	for _, j := range s.byID {
		if matches(j, filter) {
			c := *j
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].JobID < out[b].JobID
	})

	if filter.Offset >= len(out) {
		return out[:0], nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateJobStatus implements jobs.JobStore. An empty errorMsg keeps the
// previous error so a failed retry chain still shows its last cause.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.byID[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, jobs.ErrJobNotFound)
	}
	j.Status = status
	if errorMsg != "" {
		j.Error = errorMsg
	}
	return nil
}

// Active counts jobs that are pending, running or waiting for a retry.
func (s *Store) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.byID {
		switch j.Status {
		case jobs.JobStatusPending, jobs.JobStatusRunning, jobs.JobStatusRetrying:
			n++
		}
	}
	return n
}

// ActiveMessages returns the ids of messages with a process_message job
// that is pending, running or waiting for a retry.
func (s *Store) ActiveMessages() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool)
	for _, j := range s.byID {
		if j.Type != jobs.JobTypeProcessMessage {
			continue
		}
		switch j.Status {
		case jobs.JobStatusPending, jobs.JobStatusRunning, jobs.JobStatusRetrying:
			out[j.MessageID] = true
		}
	}
	return out
}

// HasPending reports whether a job of type t for owner is still waiting
// for a worker.
func (s *Store) HasPending(t jobs.JobType, owner string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := jobs.JobFilter{Type: t, Owner: owner, Status: jobs.JobStatusPending}
	for _, j := range s.byID {
		if matches(j, f) {
			return true
		}
	}
	return false
}

var _ jobs.JobStore = (*Store)(nil)

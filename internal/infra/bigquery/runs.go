package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/alertledger/internal/domain"
)

// ExtractionRunRow is one pipeline pass over a raw message.
type ExtractionRunRow struct {
	RunID     string `bigquery:"run_id"`     // REQUIRED
	MessageID string `bigquery:"message_id"` // REQUIRED
	Owner     string `bigquery:"owner"`      // REQUIRED

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	State        string              `bigquery:"state"`         // REQUIRED
	Method       bigquery.NullString `bigquery:"method"`        // NULLABLE
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE

	Extracted bigquery.NullJSON `bigquery:"extracted"` // NULLABLE JSON
}

func extractionRunRow(run *domain.ExtractionRun) *ExtractionRunRow {
	row := &ExtractionRunRow{
		RunID:        run.RunID,
		MessageID:    run.MessageID,
		Owner:        run.Owner,
		StartedTS:    run.StartedAt.UTC(),
		State:        run.State,
		Method:       bigquery.NullString{StringVal: string(run.Method), Valid: run.Method != ""},
		ErrorMessage: bigquery.NullString{StringVal: run.Error, Valid: run.Error != ""},
	}
	if !run.FinishedAt.IsZero() {
		row.FinishedTS = bigquery.NullTimestamp{Timestamp: run.FinishedAt.UTC(), Valid: true}
	}
	if len(run.Extracted) > 0 {
		row.Extracted = bigquery.NullJSON{JSONVal: string(run.Extracted), Valid: true}
	}
	return row
}

// RecordRun inserts one extraction run.
func (s *Sink) RecordRun(ctx context.Context, run *domain.ExtractionRun) error {
	row := extractionRunRow(run)
	q := s.client.Query(fmt.Sprintf(`
		INSERT `+"`%s.%s.%s`"+`
		  (run_id, message_id, owner, started_ts, finished_ts, state, method, error_message, extracted)
		VALUES
		  (@run_id, @message_id, @owner, @started_ts, @finished_ts, @state, @method, @error_message, SAFE.PARSE_JSON(@extracted))
	`, s.project, s.dataset, extractionRunsTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: row.RunID},
		{Name: "message_id", Value: row.MessageID},
		{Name: "owner", Value: row.Owner},
		{Name: "started_ts", Value: row.StartedTS},
		{Name: "finished_ts", Value: row.FinishedTS},
		{Name: "state", Value: row.State},
		{Name: "method", Value: row.Method},
		{Name: "error_message", Value: row.ErrorMessage},
		{Name: "extracted", Value: bigquery.NullString{StringVal: row.Extracted.JSONVal, Valid: row.Extracted.Valid}},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("RecordRun: run insert: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("RecordRun: wait insert: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("RecordRun: insert job error: %w", err)
	}
	return nil
}

// Package bigquery exports extraction runs and transactions to a
// BigQuery dataset for reporting.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/alertledger/internal/config"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

const (
	extractionRunsTable = "extraction_runs"
	transactionsTable   = "transactions"
)

// Sink writes to one dataset. It implements the pipeline's audit and
// export sinks.
type Sink struct {
	client  *bigquery.Client
	project string
	dataset string
	log     zerolog.Logger
}

// NewSink opens a client for cfg.ProjectID.
func NewSink(ctx context.Context, cfg config.BigQueryConfig, log zerolog.Logger) (*Sink, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("NewSink: bigquery project_id is required")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewSink: bigquery client: %w", err)
	}
	return NewSinkWithClient(client, cfg.Dataset, log), nil
}

// NewSinkWithClient wraps an existing client.
func NewSinkWithClient(client *bigquery.Client, dataset string, log zerolog.Logger) *Sink {
	if dataset == "" {
		dataset = "alertledger"
	}
	return &Sink{client: client, project: client.Project(), dataset: dataset, log: log}
}

// Close releases the client.
func (s *Sink) Close() error {
	return s.client.Close()
}

func (s *Sink) table(name string) *bigquery.Table {
	return s.client.DatasetInProject(s.project, s.dataset).Table(name)
}

// EnsureTables creates the dataset and both tables when they are missing.
// Existing tables are left alone.
func (s *Sink) EnsureTables(ctx context.Context) error {
	ds := s.client.DatasetInProject(s.project, s.dataset)
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{}); err != nil && !alreadyExists(err) {
		return fmt.Errorf("EnsureTables: create dataset %s: %w", s.dataset, err)
	}

	tables := []struct {
		name  string
		row   any
		field string
	}{
		{extractionRunsTable, ExtractionRunRow{}, "started_ts"},
		{transactionsTable, TransactionRow{}, "occurred_ts"},
	}
	for _, t := range tables {
		schema, err := bigquery.InferSchema(t.row)
		if err != nil {
			return fmt.Errorf("EnsureTables: infer %s schema: %w", t.name, err)
		}
		meta := &bigquery.TableMetadata{
			Schema:           schema,
			TimePartitioning: &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: t.field},
		}
		if err := ds.Table(t.name).Create(ctx, meta); err != nil && !alreadyExists(err) {
			return fmt.Errorf("EnsureTables: create %s: %w", t.name, err)
		}
		s.log.Debug().Str("table", t.name).Msg("BigQuery table ready")
	}
	return nil
}

func alreadyExists(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusConflict
}

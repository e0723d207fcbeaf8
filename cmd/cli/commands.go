package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dvloznov/alertledger/internal/domain"
	infraBQ "github.com/dvloznov/alertledger/internal/infra/bigquery"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func printJob(cmd *cobra.Command, job *jobs.Job) error {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", job.Type, job.JobID, job.Status)
	if job.Status == jobs.JobStatusFailed {
		return fmt.Errorf("%s failed: %s", job.Type, job.Error)
	}
	return nil
}

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and create the BigQuery tables when configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// Opening the store applies pending migrations.
			if _, err := e.open(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", e.cfg.Database.Path)

			if e.cfg.BigQuery.ProjectID == "" {
				return nil
			}
			sink, err := infraBQ.NewSink(ctx, e.cfg.BigQuery, e.log)
			if err != nil {
				return err
			}
			defer sink.Close()
			if err := sink.EnsureTables(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bigquery dataset %s.%s is ready\n", e.cfg.BigQuery.ProjectID, e.cfg.BigQuery.Dataset)
			return nil
		},
	}
}

func newTokenCommand(e *env) *cobra.Command {
	var owner, file string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Store a mailbox OAuth token (JSON) for an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			var tok oauth2.Token
			if err := json.Unmarshal(data, &tok); err != nil {
				return fmt.Errorf("decoding token: %w", err)
			}
			if tok.AccessToken == "" && tok.RefreshToken == "" {
				return errors.New("token has neither an access nor a refresh token")
			}
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Store.SaveToken(cmd.Context(), owner, &tok); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token stored for %s\n", owner)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	cmd.Flags().StringVar(&file, "file", "", "path to the token JSON (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSyncCommand(e *env) *cobra.Command {
	var owner, since, until string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new bank emails for an owner and process them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := e.parseTime(since)
			if err != nil {
				return err
			}
			to, err := e.parseTime(until)
			if err != nil {
				return err
			}
			job, err := e.run(cmd.Context(), &jobs.Job{Type: jobs.JobTypeSyncMailbox, Owner: owner, Since: from, Until: to})
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	cmd.Flags().StringVar(&since, "since", "", "start of the range (default: 30 days ago)")
	cmd.Flags().StringVar(&until, "until", "", "end of the range (default: now)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newReprocessCommand(e *env) *cobra.Command {
	var owner, messageID string
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Run the extraction pipeline again for unparsed or flagged messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}

			var msgs []*domain.RawMessage
			if messageID != "" {
				m, err := a.Store.GetRawMessage(ctx, messageID)
				if err != nil {
					return err
				}
				msgs = append(msgs, m)
			} else {
				if owner == "" {
					return errors.New("--owner or --message is required")
				}
				pending, err := a.Store.ListUnparsed(ctx, owner)
				if err != nil {
					return err
				}
				review, err := a.Store.ListManualReview(ctx, owner)
				if err != nil {
					return err
				}
				msgs = append(pending, review...)
			}

			if err := a.Start(ctx); err != nil {
				return err
			}
			for _, m := range msgs {
				if _, err := a.Enqueue(ctx, &jobs.Job{Type: jobs.JobTypeProcessMessage, Owner: m.Owner, MessageID: m.ID}); err != nil {
					return err
				}
			}
			if err := a.Drain(ctx, 0); err != nil {
				return err
			}

			failed, err := a.Jobs.ListJobs(ctx, jobs.JobFilter{Type: jobs.JobTypeProcessMessage, Status: jobs.JobStatusFailed})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d messages, %d failed\n", len(msgs), len(failed))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&messageID, "message", "", "a single message id")
	return cmd
}

func newReviewCommand(e *env) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List messages flagged for manual review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			msgs, err := a.Store.ListManualReview(cmd.Context(), owner)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMETHOD\tSENT\tSUBJECT")
			for _, m := range msgs {
				sent := ""
				if m.SentAt != nil {
					sent = m.SentAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.ParseMethod, sent, m.Subject)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newCategorizeCommand(e *env) *cobra.Command {
	var owner string
	var unknown bool
	cmd := &cobra.Command{
		Use:   "categorize",
		Short: "Categorize an owner's new transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := jobs.JobTypeCategorizeUser
			if unknown {
				t = jobs.JobTypeReprocessUnknown
			}
			job, err := e.run(cmd.Context(), &jobs.Job{Type: t, Owner: owner})
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	cmd.Flags().BoolVar(&unknown, "unknown", false, "retry transactions currently in the unknown category")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newCorrectCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "correct <transaction-id> <category>",
		Short: "Set a transaction's category and propagate it to similar ones",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			c, err := a.Reconciler.CorrectCategory(ctx, args[0], strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}
			if c.JobID == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "category cleared for %s\n", args[0])
				return nil
			}
			if err := a.Drain(ctx, 0); err != nil {
				return err
			}
			job, err := a.Jobs.GetJob(ctx, c.JobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s set to %s\n", args[0], c.Transaction.Category)
			return printJob(cmd, job)
		},
	}
}

func newTransactionsCommand(e *env) *cobra.Command {
	var owner, category string
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List an owner's transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			var txs []*domain.Transaction
			if category != "" {
				txs, err = a.Store.ListByCategory(ctx, owner, category)
			} else {
				txs, err = a.Store.ListTransactions(ctx, owner)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tTYPE\tAMOUNT\tCATEGORY\tNARRATION")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					tx.Timestamp.In(e.cfg.Pipeline.Location()).Format("2006-01-02 15:04"),
					tx.Type, tx.Amount.StringFixed(2), tx.Category, tx.Narration)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	cmd.Flags().StringVar(&category, "category", "", "only this category")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newKeywordsCommand(e *env) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "keywords [category] [keyword...]",
		Short: "List an owner's keyword maps, or replace the keywords of one category",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				m := domain.CategoryKeywordMap{Owner: owner, Category: args[0], Keywords: args[1:]}
				if err := a.Store.SaveKeywordMap(ctx, m); err != nil {
					return err
				}
			}
			maps, err := a.Store.ListKeywordMaps(ctx, owner)
			if err != nil {
				return err
			}
			for _, m := range maps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Category, strings.Join(m.Keywords, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newReceiptsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Upload receipts and retry unlinked ones",
	}

	var owner string
	add := &cobra.Command{
		Use:   "add <image>",
		Short: "Upload a receipt image and match it to a debit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading receipt: %w", err)
			}
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			if a.Receipts == nil {
				return errors.New("receipt processing is not configured")
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			r, jobID, err := a.Receipts.Submit(ctx, owner, data, http.DetectContentType(data))
			if err != nil {
				return err
			}
			if err := a.Drain(ctx, 0); err != nil {
				return err
			}
			job, err := a.Jobs.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "receipt %s stored at %s\n", r.ID, r.ImageURI)
			return printJob(cmd, job)
		},
	}
	add.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	_ = add.MarkFlagRequired("owner")

	reprocess := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry matching every receipt not yet linked to a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			if a.Receipts == nil {
				return errors.New("receipt processing is not configured")
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			n, err := a.Receipts.ReprocessUnlinked(ctx)
			if err != nil {
				return err
			}
			if err := a.Drain(ctx, 0); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d receipts\n", n)
			return nil
		},
	}

	cmd.AddCommand(add, reprocess)
	return cmd
}


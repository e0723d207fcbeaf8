package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/spf13/cobra"
)

func newRulesCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and maintain stored extraction rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			stored, err := a.Store.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BANK\tUPDATED")
			for _, r := range stored {
				fmt.Fprintf(w, "%s\t%s\n", r.BankName, r.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	var bank, file, sample string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a rule program for a bank after running it against a sample email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading rule: %w", err)
			}
			body, err := os.ReadFile(sample)
			if err != nil {
				return fmt.Errorf("reading sample: %w", err)
			}
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			env, err := rules.NewEnv(string(body), e.cfg.Pipeline.Location())
			if err != nil {
				return err
			}
			fields, err := a.Registry.Learn(cmd.Context(), bank, string(code), env)
			if err != nil {
				return fmt.Errorf("rule rejected: %w", err)
			}
			printFields(cmd, fields)
			fmt.Fprintf(cmd.OutOrStdout(), "rule stored for %s\n", bank)
			return nil
		},
	}
	set.Flags().StringVar(&bank, "bank", "", "bank name (required)")
	set.Flags().StringVar(&file, "file", "", "rule program JSON (required)")
	set.Flags().StringVar(&sample, "sample", "", "sample email body the rule must parse (required)")
	_ = set.MarkFlagRequired("bank")
	_ = set.MarkFlagRequired("file")
	_ = set.MarkFlagRequired("sample")

	var testFile, testSample string
	test := &cobra.Command{
		Use:   "test",
		Short: "Run a rule program, or every stored rule, against an email without storing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(testSample)
			if err != nil {
				return fmt.Errorf("reading sample: %w", err)
			}
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			env, err := rules.NewEnv(string(body), e.cfg.Pipeline.Location())
			if err != nil {
				return err
			}

			if testFile == "" {
				m, err := a.Registry.RunAll(cmd.Context(), env)
				if err != nil {
					return err
				}
				if m == nil {
					return errors.New("no stored rule matched")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "matched %s\n", m.Bank)
				printFields(cmd, m.Fields)
				return nil
			}

			code, err := os.ReadFile(testFile)
			if err != nil {
				return fmt.Errorf("reading rule: %w", err)
			}
			_, fields, err := a.Registry.Validate(cmd.Context(), string(code), env)
			if err != nil {
				return err
			}
			printFields(cmd, fields)
			return nil
		},
	}
	test.Flags().StringVar(&testFile, "file", "", "rule program JSON; stored rules are tried when empty")
	test.Flags().StringVar(&testSample, "sample", "", "email body (required)")
	_ = test.MarkFlagRequired("sample")

	cmd.AddCommand(list, set, test)
	return cmd
}

func printFields(cmd *cobra.Command, f domain.ExtractedFields) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "type\t%s\n", f.Type)
	fmt.Fprintf(w, "amount\t%s\n", f.Amount)
	fmt.Fprintf(w, "date\t%s\n", f.Date)
	fmt.Fprintf(w, "narration\t%s\n", f.Narration)
	if f.BalanceAfter != "" {
		fmt.Fprintf(w, "balance\t%s\n", f.BalanceAfter)
	}
	_ = w.Flush()
}

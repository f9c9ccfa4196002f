package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fundsync/internal/resilience"
)

var dlqFilter resilience.DLQFilter

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, most recent failure first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("harvest"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		entries, err := st.ListDLQ(ctx, dlqFilter)
		if err != nil {
			return err
		}
		total, err := st.CountDLQ(ctx)
		if err != nil {
			return err
		}
		if err := writeJSONLines(cmd.OutOrStdout(), entries); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d dead letters shown\n", len(entries), total)
		return nil
	},
}

func init() {
	f := dlqListCmd.Flags()
	f.StringVar(&dlqFilter.Stage, "stage", "", "only entries that failed at this stage")
	f.StringVar(&dlqFilter.ErrorType, "type", "", "only entries of this error type (transient, permanent, fatal)")
	f.BoolVar(&dlqFilter.Retryable, "retryable", false, "only entries with retries left")
	f.IntVar(&dlqFilter.Limit, "limit", 100, "maximum entries")
	dlqCmd.AddCommand(dlqListCmd)
	rootCmd.AddCommand(dlqCmd)
}

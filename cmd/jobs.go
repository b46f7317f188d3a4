package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/price-oracle/internal/resilience"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and replay failed scrape jobs",
}

// -- jobs failed --

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List jobs that spent their whole attempt budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		assetID, _ := cmd.Flags().GetString("asset")
		limit, _ := cmd.Flags().GetInt("limit")

		failed, err := st.ListFailedJobs(ctx, resilience.FailedJobFilter{AssetID: assetID, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "jobs failed")
		}
		if len(failed) == 0 {
			fmt.Fprintln(os.Stderr, "No failed jobs.")
			return nil
		}
		formatFailedJobs(os.Stdout, failed)
		return nil
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initProducer(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Scheduler.Retry(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}
		fmt.Fprintf(os.Stdout, "Requeued job %s for asset %s (%q).\n", job.ID, job.AssetID, job.Keyword)
		return nil
	},
}

// formatFailedJobs writes a tabular list of failed jobs to w.
func formatFailedJobs(out io.Writer, failed []resilience.FailedJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tASSET\tKEYWORD\tATTEMPTS\tTYPE\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t-----\t-------\t--------\t----\t------\t-----")
	for _, f := range failed {
		msg := f.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			f.Job.ID,
			f.Job.AssetID,
			f.Job.Keyword,
			f.Job.AttemptCount, f.Job.MaxAttempts,
			f.ErrorType,
			f.FailedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

func init() {
	jobsFailedCmd.Flags().String("asset", "", "only jobs for this asset ID")
	jobsFailedCmd.Flags().Int("limit", 50, "maximum number of jobs to list")

	jobsCmd.AddCommand(jobsFailedCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}

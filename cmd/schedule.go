package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/price-oracle/internal/queue"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue scrape jobs for workers to pick up",
	Long:  "Enqueues one asset (--asset) or every tracked asset onto the shared Redis queue, then exits.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initProducer(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		assetID, _ := cmd.Flags().GetString("asset")
		keyword, _ := cmd.Flags().GetString("keyword")
		delay, _ := cmd.Flags().GetDuration("delay")

		var opts []queue.EnqueueOption
		if delay > 0 {
			opts = append(opts, queue.WithDelay(delay))
		}

		if assetID == "" {
			n, err := env.Scheduler.ScheduleAll(ctx, opts...)
			if err != nil {
				return eris.Wrap(err, "schedule")
			}
			fmt.Fprintf(os.Stdout, "Scheduled %d job(s).\n", n)
			return nil
		}

		if keyword == "" {
			a, err := env.Store.GetAsset(ctx, assetID)
			if err != nil {
				return eris.Wrap(err, "schedule")
			}
			keyword = a.Keyword
		}
		job, err := env.Scheduler.Enqueue(ctx, assetID, keyword, opts...)
		if err != nil {
			return eris.Wrap(err, "schedule")
		}
		fmt.Fprintf(os.Stdout, "Scheduled job %s for asset %s (%q).\n", job.ID, assetID, keyword)
		return nil
	},
}

func init() {
	scheduleCmd.Flags().String("asset", "", "schedule only this asset ID")
	scheduleCmd.Flags().String("keyword", "", "override the asset's scrape keyword")
	scheduleCmd.Flags().Duration("delay", 0, "delay before the first attempt")
	rootCmd.AddCommand(scheduleCmd)
}

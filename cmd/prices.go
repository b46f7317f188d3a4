package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/price-oracle/internal/ingest"
	"github.com/sells-group/price-oracle/internal/model"
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Read price history",
}

// -- prices history --

var pricesHistoryCmd = &cobra.Command{
	Use:   "history <asset-id>",
	Short: "Show trusted price history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		gate := ingest.NewGate(st, gateOptions())
		recs, err := gate.TrustedHistory(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "prices history")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No trusted prices.")
			return nil
		}
		formatPriceRecords(os.Stdout, recs)
		return nil
	},
}

// -- prices external --

var pricesExternalCmd = &cobra.Command{
	Use:   "external <asset-id>",
	Short: "Show the latest informational price per marketplace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.ListExternalPrices(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "prices external")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No external prices.")
			return nil
		}
		formatExternalPrices(os.Stdout, recs)
		return nil
	},
}

func formatPriceRecords(out io.Writer, recs []model.PriceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CREATED\tPRICE\tCONFIDENCE\tSOURCE")
	_, _ = fmt.Fprintln(w, "-------\t-----\t----------\t------")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%d\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Price, r.Confidence, r.Source)
	}
	_ = w.Flush()
}

func formatExternalPrices(out io.Writer, recs []model.ExternalPriceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tPRICE\tCHECKED\tURL")
	_, _ = fmt.Fprintln(w, "------\t-----\t-------\t---")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\n",
			r.Source, r.Price, r.LastCheckedAt.Format("2006-01-02 15:04"), r.URL)
	}
	_ = w.Flush()
}

func init() {
	pricesHistoryCmd.Flags().Int("limit", 20, "maximum number of records")

	pricesCmd.AddCommand(pricesHistoryCmd, pricesExternalCmd)
	rootCmd.AddCommand(pricesCmd)
}

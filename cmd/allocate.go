package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/price-oracle/internal/model"
)

var allocateCmd = &cobra.Command{
	Use:   "allocate [keyword...]",
	Short: "Mint tickers for new assets",
	Long:  "Allocates one ticker per keyword in a single transaction. Keywords come from arguments or, with --file, one per line (use - for stdin).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		keywords, err := collectKeywords(args, file)
		if err != nil {
			return err
		}
		if len(keywords) == 0 {
			return eris.New("allocate: no keywords given")
		}

		st, err := openStore(ctx, "allocate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		assets, err := st.AllocateAssets(ctx, keywords, cfg.Ticker.Seed)
		if err != nil {
			return eris.Wrap(err, "allocate")
		}
		formatAssets(os.Stdout, assets)
		return nil
	},
}

// collectKeywords merges argument keywords with those read from path.
func collectKeywords(args []string, path string) ([]string, error) {
	var out []string
	add := func(k string) {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	for _, a := range args {
		add(a)
	}
	if path == "" {
		return out, nil
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "open keyword file")
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read keyword file")
	}
	return out, nil
}

// formatAssets writes a ticker table to out.
func formatAssets(out io.Writer, assets []model.Asset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TICKER\tID\tKEYWORD\tPRICE")
	_, _ = fmt.Fprintln(w, "------\t--\t-------\t-----")
	for _, a := range assets {
		price := "-"
		if a.HasPrice() {
			price = fmt.Sprintf("%.2f", *a.LastKnownPrice)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Ticker, a.ID, a.Keyword, price)
	}
	_ = w.Flush()
}

func init() {
	allocateCmd.Flags().String("file", "", "read keywords from file, one per line (- for stdin)")
	rootCmd.AddCommand(allocateCmd)
}

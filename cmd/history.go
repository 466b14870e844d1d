package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steadyws/internal/config"
	"steadyws/internal/report"
	"steadyws/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List past runs, or print one stored report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogger(false)

		store := openHistory()
		if store == nil {
			return errors.New("history is disabled or could not be opened")
		}
		defer store.Close()

		if len(args) == 0 {
			items, err := store.List()
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), items)
			return nil
		}

		item, err := store.Get(args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		if item.Report == nil {
			return fmt.Errorf("run %s has no stored report", args[0])
		}
		report.Print(cmd.OutOrStdout(), item.Report)

		if prefix := viper.GetString(config.KeyOut); prefix != "" {
			paths, err := report.Export(item.Report, prefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Reports saved to %s\n", strings.Join(paths, ", "))
		}
		return nil
	},
}

func printHistory(out io.Writer, items []storage.HistoryItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tURL\tPEAK VUS\tERR%\tP95\tTHRESHOLDS")
	for _, it := range items {
		verdict := "✅ pass"
		if !it.Summary.Passed {
			verdict = "❌ " + strings.Join(it.Summary.Failed, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.2f\t%.1fms\t%s\n",
			it.ID,
			it.Timestamp.Local().Format(time.DateTime),
			it.Summary.Status,
			it.Summary.URL,
			it.Summary.PeakVUs,
			it.Summary.ErrorRate*100,
			it.Summary.P95LatencyMs,
			verdict,
		)
	}
	_ = tw.Flush()
}

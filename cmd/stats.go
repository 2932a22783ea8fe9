package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ncu-collector/internal/config"
	"ncu-collector/internal/telemetry/domain"
)

const recentAttempts = 10

// statsSource is the read side of storage used by the stats command.
type statsSource interface {
	CollectionStats(ctx context.Context, now time.Time, recent int) (telemetry.CollectionStats, error)
}

func newStatsCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print collection statistics from the tracking table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := env.load(config.ModeStorage)
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return printStats(cmd.Context(), cmd.OutOrStdout(), store, time.Now())
		},
	}
}

func printStats(ctx context.Context, out io.Writer, source statsSource, now time.Time) error {
	stats, err := source.CollectionStats(ctx, now, recentAttempts)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Successful collections: %d\n", stats.TotalSuccessful)
	fmt.Fprintf(out, "Successful in last 24h: %d\n", stats.Last24h)
	if last := stats.LastSuccess; last != nil {
		fmt.Fprintf(out, "Last success: %s (%d inserted, %d excluded)\n",
			last.CollectionTime.Format(time.DateTime), last.RecordsInserted, last.RecordsExcluded)
	} else {
		fmt.Fprintln(out, "Last success: never")
	}
	if len(stats.Recent) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSUCCESS\tSEEN\tINSERTED\tEXCLUDED\tDURATION\tERROR")
	for _, rec := range stats.Recent {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%s\t%s\n",
			rec.CollectionTime.Format(time.DateTime),
			rec.Success,
			rec.RecordsSeen,
			rec.RecordsInserted,
			rec.RecordsExcluded,
			rec.Duration.Round(time.Millisecond),
			rec.ErrorMessage,
		)
	}
	return tw.Flush()
}

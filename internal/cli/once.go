package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"spotwatch/internal/app"
)

var (
	onceSkipIngest   bool
	onceSkipSnapshot bool
	onceSkipSteals   bool
	onceStart        string
	onceEnd          string
	onceRegions      []string
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run ingestion, snapshot and classification a single time",
	Example: `  spotwatch once --start "-6 hours" --regions us-east-1,eu-west-1
  spotwatch once --skip-ingest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if onceSkipIngest && onceSkipSnapshot && onceSkipSteals {
			return errors.New("every stage is skipped; nothing to do")
		}

		opts := app.OnceOptions{
			SkipIngest:   onceSkipIngest,
			SkipSnapshot: onceSkipSnapshot,
			SkipSteals:   onceSkipSteals,
			Start:        onceStart,
			End:          onceEnd,
			Regions:      onceRegions,
		}

		_, err := getApp().Once(cmd.Context(), opts)
		return err
	},
}

func init() {
	onceCmd.Flags().BoolVar(&onceSkipIngest, "skip-ingest", false, "Do not fetch prices from the provider")
	onceCmd.Flags().BoolVar(&onceSkipSnapshot, "skip-snapshot", false, "Do not rebuild the latest snapshot")
	onceCmd.Flags().BoolVar(&onceSkipSteals, "skip-steals", false, "Do not classify steals")
	onceCmd.Flags().StringVar(&onceStart, "start", "", `Window start, e.g. "-1 day", "3 hours ago" or RFC3339 (defaults to config)`)
	onceCmd.Flags().StringVar(&onceEnd, "end", "", `Window end, e.g. "now" (defaults to config)`)
	onceCmd.Flags().StringSliceVar(&onceRegions, "regions", nil, "Regions to ingest (defaults to config, then all enabled regions)")
}

package cli

import (
	"github.com/spf13/cobra"

	"spotwatch/internal/app"
)

var notifyDryRun bool

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a digest of the current steals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Notify(cmd.Context(), app.NotifyOptions{DryRun: notifyDryRun})
	},
}

func init() {
	notifyCmd.Flags().BoolVar(&notifyDryRun, "dry-run", false, "Print the digest instead of sending it")
}

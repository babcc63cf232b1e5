package cli

import (
	"github.com/spf13/cobra"

	"spotwatch/internal/app"
)

var (
	exportRegion       string
	exportInstanceType string
	exportProduct      string
	exportPNGPath      string
	exportMaxPoints    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the price history of one series as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Region:             exportRegion,
			InstanceType:       exportInstanceType,
			ProductDescription: exportProduct,
			PNGPath:            exportPNGPath,
			MaxPoints:          exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRegion, "region", "", "Region of the series")
	exportCmd.Flags().StringVar(&exportInstanceType, "instance-type", "", "Instance type of the series")
	exportCmd.Flags().StringVar(&exportProduct, "product", "", "Product description (empty selects records without one)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}

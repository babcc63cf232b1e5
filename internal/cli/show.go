package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spotwatch/internal/app"
	"spotwatch/internal/storage"
)

var (
	showLimit     int
	showOffset    int
	showSteals    bool
	showMeta      bool
	showRegion    string
	showProduct   string
	showType      string
	showMinPrice  string
	showMaxPrice  string
	showSortBy    string
	showSortOrder string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display latest prices, steals or snapshot metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showOffset < 0 {
			return fmt.Errorf("--offset must not be negative")
		}

		opts := app.ShowOptions{
			Steals:             showSteals,
			Metadata:           showMeta,
			Region:             showRegion,
			ProductDescription: showProduct,
			Type:               showType,
			MinPrice:           showMinPrice,
			MaxPrice:           showMaxPrice,
			SortBy:             showSortBy,
			SortOrder:          showSortOrder,
			Limit:              showLimit,
			Offset:             showOffset,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().IntVar(&showOffset, "offset", 0, "Rows to skip (latest prices only)")
	showCmd.Flags().BoolVar(&showSteals, "steals", false, "Show classified steals instead of latest prices")
	showCmd.Flags().BoolVar(&showMeta, "meta", false, "Show regions, products and price range of the snapshot")
	showCmd.Flags().StringVar(&showRegion, "region", "", "Filter by region")
	showCmd.Flags().StringVar(&showProduct, "product", "", "Filter by product description")
	showCmd.Flags().StringVar(&showType, "type", "", fmt.Sprintf("Filter steals by type %v", storage.StealTypes))
	showCmd.Flags().StringVar(&showMinPrice, "min-price", "", "Minimum price (latest prices only)")
	showCmd.Flags().StringVar(&showMaxPrice, "max-price", "", "Maximum price (latest prices only)")
	showCmd.Flags().StringVar(&showSortBy, "sort", "timestamp", fmt.Sprintf("Sort column %v", storage.SortColumns))
	showCmd.Flags().StringVar(&showSortOrder, "order", "desc", "Sort order (asc|desc)")
}

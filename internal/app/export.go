package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spotwatch/internal/storage"
)

// Export renders the raw price history of one series as a PNG chart. An
// empty product description selects the series without one.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.PNGPath == "" {
		return errors.New("--png is required")
	}
	if opts.Region == "" || opts.InstanceType == "" {
		return errors.New("--region and --instance-type are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	key := storage.Key{Region: opts.Region, InstanceType: opts.InstanceType}
	if opts.ProductDescription != "" {
		key.ProductDescription = opts.ProductDescription
		key.HasDescription = true
	}

	history, err := store.PriceHistory(ctx, key, 0)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		a.Logger.Info().Str("region", key.Region).Str("instance_type", key.InstanceType).Msg("no price history for series")
		return nil
	}

	points := downsample(history, opts.MaxPoints)
	a.Logger.Info().Int("total", len(history)).Int("exported", len(points)).Msg("exporting price history")

	return writeHistoryPNG(opts.PNGPath, seriesName(key), points)
}

func seriesName(k storage.Key) string {
	if !k.HasDescription {
		return fmt.Sprintf("%s %s", k.Region, k.InstanceType)
	}
	return fmt.Sprintf("%s %s %s", k.Region, k.InstanceType, k.ProductDescription)
}

func downsample(records []storage.PriceRecord, max int) []storage.PriceRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.PriceRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeHistoryPNG(path, name string, records []storage.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	y := make([]float64, len(records))
	for i, r := range records {
		x[i] = r.ObservedAt
		y[i] = r.Price.InexactFloat64()
	}
	// go-chart needs two points to draw a line
	if len(records) == 1 {
		x = append(x, x[0].Add(time.Minute))
		y = append(y, y[0])
	}

	graph := chart.Chart{
		Title:  name,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Spot price (USD/h)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    name,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	if r := flatRange(y); r != nil {
		graph.YAxis.Range = r
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// flatRange pads a constant series, which go-chart rejects as a zero range.
func flatRange(y []float64) *chart.ContinuousRange {
	for _, v := range y[1:] {
		if v != y[0] {
			return nil
		}
	}
	pad := math.Abs(y[0]) * 0.1
	if pad == 0 {
		pad = 1
	}
	return &chart.ContinuousRange{Min: y[0] - pad, Max: y[0] + pad}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

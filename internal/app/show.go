package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spotwatch/internal/storage"
)

// Show prints the latest snapshot or the steals table.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Metadata {
		return a.showMetadata(ctx, store)
	}
	if opts.Steals {
		return a.showSteals(ctx, store, opts)
	}
	return a.showLatest(ctx, store, opts)
}

func (a *App) showLatest(ctx context.Context, store storage.Reader, opts ShowOptions) error {
	q := storage.LatestQuery{
		Region:             opts.Region,
		ProductDescription: opts.ProductDescription,
		SortBy:             opts.SortBy,
		SortOrder:          opts.SortOrder,
		Limit:              opts.Limit,
		Offset:             opts.Offset,
	}
	var err error
	if q.MinPrice, err = parsePrice("min-price", opts.MinPrice); err != nil {
		return err
	}
	if q.MaxPrice, err = parsePrice("max-price", opts.MaxPrice); err != nil {
		return err
	}

	rows, total, err := store.QueryLatest(ctx, q)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no prices found")
		return nil
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Time (UTC)\tRegion\tInstance Type\tProduct\tAZ\tPrice")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ObservedAt.UTC().Format(time.RFC3339),
			r.Region,
			r.InstanceType,
			orDash(r.ProductDescription),
			orDash(r.AvailabilityZone),
			r.Price.String(),
		)
	}
	w.Flush()
	fmt.Fprintf(a.Out, "showing %d of %d\n", len(rows), total)
	return nil
}

func (a *App) showSteals(ctx context.Context, store storage.Reader, opts ShowOptions) error {
	q := storage.StealQuery{
		Region:             opts.Region,
		ProductDescription: opts.ProductDescription,
		Type:               storage.StealType(opts.Type),
		Limit:              opts.Limit,
	}
	if q.Type != "" && !q.Type.Valid() {
		return fmt.Errorf("unknown steal type %q", opts.Type)
	}

	steals, err := store.QuerySteals(ctx, q)
	if err != nil {
		return err
	}
	if len(steals) == 0 {
		fmt.Fprintln(a.Out, "no steals found")
		return nil
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Price\tRegion\tInstance Type\tProduct\tTime (UTC)\tType")
	for _, s := range steals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Price.String(),
			s.Region,
			s.InstanceType,
			orDash(s.ProductDescription),
			s.ObservedAt.UTC().Format(time.RFC3339),
			s.Type,
		)
	}
	return w.Flush()
}

func (a *App) showMetadata(ctx context.Context, store storage.Reader) error {
	meta, err := store.LatestMetadata(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Regions\t%s\n", strings.Join(meta.Regions, ", "))
	fmt.Fprintf(w, "Products\t%s\n", strings.Join(meta.ProductDescriptions, ", "))
	fmt.Fprintf(w, "Price range\t%s - %s\n", meta.MinPrice.String(), meta.MaxPrice.String())
	return w.Flush()
}

func parsePrice(flag, v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &d, nil
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return sanitizeInline(*s)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

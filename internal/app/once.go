package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"spotwatch/internal/service"
	"spotwatch/internal/storage"
)

// Once runs the pipeline a single time with the given overrides and prints a
// summary. A partial ingestion is reported but is not an error.
func (a *App) Once(ctx context.Context, opts OnceOptions) (service.Summary, error) {
	cfg := *a.Config
	if opts.SkipIngest {
		cfg.Ingest.Enabled = false
	}
	if opts.SkipSnapshot {
		cfg.Snapshot.Enabled = false
	}
	if opts.SkipSteals {
		cfg.Steals.Enabled = false
	}
	if opts.Start != "" {
		cfg.Ingest.Start = opts.Start
	}
	if opts.End != "" {
		cfg.Ingest.End = opts.End
	}
	if len(opts.Regions) > 0 {
		cfg.AWS.Regions = opts.Regions
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return service.Summary{}, err
	}
	defer closeStore()

	svc, err := a.newService(&cfg, nil, store)
	if err != nil {
		return service.Summary{}, err
	}

	summary, err := svc.RunOnce(ctx, time.Now().UTC())
	a.printSummary(summary)
	return summary, err
}

func (a *App) printSummary(s service.Summary) {
	if s.Skipped {
		fmt.Fprintln(a.Out, "run skipped: another run holds the lock")
		return
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Run\t%s\n", s.RunID)
	if s.Ingest != nil {
		fmt.Fprintf(w, "Records inserted\t%d\n", s.Ingest.RecordsInserted)
		fmt.Fprintf(w, "Records skipped\t%d\n", s.Ingest.RecordsSkipped)
		fmt.Fprintf(w, "Batches\t%d\n", s.Ingest.Batches)
		for _, f := range s.Ingest.FailedRegions {
			fmt.Fprintf(w, "Failed region\t%s: %s\n", f.Region, sanitizeInline(f.Err.Error()))
		}
	}
	if s.Snapshot != nil {
		fmt.Fprintf(w, "Snapshot keys\t%d\n", s.Snapshot.Keys)
	}
	if s.Steals != nil {
		for _, t := range storage.StealTypes {
			fmt.Fprintf(w, "%s\t%d\n", t, s.Steals.Counts[t])
		}
		for _, perr := range s.Steals.Errors {
			fmt.Fprintf(w, "Failed pass\t%s\n", sanitizeInline(perr.Error()))
		}
	}
	fmt.Fprintf(w, "Duration\t%s\n", s.Duration.Round(time.Millisecond))
}

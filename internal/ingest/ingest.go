package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"spotwatch/internal/fetcher"
	"spotwatch/internal/storage"
)

const (
	defaultBatchSize = 1000
	defaultPageSize  = 1000
)

// Options tune an Ingester.
type Options struct {
	// Regions is used when Ingest is called without an explicit list. When
	// both are empty the provider is asked to enumerate regions.
	Regions   []string
	BatchSize int
	PageSize  int32
}

// RegionFailure records a region whose pagination was cut short.
type RegionFailure struct {
	Region string
	Err    error
}

// Result summarises an ingestion run.
type Result struct {
	RecordsInserted int64
	RecordsSkipped  int
	Batches         int
	Pages           int
	Regions         []string
	FailedRegions   []RegionFailure
	Duration        time.Duration
}

// Partial reports whether some regions failed.
func (r Result) Partial() bool { return len(r.FailedRegions) > 0 }

// Ingester pages spot price history into the raw price store.
type Ingester struct {
	provider fetcher.SpotPriceProvider
	store    storage.PriceRecordStore
	opts     Options
	validate *validator.Validate
	logger   zerolog.Logger
}

// New constructs an Ingester.
func New(provider fetcher.SpotPriceProvider, store storage.PriceRecordStore, opts Options, logger zerolog.Logger) *Ingester {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Ingester{
		provider: provider,
		store:    store,
		opts:     opts,
		validate: newValidator(),
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

// Ingest replaces the raw price table with the provider's history for the
// given regions and window. A provider failure skips the rest of that region
// and is reported in Result.FailedRegions; a store failure aborts the run.
func (i *Ingester) Ingest(ctx context.Context, regions []string, window Window) (Result, error) {
	started := time.Now()
	res := Result{}

	regions, err := i.resolveRegions(ctx, regions)
	if err != nil {
		return res, err
	}
	res.Regions = regions

	if err := i.store.ResetPriceRecords(ctx); err != nil {
		return res, fmt.Errorf("reset price records: %w", err)
	}

	i.logger.Info().
		Strs("regions", regions).
		Str("window", window.String()).
		Int("batch_size", i.opts.BatchSize).
		Msg("ingestion started")

	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(started)
			return res, err
		}

		err := i.ingestRegion(ctx, region, window, &res)
		if err == nil {
			continue
		}

		var perr *fetcher.ProviderError
		if errors.As(err, &perr) {
			res.FailedRegions = append(res.FailedRegions, RegionFailure{Region: region, Err: err})
			i.logger.Warn().Err(err).Str("region", region).Msg("region skipped after provider error")
			continue
		}

		res.Duration = time.Since(started)
		return res, err
	}

	res.Duration = time.Since(started)

	event := i.logger.Info()
	if res.Partial() {
		failed := make([]string, 0, len(res.FailedRegions))
		for _, f := range res.FailedRegions {
			failed = append(failed, f.Region)
		}
		event = i.logger.Warn().Strs("failed_regions", failed)
	}
	event.
		Int64("records_inserted", res.RecordsInserted).
		Int("records_skipped", res.RecordsSkipped).
		Int("batches", res.Batches).
		Int("pages", res.Pages).
		Dur("duration", res.Duration).
		Msg("ingestion finished")

	return res, nil
}

func (i *Ingester) resolveRegions(ctx context.Context, regions []string) ([]string, error) {
	if len(regions) > 0 {
		return regions, nil
	}
	if len(i.opts.Regions) > 0 {
		return i.opts.Regions, nil
	}
	regions, err := i.provider.Regions(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate regions: %w", err)
	}
	if len(regions) == 0 {
		return nil, errors.New("provider returned no regions")
	}
	return regions, nil
}

func (i *Ingester) ingestRegion(ctx context.Context, region string, window Window, res *Result) error {
	log := i.logger.With().Str("region", region).Logger()
	batch := make([]storage.PriceRecord, 0, i.opts.BatchSize)
	var inserted int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := i.store.InsertPriceRecords(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert batch for %s: %w", region, err)
		}
		inserted += n
		res.RecordsInserted += n
		res.Batches++
		batch = make([]storage.PriceRecord, 0, i.opts.BatchSize)
		return nil
	}

	token := ""
	for {
		page, err := i.provider.PriceHistory(ctx, fetcher.HistoryRequest{
			Region:     region,
			Start:      window.Start,
			End:        window.End,
			MaxResults: i.opts.PageSize,
			NextToken:  token,
		})
		if err != nil {
			// keep what the region produced before failing
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return err
		}
		res.Pages++

		for _, obs := range page.Observations {
			rec, err := normalize(i.validate, region, obs)
			if err != nil {
				res.RecordsSkipped++
				log.Debug().Err(err).Str("instance_type", obs.InstanceType).Msg("skipping invalid record")
				continue
			}
			batch = append(batch, rec)
			if len(batch) >= i.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		if page.NextToken == "" {
			break
		}
		if page.NextToken == token {
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return &fetcher.ProviderError{Region: region, Op: "describe spot price history", Err: errors.New("continuation token did not advance")}
		}
		token = page.NextToken
	}

	if err := flush(); err != nil {
		return err
	}

	log.Info().Int64("records", inserted).Msg("region ingested")
	return nil
}

// Package steals flags unusually cheap spot prices in the latest snapshot.
package steals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotwatch/internal/storage"
)

const (
	defaultRatio = "0.8"
	defaultTopN  = 5
)

// Store is the storage surface the classifier needs.
type Store interface {
	ResetSteals(ctx context.Context) error
	ListLatest(ctx context.Context) ([]storage.PriceRecord, error)
	AveragePrices(ctx context.Context) (map[storage.Key]decimal.Decimal, error)
	InsertSteal(ctx context.Context, steal storage.Steal) (bool, error)
}

// Options tune the heuristics.
type Options struct {
	// BelowAverageRatio flags a latest price at or under ratio * historical average.
	BelowAverageRatio decimal.Decimal
	// TopN is how many of the cheapest rows per region and per product
	// description are flagged.
	TopN int
}

// PassError records a pass that stopped early.
type PassError struct {
	Type storage.StealType
	Err  error
}

func (e *PassError) Error() string { return fmt.Sprintf("%s pass: %v", e.Type, e.Err) }

func (e *PassError) Unwrap() error { return e.Err }

// Report holds the outcome of one classification run.
type Report struct {
	Counts   map[storage.StealType]int
	Snapshot int
	Errors   []*PassError
	Duration time.Duration
}

// Total sums the counts across categories.
func (r Report) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Classifier runs the three steal passes.
type Classifier struct {
	store  Store
	opts   Options
	logger zerolog.Logger
}

// NewClassifier constructs a Classifier, filling in default thresholds.
func NewClassifier(store Store, opts Options, logger zerolog.Logger) *Classifier {
	if !opts.BelowAverageRatio.IsPositive() {
		opts.BelowAverageRatio = decimal.RequireFromString(defaultRatio)
	}
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	return &Classifier{store: store, opts: opts, logger: logger.With().Str("component", "steals").Logger()}
}

type pass struct {
	kind storage.StealType
	run  func(ctx context.Context, latest []storage.PriceRecord) ([]storage.PriceRecord, error)
}

// Classify recreates the steals table and runs every pass over the latest
// snapshot. A failing pass is reported in Report.Errors and the others still
// run; failures to reset the table or read the snapshot are returned.
func (c *Classifier) Classify(ctx context.Context) (Report, error) {
	started := time.Now()
	report := Report{Counts: make(map[storage.StealType]int, len(storage.StealTypes))}

	if err := c.store.ResetSteals(ctx); err != nil {
		return report, fmt.Errorf("reset steals: %w", err)
	}

	latest, err := c.store.ListLatest(ctx)
	if err != nil {
		return report, fmt.Errorf("list latest snapshot: %w", err)
	}
	report.Snapshot = len(latest)

	passes := []pass{
		{storage.StealBelowAverage, c.belowAverage},
		{storage.StealLowInRegion, c.lowInRegion},
		{storage.StealLowInInstanceType, c.lowInProductDescription},
	}

	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := c.runPass(ctx, p, latest)
		report.Counts[p.kind] = n
		if err != nil {
			perr := &PassError{Type: p.kind, Err: err}
			report.Errors = append(report.Errors, perr)
			c.logger.Error().Err(err).Str("steal_type", string(p.kind)).Int("inserted", n).Msg("steal pass failed")
			continue
		}
		c.logger.Debug().Str("steal_type", string(p.kind)).Int("inserted", n).Msg("steal pass finished")
	}

	report.Duration = time.Since(started)
	c.logger.Info().
		Int("snapshot_rows", report.Snapshot).
		Int(string(storage.StealBelowAverage), report.Counts[storage.StealBelowAverage]).
		Int(string(storage.StealLowInRegion), report.Counts[storage.StealLowInRegion]).
		Int(string(storage.StealLowInInstanceType), report.Counts[storage.StealLowInInstanceType]).
		Int("failed_passes", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("classification finished")

	return report, nil
}

// runPass selects candidates and inserts them, converting a panic on a
// malformed row into an error so sibling passes still run.
func (c *Classifier) runPass(ctx context.Context, p pass, latest []storage.PriceRecord) (inserted int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	candidates, err := p.run(ctx, latest)
	if err != nil {
		return 0, err
	}
	for _, rec := range candidates {
		ok, err := c.store.InsertSteal(ctx, storage.NewSteal(rec, p.kind))
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

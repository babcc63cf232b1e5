package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotwatch/internal/alerting"
	"spotwatch/internal/config"
	"spotwatch/internal/fetcher"
	"spotwatch/internal/ingest"
	"spotwatch/internal/scheduler"
	"spotwatch/internal/snapshot"
	"spotwatch/internal/steals"
	"spotwatch/internal/storage"
)

// Store is everything a pipeline run touches.
type Store interface {
	storage.PriceRecordStore
	storage.SnapshotStore
	storage.StealStore
	storage.Reader
	storage.AdvisoryLocker
}

// Summary reports one pipeline run. Stages that did not run are nil.
type Summary struct {
	RunID    string
	Bucket   time.Time
	Skipped  bool
	Ingest   *ingest.Result
	Snapshot *snapshot.Result
	Steals   *steals.Report
	Duration time.Duration
}

// Partial reports whether the run finished with regions or passes missing.
func (s Summary) Partial() bool {
	return (s.Ingest != nil && s.Ingest.Partial()) || (s.Steals != nil && len(s.Steals.Errors) > 0)
}

// Service orchestrates ingestion, snapshot and classification runs.
type Service struct {
	scheduler *scheduler.Scheduler
	provider  fetcher.SpotPriceProvider
	store     Store
	notifier  alerting.Notifier
	logger    zerolog.Logger

	ingestOn   bool
	snapshotOn bool
	stealsOn   bool
	start, end string
	ingestOpts ingest.Options
	stealOpts  steals.Options
	alertsOn   bool
	alertTop   int
	lockKey    int64

	now func() time.Time
}

// New constructs the pipeline service. The ingestion window is checked here so
// a bad expression fails at startup rather than on the first tick.
func New(cfg *config.Config, sched *scheduler.Scheduler, provider fetcher.SpotPriceProvider, store Store, notifier alerting.Notifier, logger zerolog.Logger) (*Service, error) {
	if _, err := ingest.ParseWindow(cfg.Ingest.Start, cfg.Ingest.End, time.Now()); err != nil {
		return nil, err
	}
	if cfg.Ingest.Enabled && provider == nil {
		return nil, errors.New("ingestion enabled without a provider")
	}

	return &Service{
		scheduler:  sched,
		provider:   provider,
		store:      store,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		ingestOn:   cfg.Ingest.Enabled,
		snapshotOn: cfg.Snapshot.Enabled,
		stealsOn:   cfg.Steals.Enabled,
		start:      cfg.Ingest.Start,
		end:        cfg.Ingest.End,
		ingestOpts: ingest.Options{
			Regions:   cfg.AWS.Regions,
			BatchSize: cfg.Ingest.BatchSize,
			PageSize:  int32(cfg.AWS.MaxPageSize),
		},
		stealOpts: steals.Options{
			BelowAverageRatio: decimal.NewFromFloat(cfg.Steals.BelowAverageRatio),
			TopN:              cfg.Steals.TopN,
		},
		alertsOn: cfg.Alerting.Enabled,
		alertTop: cfg.Alerting.Top,
		lockKey:  cfg.Scheduler.AdvisoryLockKey,
		now:      time.Now,
	}, nil
}

// Run drives RunOnce from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.RunOnce(ctx, bucket)
		return err
	})
}

// RunOnce executes the enabled stages in order under the global run lock. If
// another run holds the lock the call returns a skipped summary. A stage
// error aborts the stages after it.
func (s *Service) RunOnce(ctx context.Context, bucket time.Time) (Summary, error) {
	summary := Summary{Bucket: bucket}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return summary, err
	}
	if !proceed {
		s.logger.Info().Time("bucket", bucket).Msg("skip run because advisory lock held elsewhere")
		summary.Skipped = true
		return summary, nil
	}
	if unlock != nil {
		defer unlock()
	}

	summary.RunID = uuid.NewString()
	log := s.logger.With().Str("run_id", summary.RunID).Logger()
	started := s.now()

	err = s.execute(ctx, log, &summary)
	summary.Duration = time.Since(started)

	status := "ok"
	switch {
	case err != nil:
		status = "failed"
	case summary.Partial():
		status = "partial"
	}
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Time("bucket", bucket).Str("status", status).Dur("duration", summary.Duration).Msg("pipeline run finished")

	return summary, err
}

func (s *Service) execute(ctx context.Context, log zerolog.Logger, summary *Summary) error {
	if s.ingestOn {
		window, err := ingest.ParseWindow(s.start, s.end, s.now())
		if err != nil {
			return err
		}
		res, err := ingest.New(s.provider, s.store, s.ingestOpts, log).Ingest(ctx, nil, window)
		summary.Ingest = &res
		if err != nil {
			return fmt.Errorf("ingest stage: %w", err)
		}
	}

	if s.snapshotOn {
		res, err := snapshot.NewBuilder(s.store, log).Rebuild(ctx)
		if err != nil {
			return fmt.Errorf("snapshot stage: %w", err)
		}
		summary.Snapshot = &res
	}

	if s.stealsOn {
		report, err := steals.NewClassifier(s.store, s.stealOpts, log).Classify(ctx)
		summary.Steals = &report
		if err != nil {
			return fmt.Errorf("steals stage: %w", err)
		}
		if s.alertsOn {
			s.sendDigest(ctx, log, *summary)
		}
	}
	return nil
}

func (s *Service) sendDigest(ctx context.Context, log zerolog.Logger, summary Summary) {
	if s.notifier == nil {
		return
	}
	digest, err := s.Digest(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to build steal digest")
		return
	}
	digest.RunID = summary.RunID
	digest.Bucket = summary.Bucket
	if summary.Ingest != nil {
		digest.RecordsInserted = summary.Ingest.RecordsInserted
		for _, f := range summary.Ingest.FailedRegions {
			digest.FailedRegions = append(digest.FailedRegions, f.Region)
		}
	}
	if err := s.notifier.Notify(ctx, digest); err != nil {
		log.Error().Err(err).Msg("failed to dispatch steal digest")
	}
}

// Digest builds a digest from the current steals table: counts per category
// and the cheapest steals overall.
func (s *Service) Digest(ctx context.Context) (alerting.Digest, error) {
	digest := alerting.Digest{Counts: make(map[storage.StealType]int, len(storage.StealTypes))}
	for _, t := range storage.StealTypes {
		rows, err := s.store.QuerySteals(ctx, storage.StealQuery{Type: t})
		if err != nil {
			return digest, fmt.Errorf("query %s steals: %w", t, err)
		}
		digest.Counts[t] = len(rows)
	}

	top := s.alertTop
	if top <= 0 {
		top = 10
	}
	cheapest, err := s.store.QuerySteals(ctx, storage.StealQuery{Limit: top})
	if err != nil {
		return digest, fmt.Errorf("query cheapest steals: %w", err)
	}
	digest.Steals = cheapest
	return digest, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.store == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.store.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spotwatch/internal/alerting"
	"spotwatch/internal/config"
	"spotwatch/internal/fetcher"
	"spotwatch/internal/scheduler"
	"spotwatch/internal/service"
	"spotwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newProvider(cfg *config.Config) fetcher.SpotPriceProvider {
	return fetcher.NewEC2(fetcher.EC2Options{
		Profile:         cfg.AWS.Profile,
		CredentialsFile: cfg.AWS.CredentialsFile,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
		DefaultRegion:   cfg.AWS.DefaultRegion,
		Endpoint:        cfg.AWS.Endpoint,
		Timeout:         cfg.AWS.RequestTimeout,
		MaxAttempts:     cfg.AWS.MaxAttempts,
	}, a.Logger)
}

// newNotifier returns the Telegram notifier when configured, otherwise a
// notifier that logs the digest.
func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newService(cfg *config.Config, sched *scheduler.Scheduler, store storage.Backend) (*service.Service, error) {
	var provider fetcher.SpotPriceProvider
	if cfg.Ingest.Enabled {
		provider = a.newProvider(cfg)
	}
	return service.New(cfg, sched, provider, store, a.newNotifier(), a.Logger)
}

// Run executes the long-running pipeline service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		Cron:          a.Config.Scheduler.Cron,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc, err := a.newService(a.Config, sched, store)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("driver", a.Config.Database.Driver).
		Bool("ingest", a.Config.Ingest.Enabled).
		Bool("snapshot", a.Config.Snapshot.Enabled).
		Bool("steals", a.Config.Steals.Enabled).
		Msg("starting pipeline service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline service stopped")
	return nil
}

// OnceOptions override the configured stages for a single run.
type OnceOptions struct {
	SkipIngest   bool
	SkipSnapshot bool
	SkipSteals   bool
	Start        string
	End          string
	Regions      []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Steals             bool
	Metadata           bool
	Region             string
	ProductDescription string
	Type               string
	MinPrice           string
	MaxPrice           string
	SortBy             string
	SortOrder          string
	Limit              int
	Offset             int
}

// ExportOptions select the series to chart.
type ExportOptions struct {
	Region             string
	InstanceType       string
	ProductDescription string
	PNGPath            string
	MaxPoints          int
}

// NotifyOptions configure the notify command.
type NotifyOptions struct {
	DryRun bool
}

package app

import (
	"context"
	"errors"
	"fmt"

	"spotwatch/internal/alerting"
)

// Notify sends a digest of the current steals table. With DryRun the digest is
// printed instead.
func (a *App) Notify(ctx context.Context, opts NotifyOptions) error {
	if !opts.DryRun && !a.Config.Alerting.Telegram.Enabled {
		return errors.New("alerting.telegram is not enabled; use --dry-run to print the digest")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cfg := *a.Config
	cfg.Ingest.Enabled = false
	svc, err := a.newService(&cfg, nil, store)
	if err != nil {
		return err
	}

	digest, err := svc.Digest(ctx)
	if err != nil {
		return err
	}
	digest.AdditionalMsg = "(manual digest)\n"

	if opts.DryRun {
		_, err := fmt.Fprint(a.Out, alerting.Render(digest))
		return err
	}
	return a.newNotifier().Notify(ctx, digest)
}

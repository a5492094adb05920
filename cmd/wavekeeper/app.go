package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/fsutil"
	"github.com/ethpandaops/wavekeeper/pkg/indexstore"
	"github.com/ethpandaops/wavekeeper/pkg/report"
	"github.com/ethpandaops/wavekeeper/pkg/results"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/ethpandaops/wavekeeper/pkg/testloader"
	"github.com/ethpandaops/wavekeeper/pkg/upload"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
)

// app holds the wired session core shared by the CLI commands.
type app struct {
	cfg      *config.Config
	loader   testloader.Loader
	bus      events.Bus
	webhooks events.WebhookForwarder
	sessions session.Store
	manager  results.Manager
	index    indexstore.Store
}

// newApp wires the test loader, event dispatch, session store, report
// generator, optional index and upload hook into a results manager.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		loader: testloader.New(log, &cfg.Tests),
		bus:    events.NewBus(log),
	}

	var dispatcher session.EventDispatcher = a.bus

	if cfg.Webhooks.Enabled {
		fwd, err := events.NewWebhookForwarder(log, &cfg.Webhooks, a.bus)
		if err != nil {
			a.close()

			return nil, fmt.Errorf("creating webhook forwarder: %w", err)
		}

		a.webhooks = fwd
		dispatcher = fwd
	}

	owner, err := fsutil.ParseOwner(cfg.Results.Owner)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("parsing results owner: %w", err)
	}

	var reports results.ReportGenerator = report.NewNoop(log)
	if cfg.Results.ReportsEnabled {
		reports = report.New(log, owner)
	}

	maxImport, err := cfg.MaxImportBytes()
	if err != nil {
		a.close()

		return nil, err
	}

	opts := []results.Option{results.WithMaxImportSize(maxImport)}

	if cfg.Index != nil && cfg.Index.Enabled {
		a.index = indexstore.NewStore(log, &cfg.Index.Database)

		if err := a.index.Start(ctx); err != nil {
			a.close()

			return nil, fmt.Errorf("starting index store: %w", err)
		}

		opts = append(opts, results.WithIndexer(indexstore.NewIndexer(a.index)))
	}

	if s3 := cfg.S3Upload(); s3 != nil && s3.OnComplete {
		uploader, err := upload.NewS3Uploader(log, s3)
		if err != nil {
			a.close()

			return nil, fmt.Errorf("creating s3 uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			a.close()

			return nil, fmt.Errorf("s3 preflight check failed: %w", err)
		}

		opts = append(opts, results.WithCompletionHook(upload.CompletionHook(uploader)))

		log.WithField("bucket", s3.Bucket).Info("Uploading completed sessions to S3")
	}

	agents := useragent.NewParser()
	a.sessions = session.NewStore(log, &cfg.Results, a.loader, dispatcher, agents)

	manager, err := results.NewManager(log, &cfg.Results, a.sessions, reports, agents, opts...)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("creating results manager: %w", err)
	}

	a.manager = manager
	a.loader.SetReferenceResults(manager)

	return a, nil
}

// close stops everything newApp started, in reverse order.
func (a *app) close() {
	if a.manager != nil {
		a.manager.Stop()
	}

	if a.sessions != nil {
		a.sessions.Close()
	}

	if a.webhooks != nil {
		a.webhooks.Stop()
	}

	if a.bus != nil {
		a.bus.Close()
	}

	if a.index != nil {
		if err := a.index.Stop(); err != nil {
			log.WithError(err).Warn("Index store stop error")
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/wavekeeper/pkg/api"
	"github.com/ethpandaops/wavekeeper/pkg/indexstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API server",
	Long: `Start the wavekeeper HTTP API. Sessions found in the results directory
are loaded on startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loader.Load(ctx); err != nil {
		return fmt.Errorf("loading tests: %w", err)
	}

	all, err := a.loader.All(ctx)
	if err != nil {
		return fmt.Errorf("listing tests: %w", err)
	}

	if err := a.sessions.LoadAll(ctx); err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	log.WithFields(logrus.Fields{
		"tests":   all.Count(),
		"apis":    len(all),
		"results": cfg.Results.Dir,
	}).Info("Session core ready")

	opts := []api.Option{api.WithEvents(a.bus)}
	if a.index != nil {
		opts = append(opts, api.WithIndex(a.index))
	}

	srv, err := api.NewServer(log, cfg, a.sessions, a.manager, opts...)
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	var reconciler indexstore.Reconciler

	if a.index != nil {
		interval, err := cfg.IndexInterval()
		if err != nil {
			_ = srv.Stop()

			return err
		}

		reconciler = indexstore.NewReconciler(log, a.index, cfg.Results.Dir, interval, 0)

		if err := reconciler.Start(ctx); err != nil {
			_ = srv.Stop()

			return fmt.Errorf("starting index reconciler: %w", err)
		}
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if reconciler != nil {
		if err := reconciler.Stop(); err != nil {
			log.WithError(err).Warn("Index reconciler stop error")
		}
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}

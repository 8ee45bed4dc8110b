package main

import (
	"context"
	"errors"
	"net/http"

	httpadapter "github.com/couchcryptid/obs-pipeline/internal/adapter/http"
	"github.com/couchcryptid/obs-pipeline/internal/detect"
	"github.com/couchcryptid/obs-pipeline/internal/pipeline"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every stage on a schedule and serve health, metrics, and operator endpoints",
		Args:  cobra.NoArgs,
		RunE:  withApp(runServe),
	}
}

func runServe(cmd *cobra.Command, a *app, _ []string) error {
	ingestor := a.ingestor()
	transformer := a.transformer()
	evaluator := a.evaluator()
	runner, closeFn := a.detector(detect.Suite(a.thresholds()))
	defer closeFn()

	sched := pipeline.New([]pipeline.Stage{
		{Name: "ingest", Run: func(ctx context.Context) error {
			_, err := ingestor.Run(ctx)
			return err
		}},
		{Name: "transform", Run: func(ctx context.Context) error {
			_, err := transformer.Run(ctx, "")
			return err
		}},
		{Name: "detect-anomalies", Run: func(ctx context.Context) error {
			_, err := runner.Run(ctx)
			return err
		}},
		{Name: "run-dq", Run: func(ctx context.Context) error {
			_, err := evaluator.Run(ctx)
			return err
		}},
	}, a.cfg.ScheduleInterval, a.clock, a.logger, a.metrics)

	srv := httpadapter.NewServer(a.cfg.HTTPAddr, httpadapter.Deps{
		Ready:     sched,
		Gatherer:  a.metrics.Gatherer(),
		Incidents: a.store,
		Runs:      a.ledger,
	}, a.logger)

	ctx := cmd.Context()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info("shutdown complete")
	return err
}

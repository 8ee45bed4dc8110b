// Command pipeline runs the observation pipeline stages, either one at a time
// as batch jobs or together on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/obs-pipeline/internal/config"
	"github.com/couchcryptid/obs-pipeline/internal/detect"
	"github.com/couchcryptid/obs-pipeline/internal/ledger"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

var version = "dev"

// newMetrics is swapped in tests for a constructor backed by a private registry.
var newMetrics = observability.NewMetrics

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Environmental observation pipeline",
		Long:          "Ingests station readings, derives the fact series, detects anomalies, correlates incidents, and evaluates data quality.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newIngestCmd(),
		newTransformCmd(),
		newDetectCmd(),
		newRunDQCmd(),
		newServeCmd(),
		newIncidentCmd(),
		newStationCmd(),
	)
	return root
}

// app holds the collaborators shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	store   *store.Store
	ledger  *ledger.Ledger
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg)
	metrics := newMetrics()
	clock := clockwork.NewRealClock()

	s, err := store.Open(cfg.DatabaseDriver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
		store:   s,
		ledger:  ledger.New(s, clock, metrics, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

// pushMetrics forwards batch metrics to the pushgateway when one is configured.
func (a *app) pushMetrics(ctx context.Context, job string) {
	if a.cfg.PushgatewayURL == "" {
		return
	}
	if err := a.metrics.Push(context.WithoutCancel(ctx), a.cfg.PushgatewayURL, job); err != nil {
		a.logger.Warn("push metrics failed", "job", job, "error", err)
	}
}

func (a *app) thresholds() detect.Thresholds {
	th := detect.DefaultThresholds()
	th.SilentAfter = a.cfg.SilentAfter
	th.StaleAfter = a.cfg.StaleAfter
	th.ChangeLookback = a.cfg.ChangeLookback
	th.FlatlineWindow = a.cfg.FlatlineWindow
	th.FlatlineMinPoints = a.cfg.FlatlineMinPoints
	return th
}

// withApp opens the app for the duration of a command.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

package main

import (
	"fmt"

	kafkaadapter "github.com/couchcryptid/obs-pipeline/internal/adapter/kafka"
	"github.com/couchcryptid/obs-pipeline/internal/adapter/openmeteo"
	"github.com/couchcryptid/obs-pipeline/internal/anomaly"
	"github.com/couchcryptid/obs-pipeline/internal/detect"
	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/dq"
	"github.com/couchcryptid/obs-pipeline/internal/ingest"
	"github.com/couchcryptid/obs-pipeline/internal/ledger"
	"github.com/couchcryptid/obs-pipeline/internal/transform"
	"github.com/spf13/cobra"
)

func (a *app) ingestor() *ingest.Ingestor {
	client := openmeteo.NewClient(openmeteo.Options{
		BaseURL:         a.cfg.OpenMeteoBaseURL,
		Timeout:         a.cfg.OpenMeteoTimeout,
		Retries:         a.cfg.OpenMeteoRetries,
		BreakerFailures: a.cfg.OpenMeteoBreakerFailures,
	}, a.metrics, a.logger)
	return ingest.New(a.store, client, a.ledger, a.clock, a.metrics, a.logger)
}

func (a *app) transformer() *transform.Transformer {
	return transform.New(a.store, a.ledger, a.cfg.LateAfter, a.metrics, a.logger)
}

func (a *app) evaluator() *dq.Evaluator {
	return dq.NewEvaluator(a.store, a.ledger, a.clock, a.metrics, a.logger)
}

// detector builds the anomaly runner. The returned close func releases the
// incident publisher, if any.
func (a *app) detector(detectors []detect.Detector) (*anomaly.Runner, func()) {
	var notifier anomaly.Notifier
	closeFn := func() {}
	if a.cfg.IncidentEventsEnabled() {
		pub := kafkaadapter.NewPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaIncidentTopic, a.logger)
		notifier = pub
		closeFn = func() {
			if err := pub.Close(); err != nil {
				a.logger.Error("kafka publisher close error", "error", err)
			}
		}
		a.logger.Info("incident events enabled", "topic", a.cfg.KafkaIncidentTopic)
	}
	return anomaly.NewRunner(a.store, a.ledger, detectors, notifier, a.clock, a.metrics, a.logger), closeFn
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and seed the metric and data-quality catalogs",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			if err := a.store.SeedMetrics(ctx, domain.Catalog); err != nil {
				return err
			}
			if err := a.store.SeedDQChecks(ctx, dq.DefaultChecks()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}),
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Fetch the latest readings for every monitored station",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			defer a.pushMetrics(cmd.Context(), ledger.JobIngest)

			res, err := a.ingestor().Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "ingest run %s: %d stations (%d failed), %d inserted, %d updated\n",
				res.RunID, res.Stations, res.FailedStations, res.Inserted, res.Updated)
			return err
		}),
	}
}

func newTransformCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Derive facts from ingest runs that have not been transformed",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			defer a.pushMetrics(cmd.Context(), ledger.JobTransform)

			res, err := a.transformer().Run(cmd.Context(), runID)
			fmt.Fprintf(cmd.OutOrStdout(), "transformed %d ingest runs (%d failed), %d fact rows\n",
				len(res.IngestRuns), res.Failed, res.Rows)
			return err
		}),
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "replay a specific ingest run instead of discovering pending ones")
	return cmd
}

func newDetectCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "detect-anomalies",
		Short: "Run the anomaly detectors and correlate new anomalies into incidents",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			defer a.pushMetrics(cmd.Context(), ledger.JobAnomalyDetection)

			detectors := detect.Suite(a.thresholds())
			if len(only) > 0 {
				types := make([]domain.AnomalyType, len(only))
				for i, name := range only {
					types[i] = domain.AnomalyType(name)
				}
				var ok bool
				if detectors, ok = detect.Lookup(a.thresholds(), types...); !ok {
					return fmt.Errorf("unknown detector in %v", only)
				}
			}

			runner, closeFn := a.detector(detectors)
			defer closeFn()

			res, err := runner.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "anomaly run %s: %d detected, %d new, %d incidents opened\n",
				res.RunID, res.Detected, res.Inserted, res.IncidentsOpened)
			return err
		}),
	}
	cmd.Flags().StringSliceVar(&only, "detector", nil, "run only the named detectors")
	return cmd
}

func newRunDQCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-dq",
		Short: "Evaluate data-quality checks for transformed ingest runs",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			defer a.pushMetrics(cmd.Context(), ledger.JobDQ)

			res, err := a.evaluator().Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "evaluated %d ingest runs (%d failed): %d pass, %d warn, %d fail\n",
				len(res.IngestRuns), res.Failed, res.Statuses["pass"], res.Statuses["warn"], res.Statuses["fail"])
			return err
		}),
	}
}

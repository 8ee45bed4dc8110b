package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/detect"
	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/ledger"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/jonboulle/clockwork"
)

// Notifier receives incident events after the detector that produced them
// has committed. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, events []domain.IncidentEvent) error
}

// Result summarizes one anomaly detection run.
type Result struct {
	RunID           string
	Detected        int64
	Inserted        int64
	IncidentsOpened int
	FailedDetectors []domain.AnomalyType
}

// Runner executes the detector suite as one anomaly detection job.
type Runner struct {
	store     *store.Store
	ledger    *ledger.Ledger
	detectors []detect.Detector
	notifier  Notifier
	clock     clockwork.Clock
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRunner creates a Runner. notifier may be nil.
func NewRunner(s *store.Store, l *ledger.Ledger, detectors []detect.Detector, notifier Notifier, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		store:     s,
		ledger:    l,
		detectors: detectors,
		notifier:  notifier,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run evaluates every detector against one point in time. Each detector is a
// separate unit: its anomalies, incident updates, and links commit together,
// and its failure is recorded on its own detector run while the remaining
// detectors still execute. The job run fails if any detector failed.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result
	err := r.ledger.Scope(ctx, ledger.JobAnomalyDetection, nil, func(ctx context.Context, run *ledger.Run) error {
		res.RunID = run.ID
		now := r.clock.Now().UTC()

		var errs []error
		for _, d := range r.detectors {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			events, err := r.runDetector(ctx, run.ID, d, now, &res)
			if err != nil {
				res.FailedDetectors = append(res.FailedDetectors, d.Type)
				r.logger.Error("detector failed", "detector", d.Type, "run_id", run.ID, "error", err)
				errs = append(errs, fmt.Errorf("detector %s: %w", d.Type, err))
				continue
			}
			r.publish(ctx, events)
		}

		run.Counters.Inserted = res.Inserted
		run.Counters.Deduped = res.Detected - res.Inserted
		return errors.Join(errs...)
	})
	return res, err
}

func (r *Runner) runDetector(ctx context.Context, runID string, d detect.Detector, now time.Time, res *Result) ([]domain.IncidentEvent, error) {
	var (
		rec    Recorded
		events []domain.IncidentEvent
	)
	err := r.ledger.DetectorScope(ctx, runID, string(d.Type), func(ctx context.Context, dr *ledger.DetectorResult) error {
		cands, err := d.Detect(ctx, r.store, now)
		if err != nil {
			return err
		}
		err = r.store.WithTx(ctx, func(tx *store.Store) error {
			var err error
			if rec, err = Record(ctx, tx, runID, now, cands); err != nil {
				return err
			}
			events, err = Correlate(ctx, tx, rec.Inserted)
			return err
		})
		dr.Detected = rec.Detected
		if err != nil {
			return err
		}
		dr.Inserted = int64(len(rec.Inserted))
		return nil
	})
	if err != nil {
		return nil, err
	}

	label := string(d.Type)
	r.metrics.AnomaliesDetected.WithLabelValues(label).Add(float64(rec.Detected))
	r.metrics.AnomaliesInserted.WithLabelValues(label).Add(float64(len(rec.Inserted)))
	res.Detected += rec.Detected
	res.Inserted += int64(len(rec.Inserted))
	for _, ev := range events {
		r.metrics.Incidents.WithLabelValues(ev.Action).Inc()
		if ev.Action == domain.IncidentOpened {
			res.IncidentsOpened++
		}
	}
	r.logger.Info("detector finished",
		"detector", label,
		"run_id", runID,
		"detected", rec.Detected,
		"inserted", len(rec.Inserted),
		"deduped", rec.Deduped(),
	)
	return events, nil
}

func (r *Runner) publish(ctx context.Context, events []domain.IncidentEvent) {
	if r.notifier == nil || len(events) == 0 {
		return
	}
	if err := r.notifier.Publish(ctx, events); err != nil {
		r.logger.Warn("publish incident events failed", "events", len(events), "error", err)
	}
}

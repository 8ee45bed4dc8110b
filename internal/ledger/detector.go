package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/google/uuid"
)

// DetectorResult carries the counters a detector body reports back.
type DetectorResult struct {
	Detected int64
	Inserted int64
}

// StartDetector records a detector execution under an anomaly detection run.
func (l *Ledger) StartDetector(ctx context.Context, runID, detector string) (*store.DetectorRun, error) {
	dr := &store.DetectorRun{
		DetectorRunID: uuid.New().String(),
		RunID:         runID,
		DetectorName:  detector,
		Status:        store.StatusStarted,
		StartedAt:     l.clock.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(dr).Error; err != nil {
		return nil, fmt.Errorf("start detector %s: %w", detector, err)
	}
	return dr, nil
}

// FinishDetector moves a started detector run to a terminal status and stamps its duration.
func (l *Ledger) FinishDetector(ctx context.Context, dr *store.DetectorRun, status string, res DetectorResult, errText string) error {
	now := l.clock.Now().UTC()
	q := l.db.WithContext(ctx).Model(&store.DetectorRun{}).
		Where("detector_run_id = ? AND status = ?", dr.DetectorRunID, store.StatusStarted).
		Updates(map[string]any{
			"status":        status,
			"finished_at":   now,
			"duration_ms":   elapsedMillis(dr.StartedAt, now),
			"rows_detected": res.Detected,
			"rows_inserted": res.Inserted,
			"error_message": nullableText(errText),
		})
	if q.Error != nil {
		return fmt.Errorf("finish detector %s: %w", dr.DetectorName, q.Error)
	}
	if q.RowsAffected == 0 {
		return fmt.Errorf("finish detector %s: %w", dr.DetectorName, ErrRunNotStarted)
	}
	return nil
}

// DetectorScope runs fn inside a detector run that is always finished, with
// whatever counters fn reported before returning.
func (l *Ledger) DetectorScope(ctx context.Context, runID, detector string, fn func(ctx context.Context, res *DetectorResult) error) (err error) {
	dr, err := l.StartDetector(ctx, runID, detector)
	if err != nil {
		return err
	}
	res := &DetectorResult{}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector %s panicked: %v", detector, r)
		}
		status, text := store.StatusSucceeded, ""
		if err != nil {
			status, text = store.StatusFailed, err.Error()
		}
		if ferr := l.FinishDetector(context.WithoutCancel(ctx), dr, status, *res, text); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()

	return fn(ctx, res)
}

// DetectorRuns returns the detector runs recorded under a job run.
func (l *Ledger) DetectorRuns(ctx context.Context, runID string) ([]store.DetectorRun, error) {
	var runs []store.DetectorRun
	err := l.db.WithContext(ctx).Where("run_id = ?", runID).Order("started_at, detector_run_id").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list detector runs for %s: %w", runID, err)
	}
	return runs, nil
}

// Package ledger records the lifecycle of every pipeline run. A run is created
// in the started state and leaves it exactly once, to succeeded or failed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// Job names recorded in the ledger.
const (
	JobIngest           = "ingest_openmeteo_all_stations"
	JobTransform        = "transform_raw_to_fact"
	JobAnomalyDetection = "anomaly_detection"
	JobDQ               = "run_dq"
)

// MaxErrorLen bounds stored error text.
const MaxErrorLen = 4000

// ErrRunNotStarted is returned when finishing a run that has already left the started state.
var ErrRunNotStarted = errors.New("run is not in started state")

// Counters are the row counters stored on a job run.
type Counters struct {
	Inserted int64
	Updated  int64
	Deduped  int64
}

// Ledger writes job and detector runs.
type Ledger struct {
	db      *gorm.DB
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Ledger over the given store.
func New(s *store.Store, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{db: s.DB(), clock: clock, metrics: metrics, logger: logger}
}

// Start creates a run in the started state. A previous failed run of the same job does not block it.
func (l *Ledger) Start(ctx context.Context, job string, parentRunID *string) (*store.JobRun, error) {
	run := &store.JobRun{
		RunID:       uuid.New().String(),
		JobName:     job,
		Status:      store.StatusStarted,
		ParentRunID: parentRunID,
		StartedAt:   l.clock.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("start %s run: %w", job, err)
	}
	l.logger.Debug("job run started", "job", job, "run_id", run.RunID)
	return run, nil
}

// Finish moves a started run to a terminal status. errText is truncated to
// MaxErrorLen; an empty errText stores NULL. Returns ErrRunNotStarted if the
// run is unknown or already finished.
func (l *Ledger) Finish(ctx context.Context, runID, status string, c Counters, errText string) error {
	if status != store.StatusSucceeded && status != store.StatusFailed {
		return fmt.Errorf("finish run %s: invalid terminal status %q", runID, status)
	}

	var run store.JobRun
	if err := l.db.WithContext(ctx).Select("job_name", "started_at").First(&run, "run_id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("finish run %s: %w", runID, ErrRunNotStarted)
		}
		return fmt.Errorf("finish run %s: %w", runID, err)
	}

	now := l.clock.Now().UTC()
	res := l.db.WithContext(ctx).Model(&store.JobRun{}).
		Where("run_id = ? AND status = ?", runID, store.StatusStarted).
		Updates(map[string]any{
			"status":        status,
			"ended_at":      now,
			"rows_inserted": c.Inserted,
			"rows_updated":  c.Updated,
			"rows_deduped":  c.Deduped,
			"error_message": nullableText(errText),
		})
	if res.Error != nil {
		return fmt.Errorf("finish run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotStarted)
	}

	l.metrics.JobRuns.WithLabelValues(run.JobName, status).Inc()
	l.metrics.JobDuration.WithLabelValues(run.JobName).Observe(now.Sub(run.StartedAt).Seconds())
	return nil
}

// Get returns a job run by id.
func (l *Ledger) Get(ctx context.Context, runID string) (*store.JobRun, error) {
	var run store.JobRun
	err := l.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &run, nil
}

// Runs returns the runs of a job ordered by start time.
func (l *Ledger) Runs(ctx context.Context, job string) ([]store.JobRun, error) {
	var runs []store.JobRun
	err := l.db.WithContext(ctx).Where("job_name = ?", job).Order("started_at, run_id").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", job, err)
	}
	return runs, nil
}

// Run is the handle passed to a Scope body.
type Run struct {
	ID       string
	Job      string
	Counters Counters

	note string
}

// Note attaches error text to a run that still succeeds, such as partial per-station failures.
func (r *Run) Note(text string) {
	r.note = text
}

// Scope starts a run, executes fn, and finishes the run on every exit path:
// succeeded when fn returns nil, failed when it returns an error or panics.
// The finish write is not bound to ctx cancellation.
func (l *Ledger) Scope(ctx context.Context, job string, parentRunID *string, fn func(ctx context.Context, run *Run) error) (err error) {
	jr, err := l.Start(ctx, job, parentRunID)
	if err != nil {
		return err
	}
	run := &Run{ID: jr.RunID, Job: job}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s run %s panicked: %v", job, run.ID, r)
		}

		status, text := store.StatusSucceeded, run.note
		if err != nil {
			status, text = store.StatusFailed, err.Error()
		}
		if ferr := l.Finish(context.WithoutCancel(ctx), run.ID, status, run.Counters, text); ferr != nil {
			l.logger.Error("finish job run failed", "job", job, "run_id", run.ID, "error", ferr)
			err = errors.Join(err, ferr)
			return
		}
		l.logger.Info("job run finished",
			"job", job,
			"run_id", run.ID,
			"status", status,
			"rows_inserted", run.Counters.Inserted,
			"rows_updated", run.Counters.Updated,
			"rows_deduped", run.Counters.Deduped,
		)
	}()

	return fn(ctx, run)
}

// Truncate bounds error text to MaxErrorLen bytes without splitting a rune.
func Truncate(text string) string {
	if len(text) <= MaxErrorLen {
		return text
	}
	return strings.ToValidUTF8(text[:MaxErrorLen], "")
}

func nullableText(text string) *string {
	if text == "" {
		return nil
	}
	t := Truncate(text)
	return &t
}

func elapsedMillis(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}

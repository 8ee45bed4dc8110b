// Package transform derives the canonical fact series from ingested raw rows.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/ledger"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
)

// Result summarizes one transform invocation.
type Result struct {
	IngestRuns []string
	Failed     int
	Rows       int64
}

// Transformer runs the transform job once per pending ingest run.
type Transformer struct {
	store     *store.Store
	ledger    *ledger.Ledger
	lateAfter time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates a Transformer. lateAfter <= 0 uses domain.DefaultLateAfter.
func New(s *store.Store, l *ledger.Ledger, lateAfter time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Transformer {
	if lateAfter <= 0 {
		lateAfter = domain.DefaultLateAfter
	}
	return &Transformer{store: s, ledger: l, lateAfter: lateAfter, metrics: metrics, logger: logger}
}

// Run transforms every succeeded ingest run lacking a succeeded transform
// child. A non-empty ingestRunID replays that single run instead. Each ingest
// run gets its own ledger entry; a failure in one does not stop the others.
func (t *Transformer) Run(ctx context.Context, ingestRunID string) (Result, error) {
	var res Result

	pending, err := t.targets(ctx, ingestRunID)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		t.logger.Info("no ingest runs pending transform")
		return res, nil
	}

	var errs []error
	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		parent := id
		err := t.ledger.Scope(ctx, ledger.JobTransform, &parent, func(ctx context.Context, run *ledger.Run) error {
			n, err := t.TransformRun(ctx, parent)
			run.Counters.Inserted = n
			res.Rows += n
			return err
		})
		res.IngestRuns = append(res.IngestRuns, id)
		if err != nil {
			res.Failed++
			t.logger.Error("transform failed", "ingest_run_id", id, "error", err)
			errs = append(errs, fmt.Errorf("ingest run %s: %w", id, err))
		}
	}
	return res, errors.Join(errs...)
}

func (t *Transformer) targets(ctx context.Context, ingestRunID string) ([]string, error) {
	if ingestRunID == "" {
		return t.ledger.PendingTransforms(ctx)
	}
	run, err := t.ledger.Get(ctx, ingestRunID)
	if err != nil {
		return nil, fmt.Errorf("load ingest run %s: %w", ingestRunID, err)
	}
	if run.JobName != ledger.JobIngest {
		return nil, fmt.Errorf("run %s is a %s run, not %s", ingestRunID, run.JobName, ledger.JobIngest)
	}
	return []string{ingestRunID}, nil
}

// TransformRun upserts the facts derived from one ingest run and returns the
// number of rows affected. The late flag is recomputed on every call, so
// repeated calls converge on identical rows.
func (t *Transformer) TransformRun(ctx context.Context, ingestRunID string) (int64, error) {
	raws, err := t.store.RawForRun(ctx, ingestRunID)
	if err != nil {
		return 0, err
	}
	facts := BuildFacts(raws, ingestRunID, t.lateAfter)

	n, err := t.store.UpsertFacts(ctx, facts)
	if err != nil {
		return 0, err
	}
	t.metrics.FactRowsUpserted.Add(float64(n))
	t.logger.Info("ingest run transformed", "ingest_run_id", ingestRunID, "raw_rows", len(raws), "facts", n)
	return n, nil
}

type factKey struct {
	stationID, metricID int64
	observedAt          time.Time
}

// BuildFacts maps resolved raw rows onto fact rows. When several raw rows
// resolve to the same fact key, the most recently ingested one wins.
func BuildFacts(raws []store.MappedRaw, ingestRunID string, lateAfter time.Duration) []store.FactObservation {
	index := make(map[factKey]int, len(raws))
	facts := make([]store.FactObservation, 0, len(raws))
	for _, r := range raws {
		f := store.FactObservation{
			StationID:   r.StationID,
			MetricID:    r.MetricID,
			ObservedAt:  r.ObservedAt.UTC(),
			ValueNum:    r.ValueNum,
			Source:      r.Source,
			IngestedAt:  r.IngestedAt.UTC(),
			IsLate:      domain.IsLate(r.ObservedAt, r.IngestedAt, lateAfter),
			IngestRunID: ingestRunID,
		}
		k := factKey{f.StationID, f.MetricID, f.ObservedAt}
		if i, ok := index[k]; ok {
			if f.IngestedAt.After(facts[i].IngestedAt) {
				facts[i] = f
			}
			continue
		}
		index[k] = len(facts)
		facts = append(facts, f)
	}
	return facts
}

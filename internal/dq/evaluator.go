package dq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/obs-pipeline/internal/ledger"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/jonboulle/clockwork"
)

// Result summarizes one DQ invocation.
type Result struct {
	IngestRuns []string
	Failed     int
	Statuses   map[string]int
}

// Evaluator runs the active check catalog against eligible ingest runs.
type Evaluator struct {
	store   *store.Store
	ledger  *ledger.Ledger
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(s *store.Store, l *ledger.Ledger, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: s, ledger: l, clock: clock, metrics: metrics, logger: logger}
}

// Run evaluates every ingest run whose transform succeeded and that has no
// DQ results yet. Each ingest run is wrapped in its own run_dq ledger entry;
// a failing check query fails only that ingest run's evaluation.
func (e *Evaluator) Run(ctx context.Context) (Result, error) {
	res := Result{Statuses: map[string]int{}}

	pending, err := e.ledger.PendingDQ(ctx)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		e.logger.Info("no ingest runs pending dq")
		return res, nil
	}

	checks, err := e.store.ActiveDQChecks(ctx)
	if err != nil {
		return res, err
	}
	if len(checks) == 0 {
		e.logger.Info("no active dq checks", "pending", len(pending))
		return res, nil
	}

	var errs []error
	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		parent := id
		err := e.ledger.Scope(ctx, ledger.JobDQ, &parent, func(ctx context.Context, run *ledger.Run) error {
			results, err := e.Evaluate(ctx, parent, checks)
			if err != nil {
				return err
			}
			n, err := e.store.InsertDQCheckRuns(ctx, results)
			if err != nil {
				return err
			}
			run.Counters.Inserted = n
			run.Counters.Deduped = int64(len(results)) - n
			for _, r := range results {
				res.Statuses[r.Status]++
				e.metrics.DQChecks.WithLabelValues(r.Status).Inc()
			}
			return nil
		})
		res.IngestRuns = append(res.IngestRuns, id)
		if err != nil {
			res.Failed++
			e.logger.Error("dq evaluation failed", "ingest_run_id", id, "error", err)
			errs = append(errs, fmt.Errorf("ingest run %s: %w", id, err))
		}
	}
	return res, errors.Join(errs...)
}

// Evaluate runs each check against one ingest run and classifies the results
// without persisting them.
func (e *Evaluator) Evaluate(ctx context.Context, ingestRunID string, checks []store.DQCheckDefinition) ([]store.DQCheckRun, error) {
	now := e.clock.Now().UTC()
	results := make([]store.DQCheckRun, 0, len(checks))
	for _, c := range checks {
		value, err := e.store.EvaluateCheck(ctx, c.QueryTemplate, ingestRunID)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", c.CheckName, err)
		}
		status := Classify(value, c.Operator, c.Threshold, c.Severity)
		if _, known := Holds(0, c.Operator, 0); !known {
			e.logger.Warn("dq check has unknown operator", "check", c.CheckName, "operator", c.Operator)
		}
		results = append(results, store.DQCheckRun{
			RunID:             ingestRunID,
			CheckName:         c.CheckName,
			CheckDefinitionID: c.CheckID,
			Status:            status,
			MetricValue:       value,
			Threshold:         c.Threshold,
			Operator:          c.Operator,
			Severity:          c.Severity,
			EvaluatedAt:       now,
		})
	}
	return results, nil
}

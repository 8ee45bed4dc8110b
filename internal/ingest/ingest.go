// Package ingest fetches readings for every monitored station and upserts
// them into the raw observation store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/ledger"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/jonboulle/clockwork"
)

// Provider fetches the hourly series for a location.
type Provider interface {
	Fetch(ctx context.Context, lat, lon float64) (domain.Forecast, error)
}

// RawStore is the persistence the ingestor needs.
type RawStore interface {
	IngestableStations(ctx context.Context) ([]store.Station, error)
	UpsertRaw(ctx context.Context, rows []store.RawObservation) (inserted, updated int64, err error)
}

// Result summarizes one ingest run.
type Result struct {
	RunID          string
	Stations       int
	FailedStations int
	Inserted       int64
	Updated        int64
}

// Ingestor runs the ingest job.
type Ingestor struct {
	store    RawStore
	provider Provider
	ledger   *ledger.Ledger
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates an Ingestor.
func New(s RawStore, p Provider, l *ledger.Ledger, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: s, provider: p, ledger: l, clock: clock, metrics: metrics, logger: logger}
}

// Run ingests every current, non-smoketest station with coordinates. Each
// station is fetched and committed on its own; failed stations are collected
// into the run's error text. The run fails only when every station failed or
// the station list cannot be loaded.
func (i *Ingestor) Run(ctx context.Context) (Result, error) {
	var res Result
	err := i.ledger.Scope(ctx, ledger.JobIngest, nil, func(ctx context.Context, run *ledger.Run) error {
		res.RunID = run.ID

		stations, err := i.store.IngestableStations(ctx)
		if err != nil {
			return err
		}
		res.Stations = len(stations)

		var errs []error
		for _, st := range stations {
			if err := ctx.Err(); err != nil {
				return err
			}
			ins, upd, err := i.ingestStation(ctx, run.ID, st)
			if err != nil {
				i.logger.Warn("station ingest failed", "run_id", run.ID, "station", st.ExternalID, "error", err)
				errs = append(errs, fmt.Errorf("station %s: %w", st.ExternalID, err))
				continue
			}
			run.Counters.Inserted += ins
			run.Counters.Updated += upd
		}

		res.FailedStations = len(errs)
		res.Inserted, res.Updated = run.Counters.Inserted, run.Counters.Updated
		if len(errs) == 0 {
			return nil
		}
		summary := fmt.Errorf("%d of %d stations failed: %w", len(errs), len(stations), errors.Join(errs...))
		if len(errs) == len(stations) {
			return summary
		}
		run.Note(summary.Error())
		return nil
	})
	return res, err
}

func (i *Ingestor) ingestStation(ctx context.Context, runID string, st store.Station) (int64, int64, error) {
	fc, err := i.provider.Fetch(ctx, *st.Lat, *st.Lon)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch: %w", err)
	}

	rows, err := BuildRows(st.ExternalID, fc, i.clock.Now().UTC(), runID)
	if err != nil {
		return 0, 0, err
	}

	ins, upd, err := i.store.UpsertRaw(ctx, rows)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert: %w", err)
	}
	i.metrics.RawRows.WithLabelValues("inserted").Add(float64(ins))
	i.metrics.RawRows.WithLabelValues("updated").Add(float64(upd))
	i.logger.Debug("station ingested", "run_id", runID, "station", st.ExternalID, "inserted", ins, "updated", upd)
	return ins, upd, nil
}

// Package storetest opens migrated, throwaway sqlite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/stretchr/testify/require"
)

// Open returns a migrated store backed by a sqlite file in t.TempDir(),
// seeded with the metric catalog. It is closed when the test ends.
func Open(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "obs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.SeedMetrics(ctx, domain.Catalog))
	return s
}

// AddStation registers a current station with coordinates and returns it.
func AddStation(t *testing.T, s *store.Store, externalID string, smoketest bool) store.Station {
	t.Helper()

	lat, lon := 52.37, 4.89
	st := store.Station{
		ExternalID:  externalID,
		Name:        "station " + externalID,
		Lat:         &lat,
		Lon:         &lon,
		IsSmoketest: smoketest,
	}
	require.NoError(t, s.PutStation(context.Background(), &st))
	return st
}

// MetricID resolves a catalog metric code to its id.
func MetricID(t *testing.T, s *store.Store, code string) int64 {
	t.Helper()

	metrics, err := s.Metrics(context.Background())
	require.NoError(t, err)
	for id, m := range metrics {
		if m.Code == code {
			return id
		}
	}
	t.Fatalf("metric %s not seeded", code)
	return 0
}

// AddFact writes a single fact row.
func AddFact(t *testing.T, s *store.Store, stationID, metricID int64, observedAt time.Time, value float64) {
	t.Helper()

	_, err := s.UpsertFacts(context.Background(), []store.FactObservation{{
		StationID:   stationID,
		MetricID:    metricID,
		ObservedAt:  observedAt,
		ValueNum:    value,
		Source:      "test",
		IngestedAt:  observedAt,
		IngestRunID: "seed",
	}})
	require.NoError(t, err)
}

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/couchcryptid/obs-pipeline/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var t0 = time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestMigrate_Idempotent(t *testing.T) {
	s := storetest.Open(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.SeedMetrics(context.Background(), domain.Catalog))

	metrics, err := s.Metrics(context.Background())
	require.NoError(t, err)
	assert.Len(t, metrics, len(domain.Catalog))
}

func TestPutStation_SupersedesPreviousVersion(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	first := storetest.AddStation(t, s, "ext-1", false)
	second := storetest.AddStation(t, s, "ext-1", false)
	assert.NotEqual(t, first.StationID, second.StationID)

	current, err := s.CurrentStation(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, second.StationID, current.StationID)

	var count int64
	require.NoError(t, s.DB().Model(&store.Station{}).Where("station_external_id = ?", "ext-1").Count(&count).Error)
	assert.Equal(t, int64(2), count, "superseded versions are kept")

	_, err = s.CurrentStation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActiveAndIngestableStations(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	prod := storetest.AddStation(t, s, "prod", false)
	storetest.AddStation(t, s, "smoke", true)
	noCoords := store.Station{ExternalID: "no-coords"}
	require.NoError(t, s.PutStation(ctx, &noCoords))

	active, err := s.ActiveStations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, prod.StationID, active[0].StationID)

	ingestable, err := s.IngestableStations(ctx)
	require.NoError(t, err)
	require.Len(t, ingestable, 1)
	assert.Equal(t, "prod", ingestable[0].ExternalID)
}

func rawRow(runID string, value float64) store.RawObservation {
	return store.RawObservation{
		Source:            "OpenMeteo",
		StationExternalID: "ext-1",
		ObservedAt:        t0,
		MetricCode:        domain.MetricAirTemp,
		ValueNum:          &value,
		Unit:              "degrees Celsius",
		SourcePayload:     datatypes.JSON(`{"value":1}`),
		IngestedAt:        t0.Add(time.Minute),
		IngestRunID:       runID,
	}
}

func TestUpsertRaw_InsertThenUpdate(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	ins, upd, err := s.UpsertRaw(ctx, []store.RawObservation{rawRow("run-1", 10)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ins)
	assert.Equal(t, int64(0), upd)

	ins, upd, err = s.UpsertRaw(ctx, []store.RawObservation{rawRow("run-2", 11)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ins)
	assert.Equal(t, int64(1), upd)

	rows, err := s.RawObservations(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 11.0, *rows[0].ValueNum, 0)
	assert.Equal(t, "run-2", rows[0].IngestRunID)
}

func TestRawForRun_MapsToCurrentStationAndMetric(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	st := storetest.AddStation(t, s, "ext-1", false)

	unmapped := rawRow("run-1", 3)
	unmapped.StationExternalID = "unknown"
	textOnly := rawRow("run-1", 0)
	textOnly.MetricCode = domain.MetricWindSpeed
	textOnly.ValueNum = nil
	textOnly.ValueText = ptr("calm")
	other := rawRow("other", 0)
	other.ObservedAt = t0.Add(time.Hour)

	_, _, err := s.UpsertRaw(ctx, []store.RawObservation{rawRow("run-1", 10), unmapped, textOnly, other})
	require.NoError(t, err)

	rows, err := s.RawForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, st.StationID, rows[0].StationID)
	assert.Equal(t, storetest.MetricID(t, s, domain.MetricAirTemp), rows[0].MetricID)
	assert.True(t, t0.Equal(rows[0].ObservedAt))
	assert.InDelta(t, 10.0, rows[0].ValueNum, 0)
}

func TestLatestReadingsAndReadingsSince(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	prod := storetest.AddStation(t, s, "prod", false)
	smoke := storetest.AddStation(t, s, "smoke", true)
	temp := storetest.MetricID(t, s, domain.MetricAirTemp)

	for i := range 3 {
		storetest.AddFact(t, s, prod.StationID, temp, t0.Add(time.Duration(i)*time.Hour), float64(i))
	}
	storetest.AddFact(t, s, smoke.StationID, temp, t0, 99)

	latest, err := s.LatestReadings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.InDelta(t, 2.0, latest[0].ValueNum, 0)
	assert.InDelta(t, 1.0, latest[1].ValueNum, 0)

	since, err := s.ReadingsSince(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.InDelta(t, 1.0, since[0].ValueNum, 0)
}

func TestInsertAnomalies_HourlyDedup(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	a := store.Anomaly{
		AnomalyType:  string(domain.AnomalySilentStation),
		StationID:    1,
		Severity:     string(domain.SeverityHigh),
		DetectedAt:   t0.Add(5 * time.Minute),
		DetectedHour: t0,
		Details:      datatypes.JSON(`{}`),
	}

	inserted, err := s.InsertAnomalies(ctx, []store.Anomaly{a})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.NotZero(t, inserted[0].AnomalyID)

	a.DetectedAt = t0.Add(40 * time.Minute)
	inserted, err = s.InsertAnomalies(ctx, []store.Anomaly{a})
	require.NoError(t, err)
	assert.Empty(t, inserted, "same key within the hour is suppressed even without a metric")

	a.DetectedHour = t0.Add(time.Hour)
	inserted, err = s.InsertAnomalies(ctx, []store.Anomaly{a})
	require.NoError(t, err)
	assert.Len(t, inserted, 1)

	all, err := s.Anomalies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func newIncident() *store.Incident {
	return &store.Incident{
		Status:      store.IncidentOpen,
		Severity:    string(domain.SeverityMedium),
		AnomalyType: string(domain.AnomalyStaleData),
		StationID:   1,
		MetricKey:   2,
		MetricID:    ptr(int64(2)),
		CreatedAt:   t0,
		LastSeenAt:  t0,
		Title:       "stale_data @ station 1 metric 2",
	}
}

func TestIncidentOpenKeyIsUnique(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	first := newIncident()
	require.NoError(t, s.CreateIncident(ctx, first))
	require.Error(t, s.CreateIncident(ctx, newIncident()), "second open incident for the same key")

	require.NoError(t, s.SetIncidentStatus(ctx, first.IncidentID, store.IncidentAcknowledged))
	require.Error(t, s.CreateIncident(ctx, newIncident()), "acknowledged incidents still hold the key")

	require.NoError(t, s.SetIncidentStatus(ctx, first.IncidentID, store.IncidentResolved))
	require.NoError(t, s.CreateIncident(ctx, newIncident()), "resolution frees the key")

	_, err := s.FindActiveIncident(ctx, string(domain.AnomalyStaleData), 1, 2)
	require.NoError(t, err)
}

func TestIncidentTouchAndLink(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	inc := newIncident()
	require.NoError(t, s.CreateIncident(ctx, inc))

	require.NoError(t, s.TouchIncident(ctx, inc.IncidentID, t0.Add(time.Hour)))
	require.NoError(t, s.TouchIncident(ctx, inc.IncidentID, t0.Add(30*time.Minute)))

	got, err := s.GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.True(t, t0.Add(time.Hour).Equal(got.LastSeenAt), "last_seen_at never moves backwards")

	require.NoError(t, s.LinkAnomaly(ctx, inc.IncidentID, 7, t0))
	require.NoError(t, s.LinkAnomaly(ctx, inc.IncidentID, 7, t0))
	links, err := s.IncidentLinks(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, links)

	assert.ErrorIs(t, s.SetIncidentStatus(ctx, 999, store.IncidentResolved), store.ErrNotFound)
	assert.Error(t, s.SetIncidentStatus(ctx, inc.IncidentID, "closed"))
}

func TestDQCheckEvaluation(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	_, _, err := s.UpsertRaw(ctx, []store.RawObservation{rawRow("run-1", 10)})
	require.NoError(t, err)

	v, err := s.EvaluateCheck(ctx, `SELECT COUNT(*) FROM raw_observations WHERE ingest_run_id = @run_id`, "run-1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.InDelta(t, 1.0, *v, 0)

	v, err = s.EvaluateCheck(ctx, `SELECT MAX(value_num) FROM raw_observations WHERE ingest_run_id = @run_id`, "nope")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = s.EvaluateCheck(ctx, `SELECT FROM nowhere`, "run-1")
	assert.Error(t, err)
}

func TestInsertDQCheckRuns_Idempotent(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	run := store.DQCheckRun{RunID: "run-1", CheckName: "c", CheckDefinitionID: 1, Status: store.CheckPass, EvaluatedAt: t0}
	n, err := s.InsertDQCheckRuns(ctx, []store.DQCheckRun{run})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	run.Status = store.CheckFail
	n, err = s.InsertDQCheckRuns(ctx, []store.DQCheckRun{run})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	runs, err := s.DQCheckRuns(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.CheckPass, runs[0].Status, "existing pairs are left untouched")
}

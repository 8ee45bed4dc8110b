package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

var rawKeyColumns = []clause.Column{
	{Name: "source"},
	{Name: "station_external_id"},
	{Name: "observed_at"},
	{Name: "metric_code"},
}

// UpsertRaw writes rows keyed by (source, station external id, observed_at,
// metric code) in one transaction. New keys count as inserted; existing keys
// have their value, provenance, ingestion time, and run overwritten and count
// as updated.
func (s *Store) UpsertRaw(ctx context.Context, rows []RawObservation) (inserted, updated int64, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	err = s.WithTx(ctx, func(tx *Store) error {
		for i := range rows {
			row := rows[i]
			res := tx.db.Clauses(clause.OnConflict{Columns: rawKeyColumns, DoNothing: true}).Create(&row)
			if res.Error != nil {
				return fmt.Errorf("insert raw observation: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				inserted++
				continue
			}

			res = tx.db.Model(&RawObservation{}).
				Where("source = ? AND station_external_id = ? AND observed_at = ? AND metric_code = ?",
					row.Source, row.StationExternalID, row.ObservedAt, row.MetricCode).
				Updates(map[string]any{
					"value_num":      row.ValueNum,
					"value_text":     row.ValueText,
					"unit":           row.Unit,
					"quality_flag":   row.QualityFlag,
					"source_payload": row.SourcePayload,
					"ingested_at":    row.IngestedAt,
					"ingest_run_id":  row.IngestRunID,
				})
			if res.Error != nil {
				return fmt.Errorf("update raw observation: %w", res.Error)
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

// RawForRun returns the raw numeric readings written by an ingest run, joined
// to the current station and to the metric catalog. Rows that cannot be
// mapped are left out.
func (s *Store) RawForRun(ctx context.Context, runID string) ([]MappedRaw, error) {
	var rows []MappedRaw
	err := s.db.WithContext(ctx).Raw(`
SELECT s.station_id, m.metric_id, r.observed_at, r.value_num, r.source, r.ingested_at
FROM raw_observations r
JOIN dim_station s ON s.station_external_id = r.station_external_id AND s.is_current = ?
JOIN dim_metric m ON m.metric_code = r.metric_code
WHERE r.ingest_run_id = ? AND r.value_num IS NOT NULL
ORDER BY s.station_id, m.metric_id, r.observed_at`, true, runID).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load raw rows for run %s: %w", runID, err)
	}
	return rows, nil
}

// MappedRaw is a raw reading resolved to internal station and metric ids.
type MappedRaw struct {
	StationID  int64
	MetricID   int64
	ObservedAt time.Time
	ValueNum   float64
	Source     string
	IngestedAt time.Time
}

// UpsertFacts writes facts keyed by (station, metric, observed_at), replacing
// value, provenance, and the late flag on conflict. Returns rows affected.
func (s *Store) UpsertFacts(ctx context.Context, facts []FactObservation) (int64, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "station_id"}, {Name: "metric_id"}, {Name: "observed_at"}},
			DoUpdates: clause.AssignmentColumns([]string{"value_num", "source", "ingested_at", "is_late", "ingest_run_id"}),
		}).
		CreateInBatches(&facts, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("upsert facts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Facts returns every fact row in key order.
func (s *Store) Facts(ctx context.Context) ([]FactObservation, error) {
	var facts []FactObservation
	err := s.db.WithContext(ctx).Order("station_id, metric_id, observed_at").Find(&facts).Error
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	return facts, nil
}

// RawObservations returns every raw row in key order.
func (s *Store) RawObservations(ctx context.Context) ([]RawObservation, error) {
	var rows []RawObservation
	err := s.db.WithContext(ctx).Order("station_external_id, metric_code, observed_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list raw observations: %w", err)
	}
	return rows, nil
}

// LatestReadings returns up to depth most recent facts per (station, metric)
// for active stations, ordered by station, metric, and observed_at descending.
func (s *Store) LatestReadings(ctx context.Context, depth int) ([]FactObservation, error) {
	var facts []FactObservation
	err := s.db.WithContext(ctx).Raw(`
SELECT f.* FROM fact_observation f
WHERE f.station_id IN (`+activeStationIDs+`)
  AND (SELECT COUNT(*) FROM fact_observation g
       WHERE g.station_id = f.station_id AND g.metric_id = f.metric_id
         AND g.observed_at > f.observed_at) < ?
ORDER BY f.station_id, f.metric_id, f.observed_at DESC`, true, false, depth).
		Scan(&facts).Error
	if err != nil {
		return nil, fmt.Errorf("load latest readings: %w", err)
	}
	return facts, nil
}

// ReadingsSince returns facts for active stations observed at or after since,
// ordered by station, metric, and observed_at.
func (s *Store) ReadingsSince(ctx context.Context, since time.Time) ([]FactObservation, error) {
	var facts []FactObservation
	err := s.db.WithContext(ctx).
		Where("station_id IN ("+activeStationIDs+") AND observed_at >= ?", true, false, normalizeTime(since)).
		Order("station_id, metric_id, observed_at").
		Find(&facts).Error
	if err != nil {
		return nil, fmt.Errorf("load readings since %s: %w", since.Format(time.RFC3339), err)
	}
	return facts, nil
}

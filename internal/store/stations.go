package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// activeStationIDs selects current, production station ids.
const activeStationIDs = `SELECT station_id FROM dim_station WHERE is_current = ? AND is_smoketest = ?`

// ActiveStations returns current, non-smoketest stations ordered by id.
func (s *Store) ActiveStations(ctx context.Context) ([]Station, error) {
	var stations []Station
	err := s.db.WithContext(ctx).
		Where("is_current = ? AND is_smoketest = ?", true, false).
		Order("station_id").
		Find(&stations).Error
	if err != nil {
		return nil, fmt.Errorf("list active stations: %w", err)
	}
	return stations, nil
}

// IngestableStations returns active stations that have coordinates.
func (s *Store) IngestableStations(ctx context.Context) ([]Station, error) {
	var stations []Station
	err := s.db.WithContext(ctx).
		Where("is_current = ? AND is_smoketest = ? AND lat IS NOT NULL AND lon IS NOT NULL", true, false).
		Order("station_id").
		Find(&stations).Error
	if err != nil {
		return nil, fmt.Errorf("list ingestable stations: %w", err)
	}
	return stations, nil
}

// PutStation registers a new current version of a station. Any existing
// current version with the same external id is marked not current, never deleted.
func (s *Store) PutStation(ctx context.Context, st *Station) error {
	return s.WithTx(ctx, func(tx *Store) error {
		err := tx.db.Model(&Station{}).
			Where("station_external_id = ? AND is_current = ?", st.ExternalID, true).
			Update("is_current", false).Error
		if err != nil {
			return fmt.Errorf("supersede station %s: %w", st.ExternalID, err)
		}
		st.StationID = 0
		st.IsCurrent = true
		if err := tx.db.Create(st).Error; err != nil {
			return fmt.Errorf("create station %s: %w", st.ExternalID, err)
		}
		return nil
	})
}

// CurrentStation returns the current version of a station by external id.
func (s *Store) CurrentStation(ctx context.Context, externalID string) (*Station, error) {
	var st Station
	err := s.db.WithContext(ctx).
		Where("station_external_id = ? AND is_current = ?", externalID, true).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get station %s: %w", externalID, err)
	}
	return &st, nil
}

// SeedMetrics inserts the catalog metrics that are not present yet.
func (s *Store) SeedMetrics(ctx context.Context, catalog []domain.MetricSpec) error {
	if len(catalog) == 0 {
		return nil
	}
	metrics := make([]Metric, len(catalog))
	for i, m := range catalog {
		metrics[i] = Metric{Code: m.Code, Unit: m.Unit, Kind: string(m.Kind)}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "metric_code"}}, DoNothing: true}).
		Create(&metrics).Error
	if err != nil {
		return fmt.Errorf("seed metrics: %w", err)
	}
	return nil
}

// Metrics returns every metric keyed by id.
func (s *Store) Metrics(ctx context.Context) (map[int64]Metric, error) {
	var metrics []Metric
	if err := s.db.WithContext(ctx).Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	byID := make(map[int64]Metric, len(metrics))
	for _, m := range metrics {
		byID[m.MetricID] = m
	}
	return byID, nil
}

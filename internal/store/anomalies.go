package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var anomalyDedupColumns = []clause.Column{
	{Name: "anomaly_type"},
	{Name: "station_id"},
	{Name: "metric_key"},
	{Name: "detected_hour"},
}

// InsertAnomalies writes anomalies in one transaction, silently skipping any
// whose (type, station, metric, detected hour) key already exists. Only the
// newly inserted rows are returned, with their ids populated.
func (s *Store) InsertAnomalies(ctx context.Context, rows []Anomaly) ([]Anomaly, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	var inserted []Anomaly
	err := s.WithTx(ctx, func(tx *Store) error {
		for i := range rows {
			a := rows[i]
			res := tx.db.Clauses(clause.OnConflict{Columns: anomalyDedupColumns, DoNothing: true}).Create(&a)
			if res.Error != nil {
				return fmt.Errorf("insert anomaly %s station %d: %w", a.AnomalyType, a.StationID, res.Error)
			}
			if res.RowsAffected == 1 {
				inserted = append(inserted, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// Anomalies returns every anomaly ordered by id.
func (s *Store) Anomalies(ctx context.Context) ([]Anomaly, error) {
	var rows []Anomaly
	if err := s.db.WithContext(ctx).Order("anomaly_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return rows, nil
}

// FindActiveIncident returns the open or acknowledged incident for a key.
func (s *Store) FindActiveIncident(ctx context.Context, anomalyType string, stationID, metricKey int64) (*Incident, error) {
	var inc Incident
	err := s.db.WithContext(ctx).
		Where("anomaly_type = ? AND station_id = ? AND metric_key = ? AND status IN ?",
			anomalyType, stationID, metricKey, []string{IncidentOpen, IncidentAcknowledged}).
		Order("created_at DESC").
		First(&inc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active incident: %w", err)
	}
	return &inc, nil
}

// CreateIncident inserts a new incident. A concurrent open incident for the
// same key makes this fail with a unique violation.
func (s *Store) CreateIncident(ctx context.Context, inc *Incident) error {
	if err := s.db.WithContext(ctx).Create(inc).Error; err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// TouchIncident advances last_seen_at. It never moves the timestamp backwards.
func (s *Store) TouchIncident(ctx context.Context, incidentID int64, seenAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&Incident{}).
		Where("incident_id = ? AND last_seen_at < ?", incidentID, normalizeTime(seenAt)).
		Update("last_seen_at", normalizeTime(seenAt)).Error
	if err != nil {
		return fmt.Errorf("touch incident %d: %w", incidentID, err)
	}
	return nil
}

// LinkAnomaly records that an anomaly fed an incident. Repeated links are no-ops.
func (s *Store) LinkAnomaly(ctx context.Context, incidentID, anomalyID int64, linkedAt time.Time) error {
	link := IncidentAnomalyLink{IncidentID: incidentID, AnomalyID: anomalyID, LinkedAt: normalizeTime(linkedAt)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("link anomaly %d to incident %d: %w", anomalyID, incidentID, err)
	}
	return nil
}

// SetIncidentStatus applies an operator transition (acknowledge or resolve).
func (s *Store) SetIncidentStatus(ctx context.Context, incidentID int64, status string) error {
	switch status {
	case IncidentOpen, IncidentAcknowledged, IncidentResolved:
	default:
		return fmt.Errorf("invalid incident status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&Incident{}).
		Where("incident_id = ?", incidentID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set incident %d status: %w", incidentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIncident returns an incident by id.
func (s *Store) GetIncident(ctx context.Context, incidentID int64) (*Incident, error) {
	var inc Incident
	err := s.db.WithContext(ctx).First(&inc, "incident_id = ?", incidentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %d: %w", incidentID, err)
	}
	return &inc, nil
}

// Incidents returns every incident ordered by id.
func (s *Store) Incidents(ctx context.Context) ([]Incident, error) {
	var rows []Incident
	if err := s.db.WithContext(ctx).Order("incident_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return rows, nil
}

// IncidentLinks returns the anomaly ids linked to an incident.
func (s *Store) IncidentLinks(ctx context.Context, incidentID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&IncidentAnomalyLink{}).
		Where("incident_id = ?", incidentID).
		Order("anomaly_id").
		Pluck("anomaly_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list links for incident %d: %w", incidentID, err)
	}
	return ids, nil
}

package anomaly

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
)

// Correlate folds newly recorded anomalies into incidents. Each anomaly either
// refreshes the open or acknowledged incident sharing its (type, station,
// metric) key or opens a new one, and is then linked to it.
//
// Creation relies on the store's open-key unique index: when a concurrent
// caller wins the insert, the failed attempt is rolled back to a savepoint and
// the winner is reused.
func Correlate(ctx context.Context, s *store.Store, anomalies []store.Anomaly) ([]domain.IncidentEvent, error) {
	events := make([]domain.IncidentEvent, 0, len(anomalies))
	for _, a := range anomalies {
		ev, err := correlateOne(ctx, s, a)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func correlateOne(ctx context.Context, s *store.Store, a store.Anomaly) (domain.IncidentEvent, error) {
	action := domain.IncidentTouched
	inc, err := s.FindActiveIncident(ctx, a.AnomalyType, a.StationID, a.MetricKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		inc = newIncident(a)
		cerr := s.WithTx(ctx, func(sp *store.Store) error {
			return sp.CreateIncident(ctx, inc)
		})
		if cerr == nil {
			action = domain.IncidentOpened
			break
		}
		winner, ferr := s.FindActiveIncident(ctx, a.AnomalyType, a.StationID, a.MetricKey)
		if ferr != nil {
			return domain.IncidentEvent{}, errors.Join(cerr, ferr)
		}
		inc = winner
		if err := touch(ctx, s, inc, a); err != nil {
			return domain.IncidentEvent{}, err
		}
	case err != nil:
		return domain.IncidentEvent{}, err
	default:
		if err := touch(ctx, s, inc, a); err != nil {
			return domain.IncidentEvent{}, err
		}
	}

	if err := s.LinkAnomaly(ctx, inc.IncidentID, a.AnomalyID, a.DetectedAt); err != nil {
		return domain.IncidentEvent{}, err
	}
	return eventFor(action, inc, a), nil
}

func touch(ctx context.Context, s *store.Store, inc *store.Incident, a store.Anomaly) error {
	if err := s.TouchIncident(ctx, inc.IncidentID, a.DetectedAt); err != nil {
		return fmt.Errorf("refresh incident for anomaly %d: %w", a.AnomalyID, err)
	}
	if a.DetectedAt.After(inc.LastSeenAt) {
		inc.LastSeenAt = a.DetectedAt
	}
	return nil
}

func newIncident(a store.Anomaly) *store.Incident {
	return &store.Incident{
		Status:      store.IncidentOpen,
		Severity:    a.Severity,
		AnomalyType: a.AnomalyType,
		StationID:   a.StationID,
		MetricKey:   a.MetricKey,
		MetricID:    a.MetricID,
		CreatedAt:   a.DetectedAt,
		LastSeenAt:  a.DetectedAt,
		Title:       domain.IncidentTitle(domain.AnomalyType(a.AnomalyType), a.StationID, a.MetricID),
		Details:     a.Details,
	}
}

func eventFor(action string, inc *store.Incident, a store.Anomaly) domain.IncidentEvent {
	return domain.IncidentEvent{
		Action:      action,
		IncidentID:  inc.IncidentID,
		AnomalyID:   a.AnomalyID,
		Status:      inc.Status,
		Severity:    inc.Severity,
		AnomalyType: domain.AnomalyType(inc.AnomalyType),
		StationID:   inc.StationID,
		MetricID:    inc.MetricID,
		Title:       inc.Title,
		CreatedAt:   inc.CreatedAt,
		LastSeenAt:  inc.LastSeenAt,
	}
}

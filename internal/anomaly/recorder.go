// Package anomaly persists detector findings and folds them into incidents.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"gorm.io/datatypes"
)

// Recorded is the outcome of recording one detector's candidates.
type Recorded struct {
	Detected int64
	Inserted []store.Anomaly
}

// Deduped is the number of candidates suppressed by the hourly key.
func (r Recorded) Deduped() int64 {
	return r.Detected - int64(len(r.Inserted))
}

// Record persists candidates detected at detectedAt. Candidates colliding on
// (type, station, metric, detected hour) are dropped without updating the
// stored row; only new rows are returned.
func Record(ctx context.Context, s *store.Store, runID string, detectedAt time.Time, cands iter.Seq[domain.Candidate]) (Recorded, error) {
	var (
		res  Recorded
		rows []store.Anomaly
	)
	for c := range cands {
		res.Detected++
		details, err := json.Marshal(c.Details)
		if err != nil {
			return res, fmt.Errorf("encode %s details for station %d: %w", c.Type, c.StationID, err)
		}
		rows = append(rows, store.Anomaly{
			AnomalyType:  string(c.Type),
			StationID:    c.StationID,
			MetricKey:    c.MetricKey(),
			DetectedHour: domain.HourBucket(detectedAt),
			MetricID:     c.MetricID,
			Severity:     string(c.Severity),
			Details:      datatypes.JSON(details),
			DetectedAt:   detectedAt,
			RunID:        runID,
		})
	}

	inserted, err := s.InsertAnomalies(ctx, rows)
	if err != nil {
		return res, err
	}
	res.Inserted = inserted
	return res, nil
}

package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"gorm.io/datatypes"
)

// SourceOpenMeteo tags raw rows fetched from Open-Meteo.
const SourceOpenMeteo = "OpenMeteo"

// payload is the per-row provenance slice stored with each raw observation.
type payload struct {
	Provider          string  `json:"provider"`
	StationExternalID string  `json:"station_external_id"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	ObservedAt        string  `json:"observed_at"`
	Field             string  `json:"field"`
	MetricCode        string  `json:"metric_code"`
	Unit              string  `json:"unit"`
	Value             float64 `json:"value"`
}

// BuildRows turns one forecast into raw observation candidates for the
// representative hour: one row per catalog metric present and non-null there.
func BuildRows(stationExternalID string, fc domain.Forecast, now time.Time, runID string) ([]store.RawObservation, error) {
	i := domain.PickHourIndex(fc.Times, now)
	if i < 0 {
		return nil, nil
	}
	observedAt := fc.Times[i]

	rows := make([]store.RawObservation, 0, len(domain.Catalog))
	for _, spec := range domain.Catalog {
		series := fc.Values[spec.Field]
		if i >= len(series) || series[i] == nil {
			continue
		}
		v := *series[i]

		unit := spec.Unit
		if u := fc.Units[spec.Field]; u != "" {
			unit = u
		}
		body, err := json.Marshal(payload{
			Provider:          SourceOpenMeteo,
			StationExternalID: stationExternalID,
			Latitude:          fc.Latitude,
			Longitude:         fc.Longitude,
			ObservedAt:        observedAt.Format("2006-01-02T15:04"),
			Field:             spec.Field,
			MetricCode:        spec.Code,
			Unit:              unit,
			Value:             v,
		})
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s: %w", spec.Field, err)
		}

		row := store.RawObservation{
			Source:            SourceOpenMeteo,
			StationExternalID: stationExternalID,
			ObservedAt:        observedAt,
			MetricCode:        spec.Code,
			Unit:              spec.Unit,
			SourcePayload:     datatypes.JSON(body),
			IngestedAt:        now,
			IngestRunID:       runID,
		}
		if spec.Kind == domain.KindNumeric {
			row.ValueNum = &v
		} else {
			text := fmt.Sprintf("%g", v)
			row.ValueText = &text
		}
		rows = append(rows, row)
	}
	return rows, nil
}

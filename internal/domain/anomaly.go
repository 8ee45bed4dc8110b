package domain

import "fmt"

// AnomalyType names a detector rule.
type AnomalyType string

const (
	AnomalySilentStation AnomalyType = "silent_station"
	AnomalyStaleData     AnomalyType = "stale_data"
	AnomalySpike         AnomalyType = "spike"
	AnomalyDrop          AnomalyType = "drop"
	AnomalyFlatline      AnomalyType = "flatline"
)

// Severity levels shared by anomalies, incidents, and DQ checks.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Candidate is a detector finding that has not been persisted yet.
type Candidate struct {
	Type      AnomalyType
	StationID int64
	MetricID  *int64 // nil for station-level findings
	Severity  Severity
	Details   map[string]any
}

// MetricKey returns the metric id, or 0 when the candidate has no metric.
func (c Candidate) MetricKey() int64 {
	return MetricKey(c.MetricID)
}

// MetricKey collapses an optional metric id into a non-null key column value.
func MetricKey(metricID *int64) int64 {
	if metricID == nil {
		return 0
	}
	return *metricID
}

// IncidentTitle renders the human title of a new incident.
func IncidentTitle(t AnomalyType, stationID int64, metricID *int64) string {
	metric := "none"
	if metricID != nil {
		metric = fmt.Sprintf("%d", *metricID)
	}
	return fmt.Sprintf("%s @ station %d metric %s", t, stationID, metric)
}

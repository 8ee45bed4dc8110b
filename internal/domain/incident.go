package domain

import "time"

// Incident actions emitted by correlation.
const (
	IncidentOpened  = "opened"
	IncidentTouched = "touched"
)

// IncidentEvent describes one correlation outcome: a new incident or a new
// anomaly folded into an existing one.
type IncidentEvent struct {
	Action      string      `json:"action"`
	IncidentID  int64       `json:"incident_id"`
	AnomalyID   int64       `json:"anomaly_id"`
	Status      string      `json:"status"`
	Severity    string      `json:"severity"`
	AnomalyType AnomalyType `json:"anomaly_type"`
	StationID   int64       `json:"station_id"`
	MetricID    *int64      `json:"metric_id"`
	Title       string      `json:"title"`
	CreatedAt   time.Time   `json:"created_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// Key identifies the incident's correlation key, used for message partitioning.
func (e IncidentEvent) Key() string {
	return IncidentTitle(e.AnomalyType, e.StationID, e.MetricID)
}

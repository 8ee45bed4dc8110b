package store

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Run and check statuses.
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"

	CheckPass = "pass"
	CheckWarn = "warn"
	CheckFail = "fail"
)

// Station is a monitored location. Superseded versions are kept with IsCurrent=false.
type Station struct {
	StationID   int64    `gorm:"primaryKey;autoIncrement;column:station_id"`
	ExternalID  string   `gorm:"column:station_external_id;not null;index:idx_station_external"`
	Name        string   `gorm:"column:station_name"`
	Lat         *float64 `gorm:"column:lat"`
	Lon         *float64 `gorm:"column:lon"`
	IsCurrent   bool     `gorm:"column:is_current;not null;index:idx_station_external"`
	IsSmoketest bool     `gorm:"column:is_smoketest;not null"`
	CreatedAt   time.Time
}

func (Station) TableName() string { return "dim_station" }

// HasCoordinates reports whether the station can be queried by location.
func (s Station) HasCoordinates() bool { return s.Lat != nil && s.Lon != nil }

// Metric is static reference data for a canonical measured quantity.
type Metric struct {
	MetricID int64  `gorm:"primaryKey;autoIncrement;column:metric_id"`
	Code     string `gorm:"column:metric_code;not null;uniqueIndex"`
	Unit     string `gorm:"column:unit;not null"`
	Kind     string `gorm:"column:value_kind;not null"`
}

func (Metric) TableName() string { return "dim_metric" }

// RawObservation is one fetched reading as delivered by the provider.
type RawObservation struct {
	ID                int64          `gorm:"primaryKey;autoIncrement;column:raw_id"`
	Source            string         `gorm:"column:source;not null;uniqueIndex:uq_raw_observation_key"`
	StationExternalID string         `gorm:"column:station_external_id;not null;uniqueIndex:uq_raw_observation_key"`
	ObservedAt        time.Time      `gorm:"column:observed_at;not null;uniqueIndex:uq_raw_observation_key"`
	MetricCode        string         `gorm:"column:metric_code;not null;uniqueIndex:uq_raw_observation_key"`
	ValueNum          *float64       `gorm:"column:value_num"`
	ValueText         *string        `gorm:"column:value_text"`
	Unit              string         `gorm:"column:unit"`
	QualityFlag       *string        `gorm:"column:quality_flag"`
	SourcePayload     datatypes.JSON `gorm:"column:source_payload"`
	IngestedAt        time.Time      `gorm:"column:ingested_at;not null"`
	IngestRunID       string         `gorm:"column:ingest_run_id;not null;index"`
}

func (RawObservation) TableName() string { return "raw_observations" }

func (r *RawObservation) BeforeSave(*gorm.DB) error {
	r.ObservedAt = normalizeTime(r.ObservedAt)
	r.IngestedAt = normalizeTime(r.IngestedAt)
	return nil
}

// FactObservation is the canonical reading for one station, metric, and timestamp.
type FactObservation struct {
	ID          int64     `gorm:"primaryKey;autoIncrement;column:fact_id"`
	StationID   int64     `gorm:"column:station_id;not null;uniqueIndex:uq_fact_key"`
	MetricID    int64     `gorm:"column:metric_id;not null;uniqueIndex:uq_fact_key"`
	ObservedAt  time.Time `gorm:"column:observed_at;not null;uniqueIndex:uq_fact_key"`
	ValueNum    float64   `gorm:"column:value_num;not null"`
	Source      string    `gorm:"column:source;not null"`
	IngestedAt  time.Time `gorm:"column:ingested_at;not null"`
	IsLate      bool      `gorm:"column:is_late;not null"`
	IngestRunID string    `gorm:"column:ingest_run_id;not null;index"`
}

func (FactObservation) TableName() string { return "fact_observation" }

func (f *FactObservation) BeforeSave(*gorm.DB) error {
	f.ObservedAt = normalizeTime(f.ObservedAt)
	f.IngestedAt = normalizeTime(f.IngestedAt)
	return nil
}

// JobRun is one pipeline invocation in the ledger.
type JobRun struct {
	RunID        string     `gorm:"primaryKey;column:run_id"`
	JobName      string     `gorm:"column:job_name;not null;index:idx_job_run_name_status"`
	Status       string     `gorm:"column:status;not null;index:idx_job_run_name_status"`
	ParentRunID  *string    `gorm:"column:parent_run_id;index"`
	StartedAt    time.Time  `gorm:"column:started_at;not null"`
	EndedAt      *time.Time `gorm:"column:ended_at"`
	RowsInserted int64      `gorm:"column:rows_inserted;not null;default:0"`
	RowsUpdated  int64      `gorm:"column:rows_updated;not null;default:0"`
	RowsDeduped  int64      `gorm:"column:rows_deduped;not null;default:0"`
	ErrorMessage *string    `gorm:"column:error_message"`
}

func (JobRun) TableName() string { return "ops_job_run" }

// IsTerminal reports whether the run has left the started state.
func (r *JobRun) IsTerminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// DetectorRun is one detector execution inside an anomaly detection job run.
type DetectorRun struct {
	DetectorRunID string     `gorm:"primaryKey;column:detector_run_id"`
	RunID         string     `gorm:"column:run_id;not null;index"`
	DetectorName  string     `gorm:"column:detector_name;not null"`
	Status        string     `gorm:"column:status;not null"`
	StartedAt     time.Time  `gorm:"column:started_at;not null"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
	DurationMS    int64      `gorm:"column:duration_ms;not null;default:0"`
	RowsDetected  int64      `gorm:"column:rows_detected;not null;default:0"`
	RowsInserted  int64      `gorm:"column:rows_inserted;not null;default:0"`
	ErrorMessage  *string    `gorm:"column:error_message"`
}

func (DetectorRun) TableName() string { return "ops_anomaly_detector_run" }

// Anomaly is a persisted detection. MetricKey is 0 for station-level anomalies.
type Anomaly struct {
	AnomalyID    int64          `gorm:"primaryKey;autoIncrement;column:anomaly_id"`
	AnomalyType  string         `gorm:"column:anomaly_type;not null;uniqueIndex:uq_ops_anomaly_dedup"`
	StationID    int64          `gorm:"column:station_id;not null;uniqueIndex:uq_ops_anomaly_dedup"`
	MetricKey    int64          `gorm:"column:metric_key;not null;uniqueIndex:uq_ops_anomaly_dedup"`
	DetectedHour time.Time      `gorm:"column:detected_hour;not null;uniqueIndex:uq_ops_anomaly_dedup"`
	MetricID     *int64         `gorm:"column:metric_id"`
	Severity     string         `gorm:"column:severity;not null"`
	Details      datatypes.JSON `gorm:"column:details"`
	DetectedAt   time.Time      `gorm:"column:detected_at;not null"`
	RunID        string         `gorm:"column:run_id;index"`
}

func (Anomaly) TableName() string { return "ops_anomaly" }

func (a *Anomaly) BeforeSave(*gorm.DB) error {
	a.DetectedAt = normalizeTime(a.DetectedAt)
	a.DetectedHour = normalizeTime(a.DetectedHour)
	return nil
}

// Incident groups anomalies sharing (type, station, metric).
// At most one open or acknowledged incident exists per key; see uqIncidentOpenKeyDDL.
type Incident struct {
	IncidentID  int64          `gorm:"primaryKey;autoIncrement;column:incident_id"`
	Status      string         `gorm:"column:status;not null;index"`
	Severity    string         `gorm:"column:severity;not null"`
	AnomalyType string         `gorm:"column:anomaly_type;not null"`
	StationID   int64          `gorm:"column:station_id;not null"`
	MetricKey   int64          `gorm:"column:metric_key;not null"`
	MetricID    *int64         `gorm:"column:metric_id"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
	LastSeenAt  time.Time      `gorm:"column:last_seen_at;not null"`
	Title       string         `gorm:"column:title;not null"`
	Details     datatypes.JSON `gorm:"column:details"`
}

func (Incident) TableName() string { return "ops_incident" }

func (i *Incident) BeforeSave(*gorm.DB) error {
	i.CreatedAt = normalizeTime(i.CreatedAt)
	i.LastSeenAt = normalizeTime(i.LastSeenAt)
	return nil
}

// IncidentAnomalyLink records which anomaly fed which incident.
type IncidentAnomalyLink struct {
	IncidentID int64     `gorm:"primaryKey;autoIncrement:false;column:incident_id"`
	AnomalyID  int64     `gorm:"primaryKey;autoIncrement:false;column:anomaly_id"`
	LinkedAt   time.Time `gorm:"column:linked_at;not null"`
}

func (IncidentAnomalyLink) TableName() string { return "ops_incident_anomaly" }

// DQCheckDefinition is a catalog entry evaluated against every eligible ingest run.
// QueryTemplate must return a single numeric column and may reference @run_id.
type DQCheckDefinition struct {
	CheckID       int64   `gorm:"primaryKey;autoIncrement;column:check_id"`
	CheckName     string  `gorm:"column:check_name;not null;uniqueIndex"`
	Description   string  `gorm:"column:description"`
	QueryTemplate string  `gorm:"column:check_sql_template;not null"`
	Operator      string  `gorm:"column:threshold_operator;not null"`
	Threshold     float64 `gorm:"column:threshold_value;not null"`
	Severity      string  `gorm:"column:severity;not null"`
	IsActive      bool    `gorm:"column:is_active;not null"`
}

func (DQCheckDefinition) TableName() string { return "ops_dq_check_definition" }

// DQCheckRun is one evaluation of a check against one ingest run.
type DQCheckRun struct {
	ID                int64     `gorm:"primaryKey;autoIncrement;column:dq_run_id"`
	RunID             string    `gorm:"column:run_id;not null;uniqueIndex:uq_dq_run_check"`
	CheckName         string    `gorm:"column:check_name;not null;uniqueIndex:uq_dq_run_check"`
	CheckDefinitionID int64     `gorm:"column:check_id;not null"`
	Status            string    `gorm:"column:status;not null"`
	MetricValue       *float64  `gorm:"column:metric_value"`
	Threshold         float64   `gorm:"column:threshold"`
	Operator          string    `gorm:"column:threshold_operator"`
	Severity          string    `gorm:"column:severity"`
	EvaluatedAt       time.Time `gorm:"column:evaluated_at;not null"`
}

func (DQCheckRun) TableName() string { return "ops_dq_check_run" }

func (r *DQCheckRun) BeforeSave(*gorm.DB) error {
	r.EvaluatedAt = normalizeTime(r.EvaluatedAt)
	return nil
}

// Models lists every table managed by Migrate, in dependency order.
func Models() []any {
	return []any{
		&Station{},
		&Metric{},
		&RawObservation{},
		&FactObservation{},
		&JobRun{},
		&DetectorRun{},
		&Anomaly{},
		&Incident{},
		&IncidentAnomalyLink{},
		&DQCheckDefinition{},
		&DQCheckRun{},
	}
}

// normalizeTime stores instants in UTC at microsecond precision so values
// round-trip identically through every supported driver.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

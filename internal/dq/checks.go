// Package dq evaluates the data-quality check catalog against ingest runs.
package dq

import (
	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
)

// Comparison operators accepted in check definitions.
const (
	OpLE = "<="
	OpGE = ">="
	OpEQ = "="
	OpLT = "<"
	OpGT = ">"
)

// Check templates take the ingest run id as @run_id and return one numeric column.
const (
	rawRowsPresentSQL = `SELECT COUNT(*) FROM raw_observations WHERE ingest_run_id = @run_id`

	rawNullValueRowsSQL = `SELECT COUNT(*) FROM raw_observations
WHERE ingest_run_id = @run_id AND value_num IS NULL AND value_text IS NULL`

	unmappedRawRowsSQL = `SELECT COUNT(*) FROM raw_observations r
WHERE r.ingest_run_id = @run_id
  AND (NOT EXISTS (SELECT 1 FROM dim_station s
                   WHERE s.station_external_id = r.station_external_id AND s.is_current = TRUE)
       OR NOT EXISTS (SELECT 1 FROM dim_metric m WHERE m.metric_code = r.metric_code))`

	lateFactRowsSQL = `SELECT COUNT(*) FROM fact_observation WHERE ingest_run_id = @run_id AND is_late = TRUE`

	factCoverageGapSQL = `SELECT COUNT(*) FROM raw_observations r
JOIN dim_station s ON s.station_external_id = r.station_external_id AND s.is_current = TRUE
JOIN dim_metric m ON m.metric_code = r.metric_code
WHERE r.ingest_run_id = @run_id AND r.value_num IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM fact_observation f
                  WHERE f.station_id = s.station_id AND f.metric_id = m.metric_id
                    AND f.observed_at = r.observed_at)`
)

// DefaultChecks is the catalog seeded by migrate.
func DefaultChecks() []store.DQCheckDefinition {
	return []store.DQCheckDefinition{
		{
			CheckName:     "raw_rows_present",
			Description:   "The ingest run wrote at least one raw row.",
			QueryTemplate: rawRowsPresentSQL,
			Operator:      OpGE,
			Threshold:     1,
			Severity:      string(domain.SeverityCritical),
			IsActive:      true,
		},
		{
			CheckName:     "raw_null_value_rows",
			Description:   "Raw rows carrying neither a numeric nor a text value.",
			QueryTemplate: rawNullValueRowsSQL,
			Operator:      OpLE,
			Threshold:     0,
			Severity:      string(domain.SeverityWarning),
			IsActive:      true,
		},
		{
			CheckName:     "unmapped_raw_rows",
			Description:   "Raw rows with no current station or no catalog metric.",
			QueryTemplate: unmappedRawRowsSQL,
			Operator:      OpLE,
			Threshold:     0,
			Severity:      string(domain.SeverityWarning),
			IsActive:      true,
		},
		{
			CheckName:     "late_fact_rows",
			Description:   "Facts from the run that arrived more than a day after observation.",
			QueryTemplate: lateFactRowsSQL,
			Operator:      OpLE,
			Threshold:     0,
			Severity:      string(domain.SeverityWarning),
			IsActive:      true,
		},
		{
			CheckName:     "fact_coverage_gap",
			Description:   "Mappable numeric raw rows with no matching fact.",
			QueryTemplate: factCoverageGapSQL,
			Operator:      OpLE,
			Threshold:     0,
			Severity:      string(domain.SeverityCritical),
			IsActive:      true,
		},
	}
}

// Holds reports whether value op threshold is true. ok is false for an
// unknown operator.
func Holds(value float64, op string, threshold float64) (holds, ok bool) {
	switch op {
	case OpLE:
		return value <= threshold, true
	case OpGE:
		return value >= threshold, true
	case OpEQ:
		return value == threshold, true
	case OpLT:
		return value < threshold, true
	case OpGT:
		return value > threshold, true
	default:
		return false, false
	}
}

// Classify maps an evaluated value onto a check status. A missing value or an
// unknown operator never passes.
func Classify(value *float64, op string, threshold float64, severity string) string {
	if value != nil {
		if holds, _ := Holds(*value, op, threshold); holds {
			return store.CheckPass
		}
	}
	if severity == string(domain.SeverityCritical) {
		return store.CheckFail
	}
	return store.CheckWarn
}

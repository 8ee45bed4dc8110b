// Package domain models hourly station weather observations and the
// operational records derived from them.
//
// # Data Source
//
// Readings come from the Open-Meteo forecast API, one request per monitored
// station. The API returns an "hourly" object holding a "time" array plus one
// parallel value array per requested field. A single representative sample is
// chosen per fetch: the first hour at or after the current time, or the last
// hour when every sample is already in the past. See [PickHourIndex].
//
// # Metric Catalog
//
// Provider field names are mapped onto canonical metric codes so that the
// fact series, detector thresholds, and DQ checks never depend on upstream
// naming:
//
//	temperature_2m        → air_temp_c    degrees Celsius
//	relative_humidity_2m  → rel_hum_pct   percent
//	surface_pressure      → press_hpa     hectopascals
//	wind_speed_10m        → wind_spd_ms   metres per second
//	wind_direction_10m    → wind_dir_deg  degrees
//	wind_gusts_10m        → wind_gust_ms  metres per second
//	precipitation         → precip_mm     millimetres
//	weather_code          → weather_code  WMO code (dimensionless)
//
// # Anomalies and Incidents
//
// Detectors emit [Candidate] values. A candidate is keyed for deduplication by
// (type, station, metric, detection hour); see [HourBucket]. Anomalies that
// survive deduplication are folded into incidents keyed by (type, station,
// metric). A missing metric is represented by a zero [MetricKey] so that
// station-level anomalies still collide on their key.
//
// # Late Data
//
// An observation is late when it was ingested more than [DefaultLateAfter]
// after the time it was observed. See [IsLate].
package domain

package domain

import "time"

// Canonical metric codes.
const (
	MetricAirTemp       = "air_temp_c"
	MetricRelHumidity   = "rel_hum_pct"
	MetricPressure      = "press_hpa"
	MetricWindSpeed     = "wind_spd_ms"
	MetricWindDirection = "wind_dir_deg"
	MetricWindGust      = "wind_gust_ms"
	MetricPrecipitation = "precip_mm"
	MetricWeatherCode   = "weather_code"
)

// MetricKind distinguishes numeric from textual readings.
type MetricKind string

const (
	KindNumeric MetricKind = "num"
	KindText    MetricKind = "text"
)

// MetricSpec binds a provider field to a canonical metric.
type MetricSpec struct {
	Field string // upstream hourly field name
	Code  string
	Unit  string
	Kind  MetricKind
}

// Catalog is the fixed set of metrics requested from the provider, in request order.
var Catalog = []MetricSpec{
	{Field: "temperature_2m", Code: MetricAirTemp, Unit: "degrees Celsius", Kind: KindNumeric},
	{Field: "relative_humidity_2m", Code: MetricRelHumidity, Unit: "percent", Kind: KindNumeric},
	{Field: "surface_pressure", Code: MetricPressure, Unit: "hectopascals", Kind: KindNumeric},
	{Field: "wind_speed_10m", Code: MetricWindSpeed, Unit: "metres per second", Kind: KindNumeric},
	{Field: "wind_direction_10m", Code: MetricWindDirection, Unit: "degrees", Kind: KindNumeric},
	{Field: "wind_gusts_10m", Code: MetricWindGust, Unit: "metres per second", Kind: KindNumeric},
	{Field: "precipitation", Code: MetricPrecipitation, Unit: "millimetres", Kind: KindNumeric},
	{Field: "weather_code", Code: MetricWeatherCode, Unit: "dimensionless code", Kind: KindNumeric},
}

// CatalogFields returns the provider field names in catalog order.
func CatalogFields() []string {
	fields := make([]string, len(Catalog))
	for i, m := range Catalog {
		fields[i] = m.Field
	}
	return fields
}

// LookupField returns the catalog entry for a provider field name.
func LookupField(field string) (MetricSpec, bool) {
	for _, m := range Catalog {
		if m.Field == field {
			return m, true
		}
	}
	return MetricSpec{}, false
}

// Forecast is an hourly series returned by the weather provider for one location.
// Values holds one entry per time for each field; nil entries are missing samples.
type Forecast struct {
	Latitude  float64
	Longitude float64
	Times     []time.Time
	Units     map[string]string
	Values    map[string][]*float64
}

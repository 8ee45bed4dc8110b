// Package detect holds the anomaly rules. Each rule reads a snapshot of the
// fact series and yields candidates; rules never write.
package detect

import (
	"context"
	"iter"
	"math"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
)

// Snapshot is the read-only view a rule evaluates. Every method is scoped to
// current, non-smoketest stations. *store.Store implements it.
type Snapshot interface {
	ActiveStations(ctx context.Context) ([]store.Station, error)
	Metrics(ctx context.Context) (map[int64]store.Metric, error)
	// LatestReadings returns up to depth readings per (station, metric),
	// ordered by station, metric, and observed_at descending.
	LatestReadings(ctx context.Context, depth int) ([]store.FactObservation, error)
	// ReadingsSince returns readings observed at or after since, ordered by
	// station, metric, and observed_at.
	ReadingsSince(ctx context.Context, since time.Time) ([]store.FactObservation, error)
}

var _ Snapshot = (*store.Store)(nil)

// Detector is one named rule. Detect loads what it needs from the snapshot
// and returns a sequence that can be ranged over any number of times.
type Detector struct {
	Type   domain.AnomalyType
	Detect func(ctx context.Context, snap Snapshot, now time.Time) (iter.Seq[domain.Candidate], error)
}

// Thresholds configures every rule. Change and FlatlineEpsilon are keyed by
// metric code; metrics missing from a map are never flagged by that rule.
type Thresholds struct {
	SilentAfter       time.Duration
	StaleAfter        time.Duration
	ChangeLookback    time.Duration
	FlatlineWindow    time.Duration
	FlatlineMinPoints int
	Change            map[string]float64
	FlatlineEpsilon   map[string]float64
}

// DefaultThresholds returns the production rule configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SilentAfter:       30 * time.Minute,
		StaleAfter:        120 * time.Minute,
		ChangeLookback:    180 * time.Minute,
		FlatlineWindow:    180 * time.Minute,
		FlatlineMinPoints: 6,
		Change: map[string]float64{
			domain.MetricAirTemp:       5,
			domain.MetricRelHumidity:   15,
			domain.MetricPressure:      8,
			domain.MetricWindSpeed:     6,
			domain.MetricWindDirection: 90,
		},
		// Wind direction wraps at 360 so a range test is meaningless for it.
		FlatlineEpsilon: map[string]float64{
			domain.MetricAirTemp:     0.2,
			domain.MetricRelHumidity: 1.0,
			domain.MetricPressure:    0.3,
			domain.MetricWindSpeed:   0.2,
		},
	}
}

// Suite returns every rule in execution order.
func Suite(th Thresholds) []Detector {
	return []Detector{
		SilentStation(th),
		StaleData(th),
		Spike(th),
		Drop(th),
		Flatline(th),
	}
}

// Lookup returns the rules named in types, in the order given. Unknown names
// are reported through ok=false.
func Lookup(th Thresholds, types ...domain.AnomalyType) (rules []Detector, ok bool) {
	all := make(map[domain.AnomalyType]Detector)
	for _, d := range Suite(th) {
		all[d.Type] = d
	}
	for _, t := range types {
		d, found := all[t]
		if !found {
			return nil, false
		}
		rules = append(rules, d)
	}
	return rules, true
}

type seriesKey struct {
	stationID, metricID int64
}

// groupSeries splits ordered readings into runs sharing (station, metric),
// keeping input order within and across groups.
func groupSeries(readings []store.FactObservation) ([]seriesKey, map[seriesKey][]store.FactObservation) {
	var keys []seriesKey
	groups := make(map[seriesKey][]store.FactObservation)
	for _, r := range readings {
		k := seriesKey{r.StationID, r.MetricID}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	return keys, groups
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// roundTo drops float noise below the given decimal places so boundary
// comparisons see the values a reader would.
func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

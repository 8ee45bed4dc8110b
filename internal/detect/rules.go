package detect

import (
	"context"
	"iter"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/store"
)

// comparisonPlaces is the precision used for threshold and epsilon tests.
const comparisonPlaces = 9

// SilentStation flags stations whose newest reading across all metrics is
// older than SilentAfter, or that have never reported.
func SilentStation(th Thresholds) Detector {
	return Detector{
		Type: domain.AnomalySilentStation,
		Detect: func(ctx context.Context, snap Snapshot, now time.Time) (iter.Seq[domain.Candidate], error) {
			stations, err := snap.ActiveStations(ctx)
			if err != nil {
				return nil, err
			}
			latest, err := snap.LatestReadings(ctx, 1)
			if err != nil {
				return nil, err
			}
			lastSeen := make(map[int64]time.Time, len(stations))
			for _, r := range latest {
				if r.ObservedAt.After(lastSeen[r.StationID]) {
					lastSeen[r.StationID] = r.ObservedAt
				}
			}

			return func(yield func(domain.Candidate) bool) {
				for _, st := range stations {
					seen, ok := lastSeen[st.StationID]
					if ok && now.Sub(seen) <= th.SilentAfter {
						continue
					}
					details := map[string]any{
						"minutes_silent":           nil,
						"last_observed_at":         nil,
						"silent_threshold_minutes": th.SilentAfter.Minutes(),
					}
					if ok {
						details["minutes_silent"] = domain.MinutesSince(now, seen)
						details["last_observed_at"] = timestamp(seen)
					}
					c := domain.Candidate{
						Type:      domain.AnomalySilentStation,
						StationID: st.StationID,
						Severity:  domain.SeverityHigh,
						Details:   details,
					}
					if !yield(c) {
						return
					}
				}
			}, nil
		},
	}
}

// StaleData flags (station, metric) series whose newest reading is older than StaleAfter.
func StaleData(th Thresholds) Detector {
	return Detector{
		Type: domain.AnomalyStaleData,
		Detect: func(ctx context.Context, snap Snapshot, now time.Time) (iter.Seq[domain.Candidate], error) {
			metrics, err := snap.Metrics(ctx)
			if err != nil {
				return nil, err
			}
			latest, err := snap.LatestReadings(ctx, 1)
			if err != nil {
				return nil, err
			}

			return func(yield func(domain.Candidate) bool) {
				for _, r := range latest {
					if now.Sub(r.ObservedAt) <= th.StaleAfter {
						continue
					}
					c := domain.Candidate{
						Type:      domain.AnomalyStaleData,
						StationID: r.StationID,
						MetricID:  metricID(r.MetricID),
						Severity:  domain.SeverityMedium,
						Details: map[string]any{
							"metric_code":             metrics[r.MetricID].Code,
							"last_observed_at":        timestamp(r.ObservedAt),
							"minutes_stale":           domain.MinutesSince(now, r.ObservedAt),
							"stale_threshold_minutes": th.StaleAfter.Minutes(),
						},
					}
					if !yield(c) {
						return
					}
				}
			}, nil
		},
	}
}

// Spike flags an increase between the two newest readings of a series that
// exceeds the metric's change threshold.
func Spike(th Thresholds) Detector {
	return changeRule(th, domain.AnomalySpike, 1)
}

// Drop flags a decrease between the two newest readings of a series that
// exceeds the metric's change threshold.
func Drop(th Thresholds) Detector {
	return changeRule(th, domain.AnomalyDrop, -1)
}

// changeRule compares the newest reading with the one before it. direction
// is 1 for increases and -1 for decreases.
func changeRule(th Thresholds, t domain.AnomalyType, direction float64) Detector {
	return Detector{
		Type: t,
		Detect: func(ctx context.Context, snap Snapshot, _ time.Time) (iter.Seq[domain.Candidate], error) {
			metrics, err := snap.Metrics(ctx)
			if err != nil {
				return nil, err
			}
			latest, err := snap.LatestReadings(ctx, 2)
			if err != nil {
				return nil, err
			}
			keys, series := groupSeries(latest)

			return func(yield func(domain.Candidate) bool) {
				for _, k := range keys {
					s := series[k]
					if len(s) < 2 {
						continue
					}
					code := metrics[k.metricID].Code
					threshold, ok := th.Change[code]
					if !ok {
						continue
					}
					last, prev := s[0], s[1]
					if last.ObservedAt.Sub(prev.ObservedAt) > th.ChangeLookback {
						continue
					}
					delta := roundTo(last.ValueNum-prev.ValueNum, comparisonPlaces)
					if delta*direction <= threshold {
						continue
					}
					c := domain.Candidate{
						Type:      t,
						StationID: k.stationID,
						MetricID:  metricID(k.metricID),
						Severity:  domain.SeverityMedium,
						Details: map[string]any{
							"metric_code":      code,
							"last_observed_at": timestamp(last.ObservedAt),
							"last_value":       last.ValueNum,
							"prev_observed_at": timestamp(prev.ObservedAt),
							"prev_value":       prev.ValueNum,
							"delta":            delta,
							"threshold":        threshold,
							"lookback_minutes": th.ChangeLookback.Minutes(),
						},
					}
					if !yield(c) {
						return
					}
				}
			}, nil
		},
	}
}

// Flatline flags series with at least FlatlineMinPoints readings in the
// trailing window whose range is within the metric's epsilon.
func Flatline(th Thresholds) Detector {
	return Detector{
		Type: domain.AnomalyFlatline,
		Detect: func(ctx context.Context, snap Snapshot, now time.Time) (iter.Seq[domain.Candidate], error) {
			metrics, err := snap.Metrics(ctx)
			if err != nil {
				return nil, err
			}
			windowStart := now.Add(-th.FlatlineWindow)
			readings, err := snap.ReadingsSince(ctx, windowStart)
			if err != nil {
				return nil, err
			}
			keys, series := groupSeries(readings)

			return func(yield func(domain.Candidate) bool) {
				for _, k := range keys {
					s := series[k]
					if len(s) < th.FlatlineMinPoints {
						continue
					}
					code := metrics[k.metricID].Code
					epsilon, ok := th.FlatlineEpsilon[code]
					if !ok {
						continue
					}
					lo, hi := valueRange(s)
					first, last := sampleBounds(s)
					spread := roundTo(hi-lo, comparisonPlaces)
					if spread > epsilon {
						continue
					}
					c := domain.Candidate{
						Type:      domain.AnomalyFlatline,
						StationID: k.stationID,
						MetricID:  metricID(k.metricID),
						Severity:  domain.SeverityMedium,
						Details: map[string]any{
							"metric_code":     code,
							"window_minutes":  th.FlatlineWindow.Minutes(),
							"min_points":      th.FlatlineMinPoints,
							"points":          len(s),
							"window_start_at": timestamp(first),
							"window_end_at":   timestamp(last),
							"min_value":       lo,
							"max_value":       hi,
							"range":           spread,
							"epsilon":         epsilon,
						},
					}
					if !yield(c) {
						return
					}
				}
			}, nil
		},
	}
}

func valueRange(s []store.FactObservation) (lo, hi float64) {
	lo, hi = s[0].ValueNum, s[0].ValueNum
	for _, r := range s[1:] {
		lo = min(lo, r.ValueNum)
		hi = max(hi, r.ValueNum)
	}
	return lo, hi
}

// sampleBounds returns the earliest and latest observation times in s.
func sampleBounds(s []store.FactObservation) (first, last time.Time) {
	first, last = s[0].ObservedAt, s[0].ObservedAt
	for _, r := range s[1:] {
		if r.ObservedAt.Before(first) {
			first = r.ObservedAt
		}
		if r.ObservedAt.After(last) {
			last = r.ObservedAt
		}
	}
	return first, last
}

func metricID(id int64) *int64 {
	return &id
}

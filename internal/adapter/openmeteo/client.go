// Package openmeteo fetches hourly station readings from the Open-Meteo forecast API.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/sony/gobreaker"
)

const timeLayout = "2006-01-02T15:04"

// Options tune a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	Retries         int
	BreakerFailures int
	// InitialBackoff is the first retry delay; it doubles per retry up to 5s.
	InitialBackoff time.Duration
}

// Client implements the ingest provider using the Open-Meteo forecast API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	retries        int
	initialBackoff time.Duration
	breaker        *gobreaker.CircuitBreaker
	metrics        *observability.Metrics
	logger         *slog.Logger
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("open-meteo API error: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewClient creates an Open-Meteo client. After BreakerFailures consecutive
// failed fetches the circuit opens and fetches fail fast for 30s.
func NewClient(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.open-meteo.com/v1/forecast"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}

	failures := uint32(opts.BreakerFailures)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "open-meteo",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		httpClient:     &http.Client{Timeout: opts.Timeout},
		baseURL:        opts.BaseURL,
		retries:        opts.Retries,
		initialBackoff: opts.InitialBackoff,
		breaker:        breaker,
		metrics:        metrics,
		logger:         logger,
	}
}

// Fetch returns today's hourly series for the catalog fields at a location.
func (c *Client) Fetch(ctx context.Context, lat, lon float64) (domain.Forecast, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetchWithRetry(ctx, lat, lon)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.ProviderRequests.WithLabelValues("rejected").Inc()
		}
		return domain.Forecast{}, err
	}
	return out.(domain.Forecast), nil
}

func (c *Client) fetchWithRetry(ctx context.Context, lat, lon float64) (domain.Forecast, error) {
	backoff := c.initialBackoff
	for attempt := 0; ; attempt++ {
		fc, err := c.doRequest(ctx, c.requestURL(lat, lon))
		if err == nil {
			return fc, nil
		}
		if attempt >= c.retries || !retryable(err) || ctx.Err() != nil {
			return domain.Forecast{}, err
		}
		c.logger.Debug("retrying provider request", "attempt", attempt+1, "backoff", backoff, "error", err)
		if !sleepWithContext(ctx, backoff) {
			return domain.Forecast{}, ctx.Err()
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (c *Client) requestURL(lat, lon float64) string {
	params := url.Values{
		"latitude":        {strconv.FormatFloat(lat, 'f', -1, 64)},
		"longitude":       {strconv.FormatFloat(lon, 'f', -1, 64)},
		"hourly":          {strings.Join(domain.CatalogFields(), ",")},
		"timezone":        {"UTC"},
		"past_days":       {"0"},
		"forecast_days":   {"1"},
		"wind_speed_unit": {"ms"},
	}
	return c.baseURL + "?" + params.Encode()
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.Forecast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.Forecast{}, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ProviderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return domain.Forecast{}, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Forecast{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return domain.Forecast{}, fmt.Errorf("decode response: %w", err)
	}

	fc, err := r.toForecast()
	if err != nil {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return domain.Forecast{}, err
	}
	c.metrics.ProviderRequests.WithLabelValues("success").Inc()
	return fc, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	// Transport failures and timeouts.
	return !errors.Is(err, context.Canceled)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Open-Meteo API response types.

type response struct {
	Latitude    float64                    `json:"latitude"`
	Longitude   float64                    `json:"longitude"`
	HourlyUnits map[string]string          `json:"hourly_units"`
	Hourly      map[string]json.RawMessage `json:"hourly"`
}

func (r response) toForecast() (domain.Forecast, error) {
	fc := domain.Forecast{
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Units:     r.HourlyUnits,
		Values:    make(map[string][]*float64),
	}

	var times []string
	if raw, ok := r.Hourly["time"]; ok {
		if err := json.Unmarshal(raw, &times); err != nil {
			return domain.Forecast{}, fmt.Errorf("decode hourly time: %w", err)
		}
	}
	fc.Times = make([]time.Time, len(times))
	for i, s := range times {
		t, err := time.Parse(timeLayout, s)
		if err != nil {
			return domain.Forecast{}, fmt.Errorf("parse hourly time %q: %w", s, err)
		}
		fc.Times[i] = t.UTC()
	}

	for field, raw := range r.Hourly {
		if field == "time" {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return domain.Forecast{}, fmt.Errorf("decode hourly %s: %w", field, err)
		}
		fc.Values[field] = values
	}
	return fc, nil
}

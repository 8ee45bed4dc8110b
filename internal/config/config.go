package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Database drivers accepted by DATABASE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all pipeline settings, populated from the environment and an optional .env file.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration
	ScheduleInterval time.Duration

	// Open-Meteo provider.
	OpenMeteoBaseURL         string
	OpenMeteoTimeout         time.Duration
	OpenMeteoRetries         int
	OpenMeteoBreakerFailures int

	// Optional incident event publishing; disabled when no brokers are set.
	KafkaBrokers       []string
	KafkaIncidentTopic string

	// Optional Prometheus pushgateway for batch commands.
	PushgatewayURL string

	// Detector thresholds.
	SilentAfter       time.Duration
	StaleAfter        time.Duration
	ChangeLookback    time.Duration
	FlatlineWindow    time.Duration
	FlatlineMinPoints int

	LateAfter time.Duration
}

// Load reads configuration from the environment, applying defaults where unset.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		DatabaseDriver:     strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseURL:        v.GetString("OBS_DATABASE_URL"),
		SQLitePath:         v.GetString("SQLITE_PATH"),
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		OpenMeteoBaseURL:   v.GetString("OPENMETEO_BASE_URL"),
		KafkaBrokers:       parseBrokers(v.GetString("KAFKA_BROKERS")),
		KafkaIncidentTopic: v.GetString("KAFKA_INCIDENT_TOPIC"),
		PushgatewayURL:     v.GetString("PUSHGATEWAY_URL"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SCHEDULE_INTERVAL", &cfg.ScheduleInterval},
		{"OPENMETEO_TIMEOUT", &cfg.OpenMeteoTimeout},
		{"SILENT_AFTER", &cfg.SilentAfter},
		{"STALE_AFTER", &cfg.StaleAfter},
		{"CHANGE_LOOKBACK", &cfg.ChangeLookback},
		{"FLATLINE_WINDOW", &cfg.FlatlineWindow},
		{"LATE_AFTER", &cfg.LateAfter},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(v, d.key); err != nil {
			return nil, err
		}
	}

	if cfg.OpenMeteoRetries, err = parseInt(v, "OPENMETEO_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.OpenMeteoBreakerFailures, err = parseInt(v, "OPENMETEO_BREAKER_FAILURES", 1); err != nil {
		return nil, err
	}
	if cfg.FlatlineMinPoints, err = parseInt(v, "FLATLINE_MIN_POINTS", 2); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IncidentEventsEnabled reports whether incident events should be published to Kafka.
func (c *Config) IncidentEventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DatabaseDriver == DriverSQLite {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("OBS_DATABASE_URL is required when DATABASE_DRIVER is postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when DATABASE_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER %q: must be postgres or sqlite", c.DatabaseDriver)
	}
	if c.OpenMeteoBaseURL == "" {
		return errors.New("OPENMETEO_BASE_URL is required")
	}
	if c.IncidentEventsEnabled() && c.KafkaIncidentTopic == "" {
		return errors.New("KAFKA_INCIDENT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "obs.db")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("SCHEDULE_INTERVAL", "15m")
	v.SetDefault("OPENMETEO_BASE_URL", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("OPENMETEO_TIMEOUT", "20s")
	v.SetDefault("OPENMETEO_RETRIES", "2")
	v.SetDefault("OPENMETEO_BREAKER_FAILURES", "5")
	v.SetDefault("KAFKA_INCIDENT_TOPIC", "ops-incidents")
	v.SetDefault("SILENT_AFTER", "30m")
	v.SetDefault("STALE_AFTER", "120m")
	v.SetDefault("CHANGE_LOOKBACK", "180m")
	v.SetDefault("FLATLINE_WINDOW", "180m")
	v.SetDefault("FLATLINE_MIN_POINTS", "6")
	v.SetDefault("LATE_AFTER", "24h")
}

func parsePositiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(v *viper.Viper, key string, minimum int) (int, error) {
	n, err := strconv.Atoi(v.GetString(key))
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", key, minimum)
	}
	return n, nil
}

func parseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

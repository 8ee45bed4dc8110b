package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	newMetrics = observability.NewMetricsForTesting
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func setupEnv(t *testing.T) {
	t.Helper()
	hour := time.Now().UTC().Truncate(time.Hour)
	body := fmt.Sprintf(`{
  "latitude": 52.37, "longitude": 4.89,
  "hourly_units": {"time": "iso8601"},
  "hourly": {
    "time": [%q, %q],
    "temperature_2m": [11.0, 12.5],
    "surface_pressure": [1012.0, 1012.2]
  }
}`, hour.Format("2006-01-02T15:04"), hour.Add(time.Hour).Format("2006-01-02T15:04"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "obs.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("OPENMETEO_BASE_URL", srv.URL)
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("PUSHGATEWAY_URL", "")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"migrate", "ingest", "transform", "detect-anomalies", "run-dq", "serve", "incident", "station"} {
		assert.Contains(t, names, want)
	}

	transform, _, err := root.Find([]string{"transform"})
	require.NoError(t, err)
	assert.NotNil(t, transform.Flags().Lookup("run-id"))

	detect, _, err := root.Find([]string{"detect-anomalies"})
	require.NoError(t, err)
	assert.NotNil(t, detect.Flags().Lookup("detector"))
}

func TestCommands_BatchFlow(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	out, err = execute(t, "station", "add", "ams", "--name", "Amsterdam", "--lat", "52.37", "--lon", "4.89")
	require.NoError(t, err)
	assert.Contains(t, out, "station ams registered as 1")

	out, err = execute(t, "ingest")
	require.NoError(t, err)
	assert.Contains(t, out, "1 stations (0 failed), 2 inserted, 0 updated")

	out, err = execute(t, "transform")
	require.NoError(t, err)
	assert.Contains(t, out, "transformed 1 ingest runs (0 failed), 2 fact rows")

	out, err = execute(t, "transform")
	require.NoError(t, err)
	assert.Contains(t, out, "transformed 0 ingest runs")

	out, err = execute(t, "detect-anomalies")
	require.NoError(t, err)
	assert.Contains(t, out, "0 detected")

	out, err = execute(t, "run-dq")
	require.NoError(t, err)
	assert.Contains(t, out, "evaluated 1 ingest runs (0 failed): 5 pass, 0 warn, 0 fail")

	out, err = execute(t, "incident", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "TITLE")
}

func TestCommands_Errors(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "migrate")
	require.NoError(t, err)

	_, err = execute(t, "transform", "--run-id", "does-not-exist")
	require.Error(t, err)

	_, err = execute(t, "detect-anomalies", "--detector", "bogus")
	require.ErrorContains(t, err, "unknown detector")

	_, err = execute(t, "incident", "ack", "abc")
	require.ErrorContains(t, err, `invalid incident id "abc"`)

	_, err = execute(t, "incident", "resolve", "42")
	require.Error(t, err)
}

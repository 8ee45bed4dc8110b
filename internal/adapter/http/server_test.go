package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	httpadapter "github.com/couchcryptid/obs-pipeline/internal/adapter/http"
	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockIncidents struct {
	incidents []store.Incident
	setID     int64
	setStatus string
	setErr    error
}

func (m *mockIncidents) Incidents(context.Context) ([]store.Incident, error) {
	return append([]store.Incident(nil), m.incidents...), nil
}

func (m *mockIncidents) SetIncidentStatus(_ context.Context, id int64, status string) error {
	m.setID, m.setStatus = id, status
	return m.setErr
}

type mockRuns struct {
	job string
}

func (m *mockRuns) Runs(_ context.Context, job string) ([]store.JobRun, error) {
	m.job = job
	return []store.JobRun{{RunID: "r1", JobName: job, Status: store.StatusSucceeded}}, nil
}

type testServer struct {
	*httpadapter.Server
	incidents *mockIncidents
	runs      *mockRuns
	metrics   *observability.Metrics
}

func newTestServer(readyErr error) testServer {
	metrics := observability.NewMetricsForTesting()
	incidents := &mockIncidents{incidents: []store.Incident{
		{IncidentID: 1, Status: store.IncidentOpen, Title: "spike @ station 1 metric 2"},
		{IncidentID: 2, Status: store.IncidentResolved, Title: "drop @ station 1 metric 2"},
	}}
	runs := &mockRuns{}
	srv := httpadapter.NewServer(":0", httpadapter.Deps{
		Ready:     &mockReadiness{err: readyErr},
		Gatherer:  metrics.Gatherer(),
		Incidents: incidents,
		Runs:      runs,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return testServer{Server: srv, incidents: incidents, runs: runs, metrics: metrics}
}

func serve(srv testServer, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	srv.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := serve(newTestServer(nil), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := serve(newTestServer(nil), http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := serve(newTestServer(fmt.Errorf("first cycle pending")), http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "first cycle pending", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	srv.metrics.JobRuns.WithLabelValues("run_dq", "succeeded").Inc()

	rec := serve(srv, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `obs_pipeline_job_runs_total{job="run_dq",status="succeeded"} 1`)
}

func TestRuns(t *testing.T) {
	srv := newTestServer(nil)

	rec := serve(srv, http.MethodGet, "/api/runs?job=run_dq", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run_dq", srv.runs.job)
	assert.Contains(t, rec.Body.String(), `"RunID":"r1"`)

	rec = serve(srv, http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncidents_StatusFilter(t *testing.T) {
	srv := newTestServer(nil)

	rec := serve(srv, http.MethodGet, "/api/incidents?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "spike @ station 1 metric 2", body[0]["Title"])

	rec = serve(srv, http.MethodGet, "/api/incidents", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body, 2)
}

func TestIncidentStatus(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		setErr   error
		wantCode int
	}{
		{"acknowledge", "/api/incidents/7/status", `{"status":"acknowledged"}`, nil, http.StatusOK},
		{"resolve", "/api/incidents/7/status", `{"status":"resolved"}`, nil, http.StatusOK},
		{"reopen rejected", "/api/incidents/7/status", `{"status":"open"}`, nil, http.StatusBadRequest},
		{"bad id", "/api/incidents/x/status", `{"status":"resolved"}`, nil, http.StatusBadRequest},
		{"bad body", "/api/incidents/7/status", `{`, nil, http.StatusBadRequest},
		{"unknown incident", "/api/incidents/7/status", `{"status":"resolved"}`, store.ErrNotFound, http.StatusNotFound},
		{"store error", "/api/incidents/7/status", `{"status":"resolved"}`, fmt.Errorf("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(nil)
			srv.incidents.setErr = tt.setErr

			rec := serve(srv, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, int64(7), srv.incidents.setID)
			}
		})
	}
}

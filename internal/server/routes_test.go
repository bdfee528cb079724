package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/errors"
	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/stats"
	"github.com/zsiec/stgen/pkg/version"
)

func newTestServer(opts Options) *Server {
	return New(testConfig(), quietLogger(), opts)
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func sampleSource() *fakeSource {
	return &fakeSource{
		summary: stats.Summary{
			RunID:    "run-1",
			Role:     "receiver",
			Received: 990,
			Lost:     10,
			Loss:     0.01,
			Latency:  stats.LatencySummary{Samples: 990, P95MS: 12, P99MS: 30},
		},
		sessions: []receiver.SessionInfo{
			{ID: "10.0.0.2:4000", RemoteAddr: "10.0.0.2:4000", Packets: 500, Active: true},
			{ID: "10.0.0.1:4000", RemoteAddr: "10.0.0.1:4000", Packets: 490, Active: true},
		},
	}
}

func TestHandleVersion(t *testing.T) {
	rr := serve(t, newTestServer(Options{}), "GET", "/version")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var info version.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestHealthRoutes(t *testing.T) {
	server := newTestServer(Options{})

	assert.Equal(t, http.StatusOK, serve(t, server, "GET", "/live").Code)
	// Nothing registered and nothing run yet
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, server, "GET", "/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, server, "GET", "/health").Code)
}

func TestHandleSummary(t *testing.T) {
	server := newTestServer(Options{Summary: sampleSource()})

	rr := serve(t, server, "GET", "/api/v1/summary")
	require.Equal(t, http.StatusOK, rr.Code)

	var summary stats.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, uint64(990), summary.Received)
	assert.InDelta(t, 0.01, summary.Loss, 1e-9)
}

func TestHandleSummary_NoSource(t *testing.T) {
	rr := serve(t, newTestServer(Options{}), "GET", "/api/v1/summary")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	resp := decodeError(t, rr)
	assert.Equal(t, errors.CodeNoSource, resp.Error.Code)
	assert.NotEmpty(t, resp.TraceID)
}

func TestHandleQoS(t *testing.T) {
	source := sampleSource()
	server := newTestServer(Options{
		Summary: source,
		QoS: config.QoSConfig{
			MaxLatency:        50 * time.Millisecond,
			MaxLossPercent:    0.5,
			MinMessages:       10,
			MaxReorderPercent: 5,
		},
	})

	rr := serve(t, server, "GET", "/api/v1/qos")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp QoSResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.False(t, resp.Passed, "loss exceeds the configured limit")
	assert.Equal(t, len(resp.Results), resp.Total)
	assert.Less(t, resp.PassedCount, resp.Total)

	rr = serve(t, server, "GET", "/api/v1/qos?format=text")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rr.Body.String(), "[FAIL]")
	assert.Contains(t, rr.Body.String(), "Packet Loss")
}

func TestHandleSessions(t *testing.T) {
	server := newTestServer(Options{Sessions: sampleSource()})

	rr := serve(t, server, "GET", "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "10.0.0.1:4000", resp.Sessions[0].ID)
	assert.Equal(t, "10.0.0.2:4000", resp.Sessions[1].ID)
}

func TestHandleSessions_Empty(t *testing.T) {
	server := newTestServer(Options{Sessions: &fakeSource{}})

	rr := serve(t, server, "GET", "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sessions":[],"count":0}`, rr.Body.String())
}

func TestHandleSession(t *testing.T) {
	server := newTestServer(Options{Sessions: sampleSource()})

	rr := serve(t, server, "GET", "/api/v1/sessions/10.0.0.2:4000")
	require.Equal(t, http.StatusOK, rr.Code)

	var info receiver.SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, uint64(500), info.Packets)

	rr = serve(t, server, "GET", "/api/v1/sessions/10.9.9.9:1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, errors.CodeSessionNotFound, resp.Error.Code)
	assert.Equal(t, "10.9.9.9:1", resp.Error.Details["session_id"])
}

func TestHandleRuns(t *testing.T) {
	store := &fakeStore{runs: map[string]*stats.Summary{
		"a": {RunID: "a", Role: "sender"},
	}}
	server := newTestServer(Options{Results: store})

	rr := serve(t, server, "GET", "/api/v1/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Runs  []stats.Summary `json:"runs"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "a", list.Runs[0].RunID)

	rr = serve(t, server, "GET", "/api/v1/runs/a")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, server, "GET", "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, errors.CodeRunNotFound, decodeError(t, rr).Error.Code)
}

func TestHandleRuns_StoreDown(t *testing.T) {
	store := &fakeStore{runs: map[string]*stats.Summary{}, err: assert.AnError}
	server := newTestServer(Options{Results: store})

	rr := serve(t, server, "GET", "/api/v1/runs")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, errors.ErrorTypeServiceDown, decodeError(t, rr).Error.Type)

	rr = serve(t, server, "GET", "/api/v1/runs/a")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleRuns_NoStore(t *testing.T) {
	rr := serve(t, newTestServer(Options{}), "GET", "/api/v1/runs")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, errors.CodeNoSource, decodeError(t, rr).Error.Code)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	server := newTestServer(Options{Summary: sampleSource()})

	rr := serve(t, server, "GET", "/api/v1/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, errors.CodeEndpoint, decodeError(t, rr).Error.Code)

	rr = serve(t, server, "POST", "/api/v1/summary")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, errors.ErrorTypeMethod, decodeError(t, rr).Error.Type)
}

func TestMetricsRoute(t *testing.T) {
	server := newTestServer(Options{MetricsPath: "/metrics"})
	serve(t, server, "GET", "/version")

	rr := serve(t, server, "GET", "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "stgen_http_requests_total")

	assert.Equal(t, http.StatusNotFound, serve(t, newTestServer(Options{}), "GET", "/metrics").Code)
}

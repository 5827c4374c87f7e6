package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"analytics-engine/internal/anomaly"
	"analytics-engine/internal/engine"
	"analytics-engine/internal/models"
	"analytics-engine/internal/storage"
	"analytics-engine/internal/stream"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store := storage.NewMemoryStore(0)
	e, err := engine.New(engine.Options{
		Stream: stream.Config{
			WindowType:  models.WindowTumbling,
			WindowSize:  time.Minute,
			GracePeriod: 30 * time.Second,
		},
		Anomaly: anomaly.DefaultConfig(),
	}, store)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	return NewHandler(e, "memory")
}

func TestObservationsHandler_Accepted(t *testing.T) {
	h := newTestHandler(t)

	body := `{"name":"cpu","value":42.5,"tags":{"host":"a"}}`
	req := httptest.NewRequest(http.MethodPost, "/observations", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ObservationsHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestObservationsHandler_InvalidJSON(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/observations", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()

	h.ObservationsHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestObservationsHandler_ValidationError(t *testing.T) {
	h := newTestHandler(t)

	cases := []string{
		`{"name":"","value":1}`,
		`{"value":1}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/observations", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ObservationsHandler(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", body, rec.Code)
		}
	}
}

func TestBatchObservationsHandler_MixedBatch(t *testing.T) {
	h := newTestHandler(t)

	body := `{"observations":[
		{"name":"cpu","value":1},
		{"name":"","value":2},
		{"name":"cpu","value":3}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/observations/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.BatchObservationsHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["accepted"] != 2 || resp["rejected"] != 1 {
		t.Errorf("Expected 2 accepted / 1 rejected, got %v", resp)
	}
}

func TestMetricsHandler_RequiresName(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.MetricsHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without name, got %d", rec.Code)
	}
}

func TestMetricsHandler_InvalidRange(t *testing.T) {
	h := newTestHandler(t)

	// end before start
	req := httptest.NewRequest(http.MethodGet,
		"/metrics?name=cpu&start=2026-08-02T00:00:00Z&end=2026-08-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.MetricsHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for inverted range, got %d", rec.Code)
	}
}

func TestMetricsHandler_MalformedTimestamp(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics?name=cpu&start=yesterday", nil)
	rec := httptest.NewRecorder()

	h.MetricsHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for malformed timestamp, got %d", rec.Code)
	}
}

func TestMetricsHandler_EmptyResult(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics?name=unknown", nil)
	rec := httptest.NewRecorder()

	h.MetricsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count   int                      `json:"count"`
		Results []models.AggregateResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 0 || len(resp.Results) != 0 {
		t.Errorf("Expected empty result set, got %+v", resp)
	}
}

func TestAnomaliesHandler_RequiresName(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/anomalies", nil)
	rec := httptest.NewRecorder()

	h.AnomaliesHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without name, got %d", rec.Code)
	}
}

func TestRunningStatsHandler(t *testing.T) {
	h := newTestHandler(t)

	// Unknown metric: 404
	req := httptest.NewRequest(http.MethodGet, "/metrics/running?name=unknown", nil)
	rec := httptest.NewRecorder()
	h.RunningStatsHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown metric, got %d", rec.Code)
	}

	// After recording, stats are served
	post := httptest.NewRequest(http.MethodPost, "/observations",
		strings.NewReader(`{"name":"cpu","value":42}`))
	h.ObservationsHandler(httptest.NewRecorder(), post)

	req = httptest.NewRequest(http.MethodGet, "/metrics/running?name=cpu", nil)
	rec = httptest.NewRecorder()
	h.RunningStatsHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var rs struct {
		Count int     `json:"count"`
		Mean  float64 `json:"mean"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rs.Count != 1 || rs.Mean != 42 {
		t.Errorf("Unexpected running stats: %+v", rs)
	}
}

func TestHealthHandler(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", resp["status"])
	}
	if resp["backend"] != "memory" {
		t.Errorf("Expected memory backend, got %v", resp["backend"])
	}
}

func TestStatsHandler(t *testing.T) {
	h := newTestHandler(t)

	post := httptest.NewRequest(http.MethodPost, "/observations",
		strings.NewReader(`{"name":"cpu","value":1}`))
	h.ObservationsHandler(httptest.NewRecorder(), post)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.StatsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var stats engine.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Collector.Received != 1 {
		t.Errorf("Expected 1 received observation, got %d", stats.Collector.Received)
	}
}

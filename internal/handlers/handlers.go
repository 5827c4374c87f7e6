// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"analytics-engine/internal/engine"
	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
	"analytics-engine/internal/storage"
)

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	engine    *engine.Engine
	backend   string
	startTime time.Time
}

// NewHandler создает новый обработчик
func NewHandler(e *engine.Engine, backend string) *Handler {
	return &Handler{
		engine:    e,
		backend:   backend,
		startTime: time.Now(),
	}
}

// ObservationsHandler обрабатывает POST /observations - прием наблюдения
func (h *Handler) ObservationsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/observations", r.Method))
	defer timer.ObserveDuration()

	var obs models.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/observations", r.Method, "400").Inc()
		return
	}

	// Устанавливаем временную метку, если не указана
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	if err := h.engine.RecordMetric(obs); err != nil {
		if errors.Is(err, models.ErrValidation) {
			h.respondError(w, err.Error(), http.StatusBadRequest)
			metrics.RequestsTotal.WithLabelValues("/observations", r.Method, "400").Inc()
			return
		}
		h.respondError(w, "Failed to record observation: "+err.Error(), http.StatusInternalServerError)
		metrics.RequestsTotal.WithLabelValues("/observations", r.Method, "500").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/observations", r.Method, "202").Inc()
	h.respondJSON(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}

// BatchObservationsHandler обрабатывает POST /observations/batch -
// массовый прием наблюдений. Некорректные элементы отбрасываются,
// корректные принимаются
func (h *Handler) BatchObservationsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/observations/batch", r.Method))
	defer timer.ObserveDuration()

	var batch struct {
		Observations []models.Observation `json:"observations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/observations/batch", r.Method, "400").Inc()
		return
	}

	accepted := 0
	rejected := 0
	for _, obs := range batch.Observations {
		if obs.Timestamp.IsZero() {
			obs.Timestamp = time.Now().UTC()
		}
		if err := h.engine.RecordMetric(obs); err != nil {
			rejected++
			continue
		}
		accepted++
	}

	response := map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	}

	metrics.RequestsTotal.WithLabelValues("/observations/batch", r.Method, "202").Inc()
	h.respondJSON(w, response, http.StatusAccepted)
}

// MetricsHandler обрабатывает GET /metrics - агрегаты метрики за период
func (h *Handler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/metrics", r.Method))
	defer timer.ObserveDuration()

	name, start, end, err := h.parseRangeQuery(r)
	if err != nil {
		h.respondError(w, err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/metrics", r.Method, "400").Inc()
		return
	}

	results, err := h.engine.GetMetrics(r.Context(), name, start, end)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			h.respondError(w, err.Error(), http.StatusBadRequest)
			metrics.RequestsTotal.WithLabelValues("/metrics", r.Method, "400").Inc()
			return
		}
		h.respondError(w, "Failed to query metrics: "+err.Error(), http.StatusInternalServerError)
		metrics.RequestsTotal.WithLabelValues("/metrics", r.Method, "500").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/metrics", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"metric":  name,
		"count":   len(results),
		"results": results,
	}, http.StatusOK)
}

// AnomaliesHandler обрабатывает GET /anomalies - аномалии метрики за период
func (h *Handler) AnomaliesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/anomalies", r.Method))
	defer timer.ObserveDuration()

	name, start, end, err := h.parseRangeQuery(r)
	if err != nil {
		h.respondError(w, err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/anomalies", r.Method, "400").Inc()
		return
	}

	results, err := h.engine.GetAnomalies(r.Context(), name, start, end)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			h.respondError(w, err.Error(), http.StatusBadRequest)
			metrics.RequestsTotal.WithLabelValues("/anomalies", r.Method, "400").Inc()
			return
		}
		h.respondError(w, "Failed to query anomalies: "+err.Error(), http.StatusInternalServerError)
		metrics.RequestsTotal.WithLabelValues("/anomalies", r.Method, "500").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/anomalies", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"metric":  name,
		"count":   len(results),
		"results": results,
	}, http.StatusOK)
}

// RunningStatsHandler обрабатывает GET /metrics/running - инкрементальная
// статистика метрики с момента старта
func (h *Handler) RunningStatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/metrics/running", r.Method))
	defer timer.ObserveDuration()

	name := r.URL.Query().Get("name")
	if name == "" {
		h.respondError(w, "Query parameter 'name' is required", http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/metrics/running", r.Method, "400").Inc()
		return
	}

	rs, ok := h.engine.GetRunningStats(name, r.URL.Query().Get("tags"))
	if !ok {
		h.respondError(w, "No data for metric: "+name, http.StatusNotFound)
		metrics.RequestsTotal.WithLabelValues("/metrics/running", r.Method, "404").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/metrics/running", r.Method, "200").Inc()
	h.respondJSON(w, rs, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"backend":   h.backend,
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	}
	h.respondJSON(w, response, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/stats", r.Method))
	defer timer.ObserveDuration()

	// Обновляем метрику горутин
	metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))

	metrics.RequestsTotal.WithLabelValues("/stats", r.Method, "200").Inc()
	h.respondJSON(w, h.engine.GetStats(), http.StatusOK)
}

// parseRangeQuery разбирает параметры name, start, end.
// По умолчанию - последний час
func (h *Handler) parseRangeQuery(r *http.Request) (string, time.Time, time.Time, error) {
	name := r.URL.Query().Get("name")
	if name == "" {
		return "", time.Time{}, time.Time{}, errors.New("query parameter 'name' is required")
	}

	end := time.Now().UTC()
	start := end.Add(-time.Hour)

	if s := r.URL.Query().Get("start"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", time.Time{}, time.Time{}, errors.New("invalid 'start', expected RFC3339")
		}
		start = parsed
	}
	if s := r.URL.Query().Get("end"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", time.Time{}, time.Time{}, errors.New("invalid 'end', expected RFC3339")
		}
		end = parsed
	}
	return name, start, end, nil
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Package metrics реализует экспорт метрик движка в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество HTTP запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность HTTP запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// ObservationsReceived количество принятых наблюдений
	ObservationsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_observations_received_total",
			Help: "Total number of observations accepted for processing",
		},
	)

	// ObservationsRejected количество отклоненных наблюдений
	ObservationsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_observations_rejected_total",
			Help: "Total number of observations rejected at validation",
		},
	)

	// EventsPublished количество опубликованных событий
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"type"},
	)

	// EventsDeduplicated количество отброшенных дубликатов событий
	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_events_deduplicated_total",
			Help: "Total number of duplicate events dropped by the bus",
		},
	)

	// EventsDropped количество событий, потерянных при переполнении очереди
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_events_dropped_total",
			Help: "Total number of events dropped due to a full dispatch queue",
		},
	)

	// HandlerErrors количество ошибок обработчиков событий
	HandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_handler_errors_total",
			Help: "Total number of subscriber handler errors",
		},
	)

	// WindowsOpened количество открытых окон
	WindowsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_windows_opened_total",
			Help: "Total number of stream windows opened",
		},
		[]string{"type"},
	)

	// WindowsClosed количество закрытых окон
	WindowsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_windows_closed_total",
			Help: "Total number of stream windows closed and emitted",
		},
		[]string{"type"},
	)

	// WindowsForceClosed количество окон, закрытых досрочно по backpressure
	WindowsForceClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_windows_force_closed_total",
			Help: "Total number of windows closed early due to the open-window limit",
		},
	)

	// LateObservationsDropped количество опоздавших наблюдений,
	// отброшенных после истечения grace-периода
	LateObservationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_late_observations_dropped_total",
			Help: "Total number of late observations dropped after the grace period",
		},
	)

	// ActiveWindows текущее количество открытых окон
	ActiveWindows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_active_windows",
			Help: "Number of currently open stream windows",
		},
	)

	// BufferedObservations текущий размер буфера коллектора
	BufferedObservations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_buffered_observations",
			Help: "Number of observations buffered in the collector",
		},
	)

	// FlushesTotal количество сбросов буфера коллектора
	FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_flushes_total",
			Help: "Total number of collector buffer flushes",
		},
	)

	// FlushErrors количество неудачных сбросов буфера
	FlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_flush_errors_total",
			Help: "Total number of failed collector flushes",
		},
	)

	// AnomaliesDetected количество обнаруженных аномалий по серьезности
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"severity"},
	)

	// DetectionLatency время выполнения детекции аномалий
	DetectionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_detection_latency_seconds",
			Help:    "Anomaly detection latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05},
		},
	)

	// StorageInserts количество записей, вставленных в хранилище
	StorageInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_storage_inserts_total",
			Help: "Total number of records inserted into storage",
		},
		[]string{"backend"},
	)

	// StorageErrors количество ошибок хранилища
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_storage_errors_total",
			Help: "Total number of storage operation errors",
		},
		[]string{"backend", "op"},
	)

	// StorageLatency длительность операций хранилища
	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_storage_latency_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "op"},
	)

	// CacheHits попадания в кэш
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	// CacheMisses промахи кэша
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_active_goroutines",
			Help: "Number of active goroutines",
		},
	)
)

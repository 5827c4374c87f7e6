// Package models содержит структуры данных аналитического движка:
// наблюдения, события, окна, агрегаты и результаты детекции аномалий
package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrValidation базовая ошибка валидации входных данных
var ErrValidation = errors.New("validation error")

// Observation представляет одно именованное числовое наблюдение с тегами
type Observation struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Validate проверяет корректность наблюдения.
// Некорректные наблюдения (NaN, Inf, пустое имя) отбрасываются на входе
// и никогда не попадают в конвейер
func (o *Observation) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: observation name is required", ErrValidation)
	}
	if math.IsNaN(o.Value) {
		return fmt.Errorf("%w: observation value is NaN", ErrValidation)
	}
	if math.IsInf(o.Value, 0) {
		return fmt.Errorf("%w: observation value is infinite", ErrValidation)
	}
	return nil
}

// TagString возвращает теги в виде отсортированной строки для группировки
func (o *Observation) TagString() string {
	if len(o.Tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(o.Tags))
	for k := range o.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+o.Tags[k])
	}
	return strings.Join(parts, ",")
}

// EventType тип события в шине
type EventType string

// Стандартные типы событий аналитической системы
const (
	EventMetricCollected     EventType = "metric_collected"
	EventWindowClosed        EventType = "window_closed"
	EventAnomalyDetected     EventType = "anomaly_detected"
	EventAlertTriggered      EventType = "alert_triggered"
	EventProcessingStarted   EventType = "processing_started"
	EventProcessingCompleted EventType = "processing_completed"
	EventProcessingFailed    EventType = "processing_failed"
	EventCacheInvalidated    EventType = "cache_invalidated"
)

// Event событие шины: создается продюсером, не изменяется после создания.
// Дедупликация выполняется по ID в пределах ограниченного горизонта
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewEvent создает событие с уникальным ID и текущей временной меткой
func NewEvent(eventType EventType, source string, payload interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// WindowType тип потокового окна
type WindowType string

const (
	// WindowTumbling непересекающиеся окна фиксированного размера
	WindowTumbling WindowType = "tumbling"
	// WindowSliding пересекающиеся окна с шагом меньше размера
	WindowSliding WindowType = "sliding"
	// WindowSession окна, закрываемые по таймауту неактивности
	WindowSession WindowType = "session"
)

// Window потоковое окно. Изменяется только пока открыто;
// после закрытия запечатывается и передается вниз по конвейеру
type Window struct {
	ID       string        `json:"id"`
	Type     WindowType    `json:"type"`
	Key      string        `json:"key"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Elements []Observation `json:"elements"`
	Sealed   bool          `json:"sealed"`
}

// Append добавляет наблюдение в открытое окно
func (w *Window) Append(o Observation) error {
	if w.Sealed {
		return fmt.Errorf("window %s is sealed", w.ID)
	}
	w.Elements = append(w.Elements, o)
	return nil
}

// Seal запечатывает окно перед передачей потребителям
func (w *Window) Seal() {
	w.Sealed = true
}

// Values возвращает значения наблюдений окна в порядке поступления
func (w *Window) Values() []float64 {
	values := make([]float64, len(w.Elements))
	for i, e := range w.Elements {
		values[i] = e.Value
	}
	return values
}

// Timestamps возвращает временные метки наблюдений окна
func (w *Window) Timestamps() []time.Time {
	ts := make([]time.Time, len(w.Elements))
	for i, e := range w.Elements {
		ts[i] = e.Timestamp
	}
	return ts
}

// AggregateResult агрегат закрытого окна.
// Инвариант: Min <= Median <= P95 <= P99 <= Max; Count >= 1
// (пустые окна не порождают агрегатов)
type AggregateResult struct {
	MetricName  string            `json:"metric_name"`
	WindowID    string            `json:"window_id"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Count       int               `json:"count"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	Mean        float64           `json:"mean"`
	Median      float64           `json:"median"`
	StdDev      float64           `json:"stddev"`
	P95         float64           `json:"p95"`
	P99         float64           `json:"p99"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// AnomalyMethod метод детекции аномалий
type AnomalyMethod string

const (
	MethodZScore      AnomalyMethod = "zscore"
	MethodIQR         AnomalyMethod = "iqr"
	MethodChangePoint AnomalyMethod = "changepoint"
	MethodThreshold   AnomalyMethod = "threshold"
	MethodCombined    AnomalyMethod = "combined"
)

// Severity уровень серьезности аномалии
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyEvidence свидетельство одного метода детекции
type AnomalyEvidence struct {
	Method    AnomalyMethod `json:"method"`
	Score     float64       `json:"score"`
	IsAnomaly bool          `json:"is_anomaly"`
	Severity  Severity      `json:"severity"`
	Index     int           `json:"index"`
	Value     float64       `json:"value"`
	Reason    string        `json:"reason,omitempty"`
}

// AnomalyResult итог детекции по окну: свидетельства методов
// дедуплицированы по точке, уверенность ансамбля в диапазоне [0,1]
type AnomalyResult struct {
	MetricName         string            `json:"metric_name"`
	WindowID           string            `json:"window_id"`
	Timestamp          time.Time         `json:"timestamp"`
	Evidence           []AnomalyEvidence `json:"evidence"`
	CombinedConfidence float64           `json:"combined_confidence"`
	IsAnomaly          bool              `json:"is_anomaly"`
}

// RecordKind вид персистентной записи
type RecordKind string

const (
	// KindAggregate агрегат закрытого окна
	KindAggregate RecordKind = "aggregate"
	// KindAnomaly результат детекции аномалий
	KindAnomaly RecordKind = "anomaly"
)

// StorageRecord персистентная форма AggregateResult/AnomalyResult.
// Ключ (metric_name, window_start), партиционирование по дням
type StorageRecord struct {
	Kind        RecordKind `json:"kind" db:"kind"`
	MetricName  string     `json:"metric_name" db:"metric_name"`
	WindowStart time.Time  `json:"window_start" db:"window_start"`
	WindowEnd   time.Time  `json:"window_end" db:"window_end"`
	Payload     []byte     `json:"payload" db:"payload"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

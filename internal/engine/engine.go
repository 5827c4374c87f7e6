// Package engine собирает конвейер аналитики: прием наблюдений,
// оконную обработку, агрегацию, детекцию аномалий и персистентность
// за одним фасадом
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"analytics-engine/internal/anomaly"
	"analytics-engine/internal/bus"
	"analytics-engine/internal/collector"
	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
	"analytics-engine/internal/stats"
	"analytics-engine/internal/storage"
	"analytics-engine/internal/stream"
)

// Options конфигурация движка по компонентам
type Options struct {
	BusQueueSize    int
	BusWorkers      int
	BusDedupHorizon int

	Stream    stream.Config
	Collector collector.Config
	Anomaly   anomaly.Config

	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration
}

// Stats сводный снимок состояния движка
type Stats struct {
	Uptime    string          `json:"uptime"`
	Bus       bus.Stats       `json:"bus"`
	Stream    stream.Stats    `json:"stream"`
	Collector collector.Stats `json:"collector"`
	Anomalies int64           `json:"anomalies_detected"`
}

// AnomalyHandler вызывается для каждой обнаруженной аномалии
type AnomalyHandler func(models.AnomalyResult)

// Engine аналитический движок. Наблюдения проходят через коллектор
// (периодические агрегаты) и оконный процессор; закрытые окна
// агрегируются, проверяются на аномалии и записываются в хранилище
type Engine struct {
	opts      Options
	store     storage.Store
	eventBus  *bus.Bus
	processor *stream.Processor
	collector *collector.Collector
	detector  *anomaly.Detector

	mu        sync.Mutex
	anomalies int64

	startedAt time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New собирает движок поверх хранилища
func New(opts Options, store storage.Store) (*Engine, error) {
	if opts.BusQueueSize == 0 {
		opts.BusQueueSize = 10000
	}
	if opts.BusWorkers == 0 {
		opts.BusWorkers = 4
	}
	if opts.BusDedupHorizon == 0 {
		opts.BusDedupHorizon = 10000
	}
	if opts.RetentionInterval == 0 {
		opts.RetentionInterval = time.Hour
	}

	eventBus, err := bus.New(opts.BusQueueSize, opts.BusDedupHorizon)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	processor, err := stream.NewProcessor(opts.Stream, eventBus)
	if err != nil {
		return nil, err
	}

	coll, err := collector.New(opts.Collector, store, eventBus)
	if err != nil {
		return nil, err
	}

	detector, err := anomaly.NewDetector(opts.Anomaly)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:      opts,
		store:     store,
		eventBus:  eventBus,
		processor: processor,
		collector: coll,
		detector:  detector,
		stopChan:  make(chan struct{}),
	}
	processor.OnClose(e.handleWindow)
	return e, nil
}

// Start запускает компоненты движка
func (e *Engine) Start() {
	e.startedAt = time.Now()
	e.eventBus.Start(e.opts.BusWorkers)
	e.processor.Start()
	e.collector.Start()

	if e.opts.RetentionMaxAge > 0 {
		e.wg.Add(1)
		go e.retentionLoop()
	}
	log.Println("Analytics engine started")
}

// Stop останавливает движок: процессор закрывает оставшиеся окна,
// коллектор сбрасывает буфер, затем глушится шина
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()

	e.processor.Stop()
	e.collector.Stop()
	e.eventBus.Stop()
	log.Println("Analytics engine stopped")
}

// RecordMetric принимает наблюдение в оба тракта: коллектор и окна
func (e *Engine) RecordMetric(obs models.Observation) error {
	if err := e.collector.Record(obs); err != nil {
		return err
	}
	return e.processor.Process(obs)
}

// handleWindow обрабатывает закрытое окно: агрегат, детекция аномалий
// и запись результатов одним батчем
func (e *Engine) handleWindow(w models.Window) {
	started := time.Now()

	if err := e.eventBus.Publish(models.NewEvent(models.EventProcessingStarted, "engine", w.ID)); err != nil {
		log.Printf("Failed to publish processing start: %v", err)
	}

	records, anomalyResult, err := e.processWindow(w)
	if err != nil {
		log.Printf("Window %s processing failed: %v", w.ID, err)
		e.eventBus.Publish(models.NewEvent(models.EventProcessingFailed, "engine", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.InsertBatch(ctx, records); err != nil {
		log.Printf("Failed to persist window %s results: %v", w.ID, err)
		e.eventBus.Publish(models.NewEvent(models.EventProcessingFailed, "engine", err.Error()))
		return
	}

	if anomalyResult != nil {
		e.mu.Lock()
		e.anomalies++
		e.mu.Unlock()

		severity := worstSeverity(anomalyResult.Evidence)
		metrics.AnomaliesDetected.WithLabelValues(string(severity)).Inc()
		log.Printf("Anomaly detected: metric=%s window=%s confidence=%.2f severity=%s",
			anomalyResult.MetricName, anomalyResult.WindowID,
			anomalyResult.CombinedConfidence, severity)

		if err := e.eventBus.Publish(models.NewEvent(models.EventAnomalyDetected, "engine", *anomalyResult)); err != nil {
			log.Printf("Failed to publish anomaly: %v", err)
		}
	}

	metrics.DetectionLatency.Observe(time.Since(started).Seconds())
	e.eventBus.Publish(models.NewEvent(models.EventProcessingCompleted, "engine", w.ID))
}

// processWindow строит агрегат окна и прогоняет детекцию аномалий
func (e *Engine) processWindow(w models.Window) ([]models.StorageRecord, *models.AnomalyResult, error) {
	values := w.Values()
	desc, err := stats.Describe(values)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to aggregate window %s: %w", w.ID, err)
	}

	metricName := w.Elements[0].Name
	tags := w.Elements[0].Tags

	aggregate := models.AggregateResult{
		MetricName:  metricName,
		WindowID:    w.ID,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Count:       desc.Count,
		Min:         desc.Min,
		Max:         desc.Max,
		Mean:        desc.Mean,
		Median:      desc.Median,
		StdDev:      desc.StdDev,
		P95:         desc.P95,
		P99:         desc.P99,
		Tags:        tags,
	}
	aggPayload, err := json.Marshal(aggregate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal aggregate: %w", err)
	}

	now := time.Now().UTC()
	records := []models.StorageRecord{{
		Kind:        models.KindAggregate,
		MetricName:  metricName,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Payload:     aggPayload,
		CreatedAt:   now,
	}}

	result, err := e.detector.Detect(metricName, w.ID, values, w.Timestamps(), nil)
	if err != nil {
		// Недостаток данных для детекции не отменяет запись агрегата
		log.Printf("Anomaly detection skipped for window %s: %v", w.ID, err)
		return records, nil, nil
	}
	if !result.IsAnomaly {
		return records, nil, nil
	}

	anomalyPayload, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	records = append(records, models.StorageRecord{
		Kind:        models.KindAnomaly,
		MetricName:  metricName,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Payload:     anomalyPayload,
		CreatedAt:   now,
	})
	return records, &result, nil
}

// GetMetrics возвращает агрегаты метрики за период
func (e *Engine) GetMetrics(ctx context.Context, name string, start, end time.Time) ([]models.AggregateResult, error) {
	records, err := e.store.QueryRange(ctx, models.KindAggregate, name, start, end)
	if err != nil {
		return nil, err
	}

	results := make([]models.AggregateResult, 0, len(records))
	for _, r := range records {
		var agg models.AggregateResult
		if err := json.Unmarshal(r.Payload, &agg); err != nil {
			log.Printf("Skipping malformed aggregate record for %s: %v", name, err)
			continue
		}
		results = append(results, agg)
	}
	return results, nil
}

// GetAnomalies возвращает аномалии метрики за период
func (e *Engine) GetAnomalies(ctx context.Context, name string, start, end time.Time) ([]models.AnomalyResult, error) {
	records, err := e.store.QueryRange(ctx, models.KindAnomaly, name, start, end)
	if err != nil {
		return nil, err
	}

	results := make([]models.AnomalyResult, 0, len(records))
	for _, r := range records {
		var res models.AnomalyResult
		if err := json.Unmarshal(r.Payload, &res); err != nil {
			log.Printf("Skipping malformed anomaly record for %s: %v", name, err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// GetRunningStats возвращает инкрементальную статистику метрики
func (e *Engine) GetRunningStats(name, tagString string) (collector.RunningStats, bool) {
	return e.collector.GetRunningStats(name, tagString)
}

// SubscribeAnomalies подписывает обработчик на события аномалий.
// Возвращает функцию отписки
func (e *Engine) SubscribeAnomalies(h AnomalyHandler) func() {
	id := e.eventBus.Subscribe(models.EventAnomalyDetected, func(event models.Event) error {
		result, ok := event.Payload.(models.AnomalyResult)
		if !ok {
			return fmt.Errorf("unexpected anomaly payload type %T", event.Payload)
		}
		h(result)
		return nil
	})
	return func() {
		e.eventBus.Unsubscribe(id)
	}
}

// Bus дает доступ к шине событий для внешних подписчиков
func (e *Engine) Bus() *bus.Bus {
	return e.eventBus
}

// GetStats возвращает сводный снимок движка
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	anomalies := e.anomalies
	e.mu.Unlock()

	return Stats{
		Uptime:    time.Since(e.startedAt).Round(time.Second).String(),
		Bus:       e.eventBus.GetStats(),
		Stream:    e.processor.GetStats(),
		Collector: e.collector.GetStats(),
		Anomalies: anomalies,
	}
}

// retentionLoop периодически удаляет данные старше срока удержания
func (e *Engine) retentionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			cutoff := time.Now().UTC().Add(-e.opts.RetentionMaxAge)
			deleted, err := e.store.DeleteBefore(ctx, cutoff)
			cancel()
			if err != nil {
				log.Printf("Retention sweep failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("Retention sweep removed %d records older than %s",
					deleted, cutoff.Format(time.RFC3339))
			}
		}
	}
}

// worstSeverity возвращает наибольшую серьезность среди свидетельств
func worstSeverity(evidence []models.AnomalyEvidence) models.Severity {
	worst := models.SeverityLow
	for _, ev := range evidence {
		switch ev.Severity {
		case models.SeverityHigh:
			return models.SeverityHigh
		case models.SeverityMedium:
			worst = models.SeverityMedium
		}
	}
	return worst
}

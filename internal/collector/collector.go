// Package collector реализует сбор наблюдений: буферизацию на входе,
// периодический сброс агрегатов в хранилище с ретраями и поддержание
// инкрементальной статистики по каждой метрике
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"analytics-engine/internal/bus"
	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
	"analytics-engine/internal/stats"
	"analytics-engine/internal/storage"
)

const (
	// DefaultBatchSize размер батча, после которого инициируется сброс
	DefaultBatchSize = 100
	// DefaultFlushInterval период автоматического сброса буфера
	DefaultFlushInterval = 5 * time.Second
	// DefaultBufferCap жесткий предел буфера наблюдений
	DefaultBufferCap = 10000
	// DefaultMaxRetries число попыток записи батча в хранилище
	DefaultMaxRetries = 3
	// DefaultRetryBackoff базовая задержка между попытками записи
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Config конфигурация коллектора
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferCap     int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Validate проверяет параметры коллектора
func (c Config) Validate() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be non-negative, got %d", c.BatchSize)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush interval must be non-negative, got %v", c.FlushInterval)
	}
	if c.BufferCap < 0 {
		return fmt.Errorf("buffer capacity must be non-negative, got %d", c.BufferCap)
	}
	if c.BatchSize > 0 && c.BufferCap > 0 && c.BatchSize > c.BufferCap {
		return fmt.Errorf("batch size %d exceeds buffer capacity %d", c.BatchSize, c.BufferCap)
	}
	return nil
}

// RunningStats инкрементальная статистика метрики с момента старта
type RunningStats struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Stats счетчики коллектора
type Stats struct {
	Received int64 `json:"received"`
	Rejected int64 `json:"rejected"`
	Buffered int   `json:"buffered"`
	Flushes  int64 `json:"flushes"`
	Errors   int64 `json:"flush_errors"`
}

// Collector буферизует наблюдения и сбрасывает агрегаты в хранилище.
// При заполненном буфере Record сбрасывает синхронно: вызывающий
// оплачивает запись, буфер не растет неограниченно
type Collector struct {
	cfg      Config
	store    storage.Store
	eventBus *bus.Bus

	mu      sync.Mutex
	buffer  []models.Observation
	running map[string]*stats.Welford

	received int64
	rejected int64
	flushes  int64
	errors   int64

	flushChan chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New создает коллектор поверх хранилища. Шина может быть nil
func New(cfg Config, store storage.Store, eventBus *bus.Bus) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BufferCap == 0 {
		cfg.BufferCap = DefaultBufferCap
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	return &Collector{
		cfg:       cfg,
		store:     store,
		eventBus:  eventBus,
		buffer:    make([]models.Observation, 0, cfg.BatchSize),
		running:   make(map[string]*stats.Welford),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start запускает фоновый цикл сброса
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	log.Printf("Collector started: batch=%d interval=%v", c.cfg.BatchSize, c.cfg.FlushInterval)
}

// Stop останавливает коллектор и сбрасывает остаток буфера
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		log.Printf("Final flush failed: %v", err)
	}
	log.Println("Collector stopped")
}

// Record принимает наблюдение: валидация, буферизация, обновление
// инкрементальной статистики. Полный буфер сбрасывается синхронно
func (c *Collector) Record(obs models.Observation) error {
	if err := obs.Validate(); err != nil {
		atomic.AddInt64(&c.rejected, 1)
		metrics.ObservationsRejected.Inc()
		return err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	atomic.AddInt64(&c.received, 1)
	metrics.ObservationsReceived.Inc()

	c.mu.Lock()
	key := groupKey(obs)
	w, ok := c.running[key]
	if !ok {
		w = stats.NewWelford()
		c.running[key] = w
	}
	w.Add(obs.Value)

	c.buffer = append(c.buffer, obs)
	buffered := len(c.buffer)
	metrics.BufferedObservations.Set(float64(buffered))
	c.mu.Unlock()

	if buffered >= c.cfg.BufferCap {
		// Backpressure: вызывающий ждет завершения записи
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.Flush(ctx)
	}
	if buffered >= c.cfg.BatchSize {
		select {
		case c.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush агрегирует содержимое буфера по (метрика, теги) и записывает
// агрегаты в хранилище одним батчем с ретраями
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.buffer
	c.buffer = make([]models.Observation, 0, c.cfg.BatchSize)
	metrics.BufferedObservations.Set(0)
	c.mu.Unlock()

	records, err := c.aggregate(batch)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		metrics.FlushErrors.Inc()
		return err
	}

	if err := c.insertWithRetry(ctx, records); err != nil {
		atomic.AddInt64(&c.errors, 1)
		metrics.FlushErrors.Inc()
		return err
	}

	atomic.AddInt64(&c.flushes, 1)
	metrics.FlushesTotal.Inc()

	if c.eventBus != nil {
		for _, r := range records {
			event := models.NewEvent(models.EventMetricCollected, "collector", r)
			if err := c.eventBus.Publish(event); err != nil {
				log.Printf("Failed to publish metric event: %v", err)
			}
		}
	}
	return nil
}

// aggregate сводит наблюдения батча в агрегаты по группам
func (c *Collector) aggregate(batch []models.Observation) ([]models.StorageRecord, error) {
	groups := make(map[string][]models.Observation)
	for _, obs := range batch {
		key := groupKey(obs)
		groups[key] = append(groups[key], obs)
	}

	now := time.Now().UTC()
	records := make([]models.StorageRecord, 0, len(groups))
	for _, group := range groups {
		values := make([]float64, len(group))
		start, end := group[0].Timestamp, group[0].Timestamp
		for i, obs := range group {
			values[i] = obs.Value
			if obs.Timestamp.Before(start) {
				start = obs.Timestamp
			}
			if obs.Timestamp.After(end) {
				end = obs.Timestamp
			}
		}

		desc, err := stats.Describe(values)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate %s: %w", group[0].Name, err)
		}

		result := models.AggregateResult{
			MetricName:  group[0].Name,
			WindowID:    fmt.Sprintf("flush:%s:%d", group[0].Name, start.UnixNano()),
			WindowStart: start,
			WindowEnd:   end,
			Count:       desc.Count,
			Min:         desc.Min,
			Max:         desc.Max,
			Mean:        desc.Mean,
			Median:      desc.Median,
			StdDev:      desc.StdDev,
			P95:         desc.P95,
			P99:         desc.P99,
			Tags:        group[0].Tags,
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal aggregate: %w", err)
		}
		records = append(records, models.StorageRecord{
			Kind:        models.KindAggregate,
			MetricName:  result.MetricName,
			WindowStart: start,
			WindowEnd:   end,
			Payload:     payload,
			CreatedAt:   now,
		})
	}
	return records, nil
}

// insertWithRetry записывает батч с ограниченным числом попыток
func (c *Collector) insertWithRetry(ctx context.Context, records []models.StorageRecord) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		lastErr = c.store.InsertBatch(ctx, records)
		if lastErr == nil {
			return nil
		}
		log.Printf("Flush attempt %d/%d failed: %v", attempt, c.cfg.MaxRetries, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("flush failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// flushLoop сбрасывает буфер по таймеру и по сигналу заполнения батча
func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
		case <-c.flushChan:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Flush(ctx); err != nil {
			log.Printf("Periodic flush failed: %v", err)
		}
		cancel()
	}
}

// GetRunningStats возвращает инкрементальную статистику метрики
// с момента старта процесса
func (c *Collector) GetRunningStats(name, tagString string) (RunningStats, bool) {
	key := name
	if tagString != "" {
		key = name + "|" + tagString
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.running[key]
	if !ok || w.Count() == 0 {
		return RunningStats{}, false
	}
	return RunningStats{
		Count:  int64(w.Count()),
		Mean:   w.Mean(),
		StdDev: w.StdDev(),
		Min:    w.Min(),
		Max:    w.Max(),
	}, true
}

// GetStats возвращает снимок счетчиков коллектора
func (c *Collector) GetStats() Stats {
	c.mu.Lock()
	buffered := len(c.buffer)
	c.mu.Unlock()

	return Stats{
		Received: atomic.LoadInt64(&c.received),
		Rejected: atomic.LoadInt64(&c.rejected),
		Buffered: buffered,
		Flushes:  atomic.LoadInt64(&c.flushes),
		Errors:   atomic.LoadInt64(&c.errors),
	}
}

// groupKey ключ группировки наблюдений при агрегации
func groupKey(obs models.Observation) string {
	tags := obs.TagString()
	if tags == "" {
		return obs.Name
	}
	return obs.Name + "|" + tags
}

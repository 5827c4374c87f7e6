// Package stream реализует потоковую оконную обработку наблюдений:
// tumbling, sliding и session окна с грейс-периодом для опоздавших
// данных и защитой от неограниченного роста числа открытых окон
package stream

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"analytics-engine/internal/bus"
	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
)

const (
	// DefaultGracePeriod сколько ждать опоздавшие данные после конца окна
	DefaultGracePeriod = 30 * time.Second
	// DefaultMaxOpenWindows предел открытых окон до принудительного закрытия
	DefaultMaxOpenWindows = 1000
	// DefaultSweepInterval период проверки окон на закрытие
	DefaultSweepInterval = 1 * time.Second
)

// Config конфигурация процессора окон
type Config struct {
	WindowType     models.WindowType
	WindowSize     time.Duration
	SlideStep      time.Duration
	SessionGap     time.Duration
	GracePeriod    time.Duration
	MaxOpenWindows int
	SweepInterval  time.Duration
}

// Validate проверяет согласованность оконных параметров
func (c Config) Validate() error {
	switch c.WindowType {
	case models.WindowTumbling:
		if c.WindowSize <= 0 {
			return fmt.Errorf("window size must be positive, got %v", c.WindowSize)
		}
	case models.WindowSliding:
		if c.WindowSize <= 0 {
			return fmt.Errorf("window size must be positive, got %v", c.WindowSize)
		}
		if c.SlideStep <= 0 {
			return fmt.Errorf("slide step must be positive, got %v", c.SlideStep)
		}
		if c.SlideStep >= c.WindowSize {
			return fmt.Errorf("slide step %v must be less than window size %v", c.SlideStep, c.WindowSize)
		}
	case models.WindowSession:
		if c.SessionGap <= 0 {
			return fmt.Errorf("session gap must be positive, got %v", c.SessionGap)
		}
	default:
		return fmt.Errorf("unknown window type: %s", c.WindowType)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must be non-negative, got %v", c.GracePeriod)
	}
	if c.MaxOpenWindows < 0 {
		return fmt.Errorf("max open windows must be non-negative, got %d", c.MaxOpenWindows)
	}
	return nil
}

// CloseHandler вызывается для каждого закрытого непустого окна
type CloseHandler func(models.Window)

// Stats счетчики процессора
type Stats struct {
	OpenWindows  int   `json:"open_windows"`
	Closed       int64 `json:"closed"`
	ForceClosed  int64 `json:"force_closed"`
	LateDropped  int64 `json:"late_dropped"`
	Observations int64 `json:"observations"`
}

// Processor распределяет наблюдения по окнам и закрывает окна по
// истечении грейс-периода. Один мьютекс на таблицу окон: порядок
// наблюдений одного ключа сохраняется
type Processor struct {
	cfg      Config
	eventBus *bus.Bus

	mu       sync.Mutex
	windows  map[string]*models.Window
	sessions map[string]string // ключ метрики -> ID активной сессии
	activity map[string]time.Time

	handlers []CloseHandler

	closed       int64
	forceClosed  int64
	lateDropped  int64
	observations int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor создает процессор окон. Шина может быть nil, тогда
// события о закрытии окон не публикуются
func NewProcessor(cfg Config, eventBus *bus.Bus) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream processor config: %w", err)
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxOpenWindows == 0 {
		cfg.MaxOpenWindows = DefaultMaxOpenWindows
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	return &Processor{
		cfg:      cfg,
		eventBus: eventBus,
		windows:  make(map[string]*models.Window),
		sessions: make(map[string]string),
		activity: make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}, nil
}

// OnClose регистрирует обработчик закрытых окон. Вызывать до Start
func (p *Processor) OnClose(h CloseHandler) {
	p.handlers = append(p.handlers, h)
}

// Start запускает фоновое закрытие окон
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.sweeper()
	log.Printf("Stream processor started: type=%s size=%v grace=%v",
		p.cfg.WindowType, p.cfg.WindowSize, p.cfg.GracePeriod)
}

// Stop останавливает процессор и закрывает все оставшиеся окна
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()

	p.mu.Lock()
	remaining := make([]*models.Window, 0, len(p.windows))
	for id := range p.windows {
		remaining = append(remaining, p.closeLocked(id, false))
	}
	p.mu.Unlock()

	p.dispatch(remaining)
	log.Printf("Stream processor stopped, flushed %d windows", len(remaining))
}

// Process распределяет наблюдение по окнам согласно его временной
// метке. Опоздавшие наблюдения, чье окно уже закрыто и грейс-период
// истек, отбрасываются со счетчиком
func (p *Processor) Process(obs models.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	atomic.AddInt64(&p.observations, 1)

	key := windowKey(obs)
	now := time.Now().UTC()

	var toClose []*models.Window

	p.mu.Lock()
	switch p.cfg.WindowType {
	case models.WindowSession:
		toClose = p.assignSession(key, obs, now)
	default:
		for _, start := range p.windowStarts(obs.Timestamp) {
			end := start.Add(p.cfg.WindowSize)
			if now.After(end.Add(p.cfg.GracePeriod)) {
				atomic.AddInt64(&p.lateDropped, 1)
				metrics.LateObservationsDropped.Inc()
				continue
			}
			p.appendLocked(key, start, end, obs)
		}
	}
	toClose = append(toClose, p.enforceLimitLocked()...)
	p.mu.Unlock()

	p.dispatch(toClose)
	return nil
}

// windowStarts возвращает начала окон, покрывающих временную метку
func (p *Processor) windowStarts(ts time.Time) []time.Time {
	if p.cfg.WindowType == models.WindowTumbling {
		return []time.Time{ts.Truncate(p.cfg.WindowSize)}
	}

	// Скользящие окна начинаются на кратных шагу отметках;
	// метку покрывают окна со стартом в (ts-size, ts]
	var starts []time.Time
	start := ts.Truncate(p.cfg.SlideStep)
	for start.Add(p.cfg.WindowSize).After(ts) {
		starts = append(starts, start)
		start = start.Add(-p.cfg.SlideStep)
	}
	return starts
}

// assignSession добавляет наблюдение в активную сессию ключа либо
// закрывает истекшую и открывает новую. Грейс-периода у сессий нет:
// наблюдение после таймаута начинает новую сессию
func (p *Processor) assignSession(key string, obs models.Observation, now time.Time) []*models.Window {
	var toClose []*models.Window

	if id, ok := p.sessions[key]; ok {
		w := p.windows[id]
		if now.Sub(p.activity[id]) <= p.cfg.SessionGap {
			w.Elements = append(w.Elements, obs)
			if obs.Timestamp.After(w.End) {
				w.End = obs.Timestamp
			}
			p.activity[id] = now
			return nil
		}
		toClose = append(toClose, p.closeLocked(id, false))
	}

	id := fmt.Sprintf("%s:%d", key, obs.Timestamp.UnixNano())
	p.windows[id] = &models.Window{
		ID:       id,
		Type:     models.WindowSession,
		Key:      key,
		Start:    obs.Timestamp,
		End:      obs.Timestamp,
		Elements: []models.Observation{obs},
	}
	p.sessions[key] = id
	p.activity[id] = now
	metrics.WindowsOpened.WithLabelValues(string(models.WindowSession)).Inc()
	metrics.ActiveWindows.Set(float64(len(p.windows)))
	return toClose
}

// appendLocked добавляет наблюдение в окно [start, end), создавая его
// при необходимости. Вызывается под мьютексом
func (p *Processor) appendLocked(key string, start, end time.Time, obs models.Observation) {
	id := fmt.Sprintf("%s:%d", key, start.UnixNano())
	w, ok := p.windows[id]
	if !ok {
		w = &models.Window{
			ID:    id,
			Type:  p.cfg.WindowType,
			Key:   key,
			Start: start,
			End:   end,
		}
		p.windows[id] = w
		metrics.WindowsOpened.WithLabelValues(string(p.cfg.WindowType)).Inc()
		metrics.ActiveWindows.Set(float64(len(p.windows)))
	}
	w.Elements = append(w.Elements, obs)
}

// enforceLimitLocked принудительно закрывает самые старые окна,
// когда открыто больше лимита. Вызывается под мьютексом
func (p *Processor) enforceLimitLocked() []*models.Window {
	if len(p.windows) <= p.cfg.MaxOpenWindows {
		return nil
	}

	ids := make([]string, 0, len(p.windows))
	for id := range p.windows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return p.windows[ids[i]].End.Before(p.windows[ids[j]].End)
	})

	var closed []*models.Window
	for _, id := range ids {
		if len(p.windows) <= p.cfg.MaxOpenWindows {
			break
		}
		closed = append(closed, p.closeLocked(id, true))
	}
	return closed
}

// closeLocked удаляет окно из таблицы и запечатывает его.
// Вызывается под мьютексом; диспетчеризация выполняется снаружи
func (p *Processor) closeLocked(id string, forced bool) *models.Window {
	w := p.windows[id]
	delete(p.windows, id)
	delete(p.activity, id)
	if p.sessions[w.Key] == id {
		delete(p.sessions, w.Key)
	}
	w.Seal()

	atomic.AddInt64(&p.closed, 1)
	metrics.WindowsClosed.WithLabelValues(string(w.Type)).Inc()
	if forced {
		atomic.AddInt64(&p.forceClosed, 1)
		metrics.WindowsForceClosed.Inc()
	}
	metrics.ActiveWindows.Set(float64(len(p.windows)))
	return w
}

// dispatch передает закрытые непустые окна обработчикам и в шину.
// Пустые окна не порождают ничего
func (p *Processor) dispatch(windows []*models.Window) {
	for _, w := range windows {
		if w == nil || len(w.Elements) == 0 {
			continue
		}
		for _, h := range p.handlers {
			h(*w)
		}
		if p.eventBus != nil {
			event := models.NewEvent(models.EventWindowClosed, "stream", *w)
			if err := p.eventBus.Publish(event); err != nil {
				log.Printf("Failed to publish window close event: %v", err)
			}
		}
	}
}

// sweeper периодически закрывает окна с истекшим грейс-периодом
// и сессии с истекшим таймаутом неактивности
func (p *Processor) sweeper() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.dispatch(p.sweep(time.Now().UTC()))
		}
	}
}

// sweep собирает окна, подлежащие закрытию на момент now
func (p *Processor) sweep(now time.Time) []*models.Window {
	p.mu.Lock()
	defer p.mu.Unlock()

	var toClose []*models.Window
	for id, w := range p.windows {
		var expired bool
		if w.Type == models.WindowSession {
			expired = now.Sub(p.activity[id]) > p.cfg.SessionGap
		} else {
			expired = now.After(w.End.Add(p.cfg.GracePeriod))
		}
		if expired {
			toClose = append(toClose, p.closeLocked(id, false))
		}
	}
	return toClose
}

// GetStats возвращает снимок счетчиков процессора
func (p *Processor) GetStats() Stats {
	p.mu.Lock()
	open := len(p.windows)
	p.mu.Unlock()

	return Stats{
		OpenWindows:  open,
		Closed:       atomic.LoadInt64(&p.closed),
		ForceClosed:  atomic.LoadInt64(&p.forceClosed),
		LateDropped:  atomic.LoadInt64(&p.lateDropped),
		Observations: atomic.LoadInt64(&p.observations),
	}
}

// windowKey ключ группировки наблюдений: имя метрики плюс теги
func windowKey(obs models.Observation) string {
	tags := obs.TagString()
	if tags == "" {
		return obs.Name
	}
	return obs.Name + "|" + tags
}

// Package bus реализует внутрипроцессную шину событий publish/subscribe
// с дедупликацией по ID и асинхронной доставкой через пул воркеров.
// Шина создается явно и передается компонентам через конструкторы -
// глобального состояния нет, каждый тест может держать свою шину
package bus

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
)

// Wildcard подписка на все типы событий
const Wildcard models.EventType = "*"

// Handler обработчик события. Ошибка логируется и учитывается,
// но не влияет на других подписчиков и на публикатора
type Handler func(event models.Event) error

// SubscriptionID идентификатор подписки для отписки
type SubscriptionID uint64

// Stats счетчики шины для наблюдаемости
type Stats struct {
	Published     int64 `json:"published"`
	Deduplicated  int64 `json:"deduplicated"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handler_errors"`
	QueueLength   int   `json:"queue_length"`
}

type subscription struct {
	id        SubscriptionID
	eventType models.EventType
	handler   Handler
}

// Bus шина событий с ограниченной очередью и пулом воркеров.
// Publish никогда не блокирует публикатора дольше постановки в очередь
type Bus struct {
	queue    chan models.Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscription
	nextID uint64

	// seen ограниченный LRU-набор недавних ID событий;
	// емкость задает горизонт дедупликации
	seen *lru.Cache[string, struct{}]

	published     atomic.Int64
	deduplicated  atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64

	started bool
}

// New создает шину с заданным размером очереди и горизонтом дедупликации
func New(queueSize, dedupHorizon int) (*Bus, error) {
	if queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", queueSize)
	}
	if dedupHorizon <= 0 {
		return nil, fmt.Errorf("dedup horizon must be positive, got %d", dedupHorizon)
	}

	seen, err := lru.New[string, struct{}](dedupHorizon)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &Bus{
		queue:    make(chan models.Event, queueSize),
		stopChan: make(chan struct{}),
		subs:     make(map[SubscriptionID]*subscription),
		seen:     seen,
	}, nil
}

// Start запускает пул воркеров доставки
func (b *Bus) Start(numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	b.started = true
	for i := 0; i < numWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// worker горутина доставки событий подписчикам
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-b.stopChan:
			// Дочитываем очередь перед выходом
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// Publish публикует событие. Дубликаты в пределах горизонта дедупликации
// отбрасываются молча, при переполненной очереди событие теряется
// с инкрементом счетчика - публикатор не блокируется
func (b *Bus) Publish(event models.Event) error {
	id := event.ID.String()
	if _, dup := b.seen.Get(id); dup {
		b.deduplicated.Add(1)
		metrics.EventsDeduplicated.Inc()
		return nil
	}
	b.seen.Add(id, struct{}{})

	select {
	case b.queue <- event:
		b.published.Add(1)
		metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
		return nil
	default:
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
		return fmt.Errorf("event queue full, dropped event %s", id)
	}
}

// Subscribe регистрирует обработчик для типа события.
// Wildcard подписывает на все типы
func (b *Bus) Subscribe(eventType models.EventType, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := SubscriptionID(b.nextID)
	b.subs[id] = &subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	}
	return id
}

// Unsubscribe удаляет подписку
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// dispatch доставляет событие подходящим подписчикам.
// Паника или ошибка одного обработчика не мешает остальным
func (b *Bus) dispatch(event models.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == Wildcard || sub.eventType == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

// invoke вызывает обработчик с перехватом паники
func (b *Bus) invoke(handler Handler, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			metrics.HandlerErrors.Inc()
			log.Printf("Event handler panic for event %s: %v", event.ID, r)
		}
	}()

	if err := handler(event); err != nil {
		b.handlerErrors.Add(1)
		metrics.HandlerErrors.Inc()
		log.Printf("Event handler error for event %s (%s): %v", event.ID, event.Type, err)
	}
}

// GetStats возвращает снимок счетчиков шины
func (b *Bus) GetStats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Deduplicated:  b.deduplicated.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		QueueLength:   len(b.queue),
	}
}

// Stop останавливает воркеров, дожидаясь доставки оставшихся событий
func (b *Bus) Stop() {
	if !b.started {
		return
	}
	close(b.stopChan)
	b.wg.Wait()
	b.started = false
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"analytics-engine/internal/bus"
	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
)

const (
	// rangeKeyPrefix префикс для закэшированных результатов QueryRange
	rangeKeyPrefix = "range:"
	// versionKeyPrefix префикс для версий метрик
	versionKeyPrefix = "version:"
	// DefaultCacheTTL время жизни закэшированного диапазона
	DefaultCacheTTL = 5 * time.Minute
)

// CachedStore read-through кэш поверх долговременного хранилища.
// Результаты QueryRange кэшируются в Redis под ключом, включающим
// версию метрики; InsertBatch и DeleteBefore инкрементируют версию,
// так что следующий запрос гарантированно промахивается мимо кэша
// и уходит в хранилище. Ошибки Redis не фатальны: кэш деградирует
// до прямых запросов
type CachedStore struct {
	inner    Store
	client   *redis.Client
	ttl      time.Duration
	eventBus *bus.Bus
}

// NewCachedStore оборачивает хранилище кэшем в Redis
func NewCachedStore(inner Store, addr, password string, db int, ttl time.Duration) (*CachedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Проверяем подключение
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, &StorageError{Backend: "redis", Op: "ping", Err: err}
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &CachedStore{
		inner:  inner,
		client: client,
		ttl:    ttl,
	}, nil
}

// SetEventBus включает публикацию событий cache_invalidated.
// Вызывать до начала записи
func (c *CachedStore) SetEventBus(eventBus *bus.Bus) {
	c.eventBus = eventBus
}

// publishInvalidated сообщает подписчикам об инвалидации кэша
func (c *CachedStore) publishInvalidated(reason string) {
	if c.eventBus == nil {
		return
	}
	if err := c.eventBus.Publish(models.NewEvent(models.EventCacheInvalidated, "storage", reason)); err != nil {
		metrics.StorageErrors.WithLabelValues("redis", "publish").Inc()
	}
}

// versionKey ключ счетчика версии метрики
func versionKey(kind models.RecordKind, name string) string {
	return fmt.Sprintf("%s%s:%s", versionKeyPrefix, kind, name)
}

// rangeKey ключ закэшированного диапазона, привязанный к версии
func rangeKey(kind models.RecordKind, name string, version int64, start, end time.Time) string {
	return fmt.Sprintf("%s%s:%s:v%d:%d:%d",
		rangeKeyPrefix, kind, name, version, start.UnixNano(), end.UnixNano())
}

// metricVersion возвращает текущую версию метрики (0, если записей не было)
func (c *CachedStore) metricVersion(ctx context.Context, kind models.RecordKind, name string) (int64, error) {
	val, err := c.client.Get(ctx, versionKey(kind, name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// InsertBatch пишет в хранилище и инвалидирует кэш затронутых метрик
// инкрементом их версий
func (c *CachedStore) InsertBatch(ctx context.Context, records []models.StorageRecord) error {
	if err := c.inner.InsertBatch(ctx, records); err != nil {
		return err
	}

	touched := make(map[string]struct{})
	pipe := c.client.Pipeline()
	for _, r := range records {
		key := versionKey(r.Kind, r.MetricName)
		if _, ok := touched[key]; ok {
			continue
		}
		touched[key] = struct{}{}
		pipe.Incr(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Запись уже зафиксирована; устаревший кэш истечет по TTL
		metrics.StorageErrors.WithLabelValues("redis", "invalidate").Inc()
	} else if len(touched) > 0 {
		c.publishInvalidated("insert")
	}
	return nil
}

// QueryRange отвечает из кэша, при промахе спускается в хранилище
// и кэширует результат
func (c *CachedStore) QueryRange(ctx context.Context, kind models.RecordKind, name string, start, end time.Time) ([]models.StorageRecord, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	version, verErr := c.metricVersion(ctx, kind, name)
	if verErr == nil {
		key := rangeKey(kind, name, version, start, end)
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			var cached []models.StorageRecord
			if err := json.Unmarshal(data, &cached); err == nil {
				metrics.CacheHits.Inc()
				return cached, nil
			}
		}
	}
	metrics.CacheMisses.Inc()

	records, err := c.inner.QueryRange(ctx, kind, name, start, end)
	if err != nil {
		return nil, err
	}

	if verErr == nil {
		if data, err := json.Marshal(records); err == nil {
			key := rangeKey(kind, name, version, start, end)
			if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
				metrics.StorageErrors.WithLabelValues("redis", "set").Inc()
			}
		}
	}
	return records, nil
}

// DeleteBefore удаляет из хранилища и сбрасывает все версии: ключи
// метрик заранее неизвестны, поэтому инвалидируем по маске
func (c *CachedStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := c.inner.DeleteBefore(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		if err := c.invalidateAll(ctx); err != nil {
			metrics.StorageErrors.WithLabelValues("redis", "invalidate").Inc()
		} else {
			c.publishInvalidated("retention")
		}
	}
	return deleted, nil
}

// invalidateAll инкрементирует все версии, отвязывая кэш диапазонов.
// Версии именно инкрементируются, а не удаляются: сброс в ноль мог бы
// оживить старые записи кэша для нулевой версии
func (c *CachedStore) invalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, versionKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Ping проверяет соединение с Redis
func (c *CachedStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close закрывает кэш и нижележащее хранилище
func (c *CachedStore) Close() error {
	if err := c.client.Close(); err != nil {
		c.inner.Close()
		return err
	}
	return c.inner.Close()
}

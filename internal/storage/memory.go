package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"analytics-engine/internal/models"
)

// MemoryStore хранилище в памяти для тестов и эфемерного использования.
// Без партиционирования; объем ограничен maxRecords с вытеснением
// самых старых записей
type MemoryStore struct {
	mu         sync.RWMutex
	records    []models.StorageRecord
	maxRecords int
}

// NewMemoryStore создает хранилище с ограничением на количество записей
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 100000
	}
	return &MemoryStore{
		maxRecords: maxRecords,
	}
}

// InsertBatch добавляет записи, вытесняя самые старые при переполнении
func (m *MemoryStore) InsertBatch(ctx context.Context, records []models.StorageRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Backend: "memory", Op: "insert_batch", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, records...)
	if overflow := len(m.records) - m.maxRecords; overflow > 0 {
		m.records = m.records[overflow:]
	}
	return nil
}

// QueryRange возвращает записи с началом окна в [start, end],
// отсортированные по времени
func (m *MemoryStore) QueryRange(ctx context.Context, kind models.RecordKind, name string, start, end time.Time) ([]models.StorageRecord, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Backend: "memory", Op: "query_range", Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.StorageRecord, 0)
	for _, r := range m.records {
		if r.Kind != kind || r.MetricName != name {
			continue
		}
		if r.WindowStart.Before(start) || r.WindowStart.After(end) {
			continue
		}
		result = append(result, r)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].WindowStart.Before(result[j].WindowStart)
	})
	return result, nil
}

// DeleteBefore удаляет записи с началом окна раньше отметки
func (m *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StorageError{Backend: "memory", Op: "delete_before", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	var deleted int64
	for _, r := range m.records {
		if r.WindowStart.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return deleted, nil
}

// Len возвращает текущее количество записей
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close для хранилища в памяти ничего не делает
func (m *MemoryStore) Close() error {
	return nil
}

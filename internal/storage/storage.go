// Package storage реализует слой персистентности движка: долговременное
// партиционированное хранилище в PostgreSQL, кэширующую обертку поверх
// Redis и ограниченное хранилище в памяти для тестов.
// Все реализации взаимозаменяемы за одним интерфейсом и дают одинаковую
// семантику round-trip: записанное InsertBatch возвращается QueryRange
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"analytics-engine/internal/models"
)

// ErrInvalidRange возвращается для запросов с end раньше start
var ErrInvalidRange = errors.New("invalid time range: end before start")

// StorageError типизированная ошибка операции хранилища
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

// Error реализует error
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap раскрывает исходную ошибку для errors.Is/As
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store интерфейс хранилища временных рядов.
// Все блокирующие операции принимают контекст с дедлайном;
// при отмене батч либо записан целиком, либо не записан вовсе
type Store interface {
	// InsertBatch записывает пакет записей атомарно
	InsertBatch(ctx context.Context, records []models.StorageRecord) error

	// QueryRange возвращает записи вида kind для метрики name,
	// чье начало окна попадает в [start, end].
	// Пустой диапазон дает пустой результат без ошибки
	QueryRange(ctx context.Context, kind models.RecordKind, name string, start, end time.Time) ([]models.StorageRecord, error)

	// DeleteBefore удаляет записи старше отметки, возвращая их количество
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close освобождает ресурсы хранилища
	Close() error
}

// validateRange проверяет корректность временного диапазона запроса
func validateRange(start, end time.Time) error {
	if end.Before(start) {
		return ErrInvalidRange
	}
	return nil
}

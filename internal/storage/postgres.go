package storage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"analytics-engine/internal/metrics"
	"analytics-engine/internal/models"
)

const (
	aggregatesTable = "analytics_aggregates"
	anomaliesTable  = "analytics_anomalies"

	// defaultChunkSize ограничивает размер одного INSERT,
	// чтобы не раздувать payload запроса
	defaultChunkSize = 500

	// pgDuplicateTable код ошибки PostgreSQL "relation already exists";
	// возможен при гонке создания партиции из двух соединений
	pgDuplicateTable = "42P07"
)

// PostgresOptions настройки подключения к PostgreSQL
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ChunkSize       int
}

// PostgresStore долговременное хранилище временных рядов в PostgreSQL.
// Таблицы партиционированы по дням: запросы диапазона сканируют только
// партиции, пересекающие [start, end], а retention удаляет устаревшие
// партиции целиком через DROP TABLE вместо построчного DELETE
type PostgresStore struct {
	db        *sqlx.DB
	chunkSize int

	// partitions кэш уже созданных партиций, чтобы не дергать каталог
	// на каждый батч
	partMu     sync.Mutex
	partitions map[string]struct{}
}

// NewPostgresStore подключается к PostgreSQL и создает родительские
// партиционированные таблицы, если их еще нет
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", opts.DSN)
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "connect", Err: err}
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Backend: "postgres", Op: "ping", Err: err}
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	store := &PostgresStore{
		db:         db,
		chunkSize:  chunkSize,
		partitions: make(map[string]struct{}),
	}

	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// ensureSchema создает родительские таблицы для агрегатов и аномалий
func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	for _, table := range []string{aggregatesTable, anomaliesTable} {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				metric_name  TEXT        NOT NULL,
				window_start TIMESTAMPTZ NOT NULL,
				window_end   TIMESTAMPTZ NOT NULL,
				payload      JSONB       NOT NULL,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
			) PARTITION BY RANGE (window_start)`, table)
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return &StorageError{Backend: "postgres", Op: "ensure_schema", Err: err}
		}
	}
	return nil
}

// tableForKind возвращает родительскую таблицу для вида записи
func tableForKind(kind models.RecordKind) (string, error) {
	switch kind {
	case models.KindAggregate:
		return aggregatesTable, nil
	case models.KindAnomaly:
		return anomaliesTable, nil
	default:
		return "", fmt.Errorf("unknown record kind: %s", kind)
	}
}

// partitionName возвращает имя дневной партиции
func partitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_p%s", table, day.Format("20060102"))
}

// ensurePartition создает дневную партицию, если ее еще нет.
// Гонка создания из параллельных соединений разрешается по коду 42P07
func (p *PostgresStore) ensurePartition(ctx context.Context, table string, ts time.Time) error {
	day := ts.UTC().Truncate(24 * time.Hour)
	name := partitionName(table, day)

	p.partMu.Lock()
	if _, ok := p.partitions[name]; ok {
		p.partMu.Unlock()
		return nil
	}
	p.partMu.Unlock()

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, table,
		day.Format(time.RFC3339),
		day.Add(24*time.Hour).Format(time.RFC3339),
	)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		if pqErr, ok := err.(*pq.Error); !ok || string(pqErr.Code) != pgDuplicateTable {
			return &StorageError{Backend: "postgres", Op: "ensure_partition", Err: err}
		}
	}

	p.partMu.Lock()
	p.partitions[name] = struct{}{}
	p.partMu.Unlock()
	return nil
}

// InsertBatch записывает пакет в одной транзакции: при отмене контекста
// или ошибке транзакция откатывается целиком, частичной записи не бывает.
// Вставки нарезаются на чанки по chunkSize строк
func (p *PostgresStore) InsertBatch(ctx context.Context, records []models.StorageRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.StorageLatency.WithLabelValues("postgres", "insert_batch").
			Observe(time.Since(start).Seconds())
	}()

	// Партиции создаются вне транзакции: DDL в той же транзакции,
	// что и вставка, держал бы блокировки до коммита
	byTable := make(map[string][]models.StorageRecord)
	for _, r := range records {
		table, err := tableForKind(r.Kind)
		if err != nil {
			return &StorageError{Backend: "postgres", Op: "insert_batch", Err: err}
		}
		if err := p.ensurePartition(ctx, table, r.WindowStart); err != nil {
			return err
		}
		byTable[table] = append(byTable[table], r)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("postgres", "insert_batch").Inc()
		return &StorageError{Backend: "postgres", Op: "begin_tx", Err: err}
	}
	defer tx.Rollback()

	for table, rows := range byTable {
		for i := 0; i < len(rows); i += p.chunkSize {
			end := i + p.chunkSize
			if end > len(rows) {
				end = len(rows)
			}
			if err := p.insertChunk(ctx, tx, table, rows[i:end]); err != nil {
				metrics.StorageErrors.WithLabelValues("postgres", "insert_batch").Inc()
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.StorageErrors.WithLabelValues("postgres", "insert_batch").Inc()
		return &StorageError{Backend: "postgres", Op: "commit", Err: err}
	}

	metrics.StorageInserts.WithLabelValues("postgres").Add(float64(len(records)))
	return nil
}

// insertChunk вставляет один чанк многострочным INSERT
func (p *PostgresStore) insertChunk(ctx context.Context, tx *sqlx.Tx, table string, rows []models.StorageRecord) error {
	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*5)
	fmt.Fprintf(&sb, "INSERT INTO %s (metric_name, window_start, window_end, payload, created_at) VALUES ", table)

	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		args = append(args, r.MetricName, r.WindowStart, r.WindowEnd, r.Payload, createdAt)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return &StorageError{Backend: "postgres", Op: "insert_chunk", Err: err}
	}
	return nil
}

// QueryRange выбирает записи с началом окна в [start, end].
// Планировщик отсекает партиции вне диапазона по предикату window_start
func (p *PostgresStore) QueryRange(ctx context.Context, kind models.RecordKind, name string, start, end time.Time) ([]models.StorageRecord, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	table, err := tableForKind(kind)
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "query_range", Err: err}
	}

	began := time.Now()
	defer func() {
		metrics.StorageLatency.WithLabelValues("postgres", "query_range").
			Observe(time.Since(began).Seconds())
	}()

	query := fmt.Sprintf(`
		SELECT metric_name, window_start, window_end, payload, created_at
		FROM %s
		WHERE metric_name = $1 AND window_start >= $2 AND window_start <= $3
		ORDER BY window_start`, table)

	type row struct {
		MetricName  string    `db:"metric_name"`
		WindowStart time.Time `db:"window_start"`
		WindowEnd   time.Time `db:"window_end"`
		Payload     []byte    `db:"payload"`
		CreatedAt   time.Time `db:"created_at"`
	}

	var rows []row
	if err := p.db.SelectContext(ctx, &rows, query, name, start, end); err != nil {
		metrics.StorageErrors.WithLabelValues("postgres", "query_range").Inc()
		return nil, &StorageError{Backend: "postgres", Op: "query_range", Err: err}
	}

	records := make([]models.StorageRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, models.StorageRecord{
			Kind:        kind,
			MetricName:  r.MetricName,
			WindowStart: r.WindowStart,
			WindowEnd:   r.WindowEnd,
			Payload:     r.Payload,
			CreatedAt:   r.CreatedAt,
		})
	}
	return records, nil
}

// DeleteBefore удаляет устаревшие дневные партиции целиком.
// Удаляются только партиции, полностью лежащие раньше отметки
func (p *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	var total int64

	for _, table := range []string{aggregatesTable, anomaliesTable} {
		names, err := p.listPartitions(ctx, table)
		if err != nil {
			return total, err
		}

		for _, name := range names {
			day, ok := parsePartitionDay(table, name)
			if !ok {
				continue
			}
			// Партиция покрывает [day, day+24h): безопасно удалять,
			// только если ее верхняя граница не позже отметки
			if day.Add(24 * time.Hour).After(cutoffDay) {
				continue
			}

			var count int64
			if err := p.db.GetContext(ctx, &count, fmt.Sprintf("SELECT count(*) FROM %s", name)); err != nil {
				metrics.StorageErrors.WithLabelValues("postgres", "delete_before").Inc()
				return total, &StorageError{Backend: "postgres", Op: "count_partition", Err: err}
			}
			if _, err := p.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", name)); err != nil {
				metrics.StorageErrors.WithLabelValues("postgres", "delete_before").Inc()
				return total, &StorageError{Backend: "postgres", Op: "drop_partition", Err: err}
			}

			p.partMu.Lock()
			delete(p.partitions, name)
			p.partMu.Unlock()

			total += count
			log.Printf("Dropped partition %s (%d records)", name, count)
		}
	}
	return total, nil
}

// listPartitions возвращает имена дочерних партиций таблицы
func (p *PostgresStore) listPartitions(ctx context.Context, table string) ([]string, error) {
	var names []string
	err := p.db.SelectContext(ctx, &names, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class parent ON parent.oid = i.inhparent
		WHERE parent.relname = $1
		ORDER BY c.relname`, table)
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "list_partitions", Err: err}
	}
	return names, nil
}

// parsePartitionDay извлекает день из имени партиции вида table_pYYYYMMDD
func parsePartitionDay(table, name string) (time.Time, bool) {
	prefix := table + "_p"
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, false
	}
	day, err := time.Parse("20060102", strings.TrimPrefix(name, prefix))
	if err != nil {
		return time.Time{}, false
	}
	return day.UTC(), true
}

// Close закрывает пул соединений
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

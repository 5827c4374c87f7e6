// Package main запускает аналитический движок потоковых метрик
// Сервис реализует:
// - HTTP API для приема наблюдений и запросов агрегатов
// - Оконную обработку потока (tumbling/sliding/session)
// - Многометодную детекцию аномалий (z-score, IQR, change-point)
// - Партиционированное хранилище в PostgreSQL с кэшем в Redis
// - Экспорт метрик в Prometheus
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"analytics-engine/internal/anomaly"
	"analytics-engine/internal/collector"
	"analytics-engine/internal/config"
	"analytics-engine/internal/engine"
	"analytics-engine/internal/handlers"
	"analytics-engine/internal/metrics"
	"analytics-engine/internal/storage"
	"analytics-engine/internal/stream"
)

func main() {
	log.Println("Starting Analytics Engine...")
	log.Printf("Go version: %s", runtime.Version())
	log.Printf("NumCPU: %d", runtime.NumCPU())

	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Инициализируем хранилище
	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Storage initialization failed: %v", err)
	}
	log.Printf("Storage backend: %s", cfg.Storage.Backend)

	// Собираем движок
	eng, err := engine.New(engine.Options{
		BusQueueSize:    cfg.Bus.QueueSize,
		BusWorkers:      cfg.Bus.Workers,
		BusDedupHorizon: cfg.Bus.DedupHorizon,
		Stream: stream.Config{
			WindowType:     cfg.Stream.WindowType,
			WindowSize:     cfg.Stream.WindowSize,
			SlideStep:      cfg.Stream.SlideStep,
			SessionGap:     cfg.Stream.SessionGap,
			GracePeriod:    cfg.Stream.GracePeriod,
			MaxOpenWindows: cfg.Stream.MaxOpenWindows,
		},
		Collector: collector.Config{
			BatchSize:     cfg.Collector.BatchSize,
			FlushInterval: cfg.Collector.FlushInterval,
			BufferCap:     cfg.Collector.BufferCap,
		},
		Anomaly: anomaly.Config{
			ZScoreThreshold:   cfg.Anomaly.ZScoreThreshold,
			IQRMultiplier:     cfg.Anomaly.IQRMultiplier,
			ChangePointSigmas: cfg.Anomaly.ChangePointSigmas,
		},
		RetentionMaxAge:   cfg.Retention.MaxAge,
		RetentionInterval: cfg.Retention.SweepInterval,
	}, store)
	if err != nil {
		log.Fatalf("Engine initialization failed: %v", err)
	}

	// Кэширующее хранилище публикует события инвалидации в шину движка
	if cached, ok := store.(*storage.CachedStore); ok {
		cached.SetEventBus(eng.Bus())
	}

	eng.Start()
	log.Printf("Engine started: windows=%s size=%v anomaly_threshold=%.1f",
		cfg.Stream.WindowType, cfg.Stream.WindowSize, cfg.Anomaly.ZScoreThreshold)

	// Создаем обработчики
	handler := handlers.NewHandler(eng, cfg.Storage.Backend)

	// Настраиваем маршруты
	router := mux.NewRouter()

	// API эндпоинты
	router.HandleFunc("/observations", handler.ObservationsHandler).Methods("POST")
	router.HandleFunc("/observations/batch", handler.BatchObservationsHandler).Methods("POST")
	router.HandleFunc("/metrics", handler.MetricsHandler).Methods("GET")
	router.HandleFunc("/metrics/running", handler.RunningStatsHandler).Methods("GET")
	router.HandleFunc("/anomalies", handler.AnomaliesHandler).Methods("GET")
	router.HandleFunc("/health", handler.HealthHandler).Methods("GET")
	router.HandleFunc("/stats", handler.StatsHandler).Methods("GET")

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	// Middleware для логирования и метрик
	router.Use(loggingMiddleware)

	// Создаем HTTP сервер с настройками таймаутов
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Запускаем горутину для обновления метрик
	go updateMetricsLoop()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Запускаем сервер в горутине
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Addr)
		log.Printf("Endpoints:")
		log.Printf("  POST /observations       - Submit observation")
		log.Printf("  POST /observations/batch - Submit batch of observations")
		log.Printf("  GET  /metrics            - Query aggregates by metric and range")
		log.Printf("  GET  /metrics/running    - Running stats for a metric")
		log.Printf("  GET  /anomalies          - Query anomalies by metric and range")
		log.Printf("  GET  /health             - Health check")
		log.Printf("  GET  /stats              - Service statistics")
		log.Printf("  GET  /prometheus         - Prometheus metrics")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Ожидаем сигнал завершения
	<-stop
	log.Println("Shutting down server...")

	// Контекст с таймаутом для завершения
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Завершаем HTTP сервер, затем движок и хранилище
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	eng.Stop()

	if err := store.Close(); err != nil {
		log.Printf("Storage close error: %v", err)
	}

	log.Println("Server stopped")
}

// buildStore создает бэкенд хранилища согласно конфигурации.
// Для cached подключение к Redis повторяется с нарастающей задержкой
func buildStore(cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(cfg.Storage.MaxRecords), nil

	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, storage.PostgresOptions{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})

	case "cached":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := storage.NewPostgresStore(ctx, storage.PostgresOptions{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}

		// Пробуем подключиться к Redis с повторами
		var cached *storage.CachedStore
		for i := 0; i < 5; i++ {
			cached, err = storage.NewCachedStore(pg, cfg.Redis.Addr, cfg.Redis.Password,
				cfg.Redis.DB, cfg.Redis.CacheTTL)
			if err == nil {
				log.Printf("Connected to Redis at %s", cfg.Redis.Addr)
				return cached, nil
			}
			log.Printf("Redis connection attempt %d failed: %v", i+1, err)
			if i < 4 {
				time.Sleep(time.Duration(i+1) * time.Second)
			}
		}

		log.Printf("Warning: Failed to connect to Redis, running without cache: %v", err)
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
	}
}

// Package main запускает сервис отправки данных датчиков
// Сервис реализует:
// - HTTP API для приема показаний и объявлений возможностей адапторов
// - Фильтрацию по порогу и максимальному интервалу для каждого сигнала
// - Накопление событий и отправку пакетов через MQTT или NATS
// - Хранение устройств, изменений конфигурации и журнала пакетов в Redis
// - Экспорт метрик в Prometheus
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"data-sender/internal/cache"
	"data-sender/internal/config"
	"data-sender/internal/dispatch"
	"data-sender/internal/handlers"
	"data-sender/internal/metrics"
	"data-sender/internal/models"
	"data-sender/internal/transport"
)

func main() {
	// .env необязателен
	_ = godotenv.Load()

	settings, snap, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyEnv(&settings)
	if err := settings.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	log := newLogger(settings.LogLevel)
	slog.SetDefault(log)
	log.Info("Starting data sender",
		"go", runtime.Version(),
		"cpus", runtime.NumCPU(),
		"bridge", settings.BridgeID,
		"transport", settings.Transport.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Пробуем подключиться к Redis с повторами
	var redisCache *cache.RedisCache
	for i := 0; i < 5; i++ {
		redisCache, err = cache.NewRedisCache(ctx, settings.Redis.Addr, settings.Redis.Password, settings.Redis.DB, settings.BridgeID)
		if err == nil {
			log.Info("Connected to Redis", "addr", settings.Redis.Addr)
			break
		}
		log.Warn("Redis connection attempt failed", "attempt", i+1, "error", err)
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		log.Warn("Running without Redis, configuration changes go to the state file",
			"error", err, "state_file", settings.StateFile)
		redisCache = nil
	}

	// Хранилище изменений конфигурации: Redis или файл
	var store config.Store = config.FileStore{Path: settings.StateFile}
	var recorder transport.BatchRecorder
	var httpStore handlers.Store
	if redisCache != nil {
		store = redisCache
		recorder = redisCache
		httpStore = redisCache
	}

	manager := config.NewManager(snap, store, log.With("component", "config"))
	if err := manager.Restore(ctx); err != nil {
		log.Warn("Failed to restore configuration changes", "error", err)
	}

	publisher, dataTopic, serviceTopic, err := newPublisher(ctx, settings, log)
	if err != nil {
		log.Error("Failed to create publisher", "error", err)
		os.Exit(1)
	}
	encoder, err := transport.NewEncoder(settings.Transport.Encoding)
	if err != nil {
		log.Error("Failed to create encoder", "error", err)
		os.Exit(1)
	}

	outbox := transport.NewOutbox(publisher, encoder, recorder, transport.OutboxConfig{
		BridgeID:     settings.BridgeID,
		DataTopic:    dataTopic,
		ServiceTopic: serviceTopic,
		QueueSize:    settings.Transport.QueueSize,
	}, log)
	outbox.Start(settings.Transport.Workers)
	log.Info("Outbox started", "workers", settings.Transport.Workers, "encoding", encoder.Name())

	disp := dispatch.New(dispatch.Options{
		AppID:    settings.AppID,
		BridgeID: settings.BridgeID,
		Snapshot: manager.Current(),
		Sink: func(b models.Batch) {
			outbox.SubmitBatch(b)
		},
		Replies: func(adaptorID string, reply models.ServiceRequest) {
			outbox.SubmitReply(adaptorID, reply)
		},
		Logger: log,
	})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		disp.Run(loopCtx)
	}()

	manager.OnChange(func(s config.Snapshot) {
		if err := disp.Reconfigure(context.Background(), s); err != nil {
			log.Error("Failed to apply configuration", "error", err)
		}
	})

	if redisCache != nil {
		restoreAdaptors(ctx, redisCache, disp, log)
	}

	handler := handlers.NewHandler(disp, manager, httpStore, publisher, log)

	// Настраиваем маршруты
	router := mux.NewRouter()
	handler.Register(router)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	// Middleware для логирования и метрик
	router.Use(loggingMiddleware(log))
	router.Use(metricsMiddleware)

	server := &http.Server{
		Addr:         settings.Server.Addr,
		Handler:      router,
		ReadTimeout:  settings.Server.ReadTimeout.Std(),
		WriteTimeout: settings.Server.WriteTimeout.Std(),
		IdleTimeout:  settings.Server.IdleTimeout.Std(),
	}

	go updateMetricsLoop(ctx, outbox)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Server listening", "addr", settings.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Сначала прекращаем прием показаний
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", "error", err)
	}

	// Цикл диспетчера отправляет накопленные события перед выходом
	stopLoop()
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		log.Warn("Dispatcher did not stop in time")
	}

	outbox.Stop()
	if err := publisher.Close(); err != nil {
		log.Warn("Publisher close error", "error", err)
	}
	cancel()

	if redisCache != nil {
		redisCache.Close()
	}

	log.Info("Server stopped")
}

// newPublisher создает транспорт по настройкам и возвращает шаблоны тем
func newPublisher(ctx context.Context, s config.Settings, log *slog.Logger) (transport.Publisher, string, string, error) {
	switch s.Transport.Kind {
	case "mqtt":
		p := transport.NewMQTTPublisher(s.Transport.MQTT, log)
		// Брокер может быть недоступен при старте, подключение повторится при публикации
		if err := p.Connect(ctx); err != nil {
			log.Warn("MQTT broker unavailable, will retry on publish", "broker", s.Transport.MQTT.Broker, "error", err)
		}
		return p, s.Transport.MQTT.Topic, s.Transport.MQTT.ServiceTopic, nil
	case "nats":
		p, err := transport.DialNATS(s.Transport.NATS.URL, s.AppID+"-"+s.BridgeID, log)
		if err != nil {
			return nil, "", "", err
		}
		return p, s.Transport.NATS.Subject, s.Transport.NATS.ServiceSubject, nil
	default:
		return transport.NewLogPublisher(log), s.Transport.MQTT.Topic, s.Transport.MQTT.ServiceTopic, nil
	}
}

// restoreAdaptors загружает известные имена устройств из Redis
func restoreAdaptors(ctx context.Context, c *cache.RedisCache, disp *dispatch.Dispatcher, log *slog.Logger) {
	adaptors, err := c.LoadAdaptors(ctx)
	if err != nil {
		log.Warn("Failed to load adaptors", "error", err)
		return
	}
	for _, a := range adaptors {
		if err := disp.SetIdentity(ctx, a); err != nil {
			log.Warn("Failed to restore adaptor", "id", a.ID, "error", err)
		}
	}
	log.Info("Adaptors restored", "count", len(adaptors))
}

// applyEnv накладывает переменные окружения поверх файла конфигурации
func applyEnv(s *config.Settings) {
	s.Server.Addr = getEnv("SERVER_ADDR", s.Server.Addr)
	s.Redis.Addr = getEnv("REDIS_ADDR", s.Redis.Addr)
	s.Redis.Password = getEnv("REDIS_PASSWORD", s.Redis.Password)
	s.Redis.DB = getEnvInt("REDIS_DB", s.Redis.DB)
	s.BridgeID = getEnv("BRIDGE_ID", s.BridgeID)
	s.LogLevel = getEnv("LOG_LEVEL", s.LogLevel)
	s.StateFile = getEnv("STATE_FILE", s.StateFile)
	s.Transport.Kind = getEnv("TRANSPORT", s.Transport.Kind)
	s.Transport.Encoding = getEnv("ENCODING", s.Transport.Encoding)
	s.Transport.Workers = getEnvInt("WORKER_COUNT", s.Transport.Workers)
	s.Transport.QueueSize = getEnvInt("BUFFER_SIZE", s.Transport.QueueSize)
	s.Transport.MQTT.Broker = getEnv("MQTT_BROKER", s.Transport.MQTT.Broker)
	s.Transport.MQTT.Username = getEnv("MQTT_USERNAME", s.Transport.MQTT.Username)
	s.Transport.MQTT.Password = getEnv("MQTT_PASSWORD", s.Transport.MQTT.Password)
	s.Transport.NATS.URL = getEnv("NATS_URL", s.Transport.NATS.URL)
}

// getEnv получает переменную окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает целочисленную переменную окружения
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil && n >= 0 {
			return n
		}
		slog.Warn("Ignoring invalid integer env", "key", key, "value", value)
	}
	return defaultValue
}

// newLogger создает цветной логгер с заданным уровнем
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      l,
		TimeFormat: time.DateTime,
	}))
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

// metricsMiddleware обновляет метрики для каждого запроса
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.InFlightRequests.Inc()
		defer metrics.InFlightRequests.Dec()
		next.ServeHTTP(w, r)
	})
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop(ctx context.Context, outbox *transport.Outbox) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.OutboxPending.Set(float64(outbox.Pending()))
			metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

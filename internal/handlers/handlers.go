// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"data-sender/internal/config"
	"data-sender/internal/dispatch"
	"data-sender/internal/metrics"
	"data-sender/internal/models"
	"data-sender/internal/signal"
)

// maxBodySize ограничивает размер тела запроса
const maxBodySize = 4 << 20

// Dispatcher - операции диспетчера, доступные через API
type Dispatcher interface {
	Dispatch(ctx context.Context, r models.Reading) (int, error)
	DispatchAll(ctx context.Context, rs []models.Reading) (int, []error, error)
	Announce(ctx context.Context, ann models.ServiceAnnouncement) (models.ServiceRequest, error)
	SetIdentity(ctx context.Context, a models.Adaptor) error
	Adaptors(ctx context.Context) ([]models.Adaptor, error)
	Filters(ctx context.Context) ([]signal.State, error)
	Stats(ctx context.Context) (dispatch.Stats, error)
}

// ConfigManager применяет изменения конфигурации
type ConfigManager interface {
	Current() config.Snapshot
	Update(ctx context.Context, o config.Overrides) (config.Snapshot, bool, error)
}

// Store - хранилище устройств и журнала пакетов (Redis)
type Store interface {
	SaveAdaptor(ctx context.Context, a models.Adaptor) error
	LatestBatches(ctx context.Context, count int64) ([]models.Batch, error)
	Batch(ctx context.Context, id string) (models.Batch, bool, error)
	Totals(ctx context.Context) (batches, events int64, err error)
	Ping(ctx context.Context) error
}

// TransportStatus сообщает состояние транспорта
type TransportStatus interface {
	Name() string
	Connected() bool
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	disp      Dispatcher
	cfg       ConfigManager
	store     Store
	transport TransportStatus
	log       *slog.Logger
	startTime time.Time
}

// NewHandler создает новый обработчик. store может быть nil.
func NewHandler(disp Dispatcher, cfg ConfigManager, store Store, transport TransportStatus, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		disp:      disp,
		cfg:       cfg,
		store:     store,
		transport: transport,
		log:       log.With("component", "http"),
		startTime: time.Now(),
	}
}

// Register регистрирует маршруты API
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/readings", h.ReadingHandler).Methods(http.MethodPost)
	router.HandleFunc("/readings/batch", h.BatchReadingsHandler).Methods(http.MethodPost)
	router.HandleFunc("/adaptors/{id}/services", h.ServicesHandler).Methods(http.MethodPost)
	router.HandleFunc("/adaptors", h.AdaptorsHandler).Methods(http.MethodGet)
	router.HandleFunc("/adaptors/{id}", h.AdaptorHandler).Methods(http.MethodPut)
	router.HandleFunc("/config", h.GetConfigHandler).Methods(http.MethodGet)
	router.HandleFunc("/config", h.UpdateConfigHandler).Methods(http.MethodPut)
	router.HandleFunc("/filters", h.FiltersHandler).Methods(http.MethodGet)
	router.HandleFunc("/batches/latest", h.LatestBatchesHandler).Methods(http.MethodGet)
	router.HandleFunc("/batches/{id}", h.BatchHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
}

// ReadingHandler обрабатывает POST /readings - прием одного показания
func (h *Handler) ReadingHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/readings"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var reading models.Reading
	if err := decode(r, &reading); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	emitted, err := h.disp.Dispatch(r.Context(), reading)
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}

	h.ok(w, r, endpoint, map[string]int{"emitted": emitted}, http.StatusAccepted)
}

// readingError - ошибка одного показания в пакете
type readingError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchReadingsHandler обрабатывает POST /readings/batch - массовая загрузка показаний
func (h *Handler) BatchReadingsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/readings/batch"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var batch models.ReadingsBatch
	if err := decode(r, &batch); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	emitted, errs, err := h.disp.DispatchAll(r.Context(), batch.Readings)
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}

	rejected := make([]readingError, 0)
	for i, e := range errs {
		if e != nil {
			rejected = append(rejected, readingError{Index: i, Error: e.Error()})
		}
	}

	response := map[string]interface{}{
		"processed": len(batch.Readings),
		"emitted":   emitted,
		"rejected":  rejected,
	}
	h.ok(w, r, endpoint, response, http.StatusOK)
}

// ServicesHandler обрабатывает POST /adaptors/{id}/services - объявление возможностей
func (h *Handler) ServicesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/adaptors/{id}/services"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var ann models.ServiceAnnouncement
	if err := decode(r, &ann); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	ann.DeviceID = mux.Vars(r)["id"]

	reply, err := h.disp.Announce(r.Context(), ann)
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}
	h.ok(w, r, endpoint, reply, http.StatusOK)
}

// AdaptorHandler обрабатывает PUT /adaptors/{id} - имя устройства
func (h *Handler) AdaptorHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/adaptors/{id}"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var adaptor models.Adaptor
	if err := decode(r, &adaptor); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	adaptor.ID = mux.Vars(r)["id"]
	if adaptor.Name == "" && adaptor.FriendlyName == "" {
		h.fail(w, r, endpoint, "name or friendly_name is required", http.StatusBadRequest)
		return
	}

	if err := h.disp.SetIdentity(r.Context(), adaptor); err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}

	// Сохраняем в Redis; ошибка не мешает работе с устройством
	if h.store != nil {
		if err := h.store.SaveAdaptor(r.Context(), adaptor); err != nil {
			metrics.CacheErrors.WithLabelValues("save_adaptor").Inc()
			h.log.Warn("Adaptor not persisted", "adaptor", adaptor.ID, "error", err)
		}
	}
	h.ok(w, r, endpoint, adaptor, http.StatusOK)
}

// AdaptorsHandler обрабатывает GET /adaptors - известные имена устройств
func (h *Handler) AdaptorsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/adaptors"
	adaptors, err := h.disp.Adaptors(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}
	h.ok(w, r, endpoint, adaptors, http.StatusOK)
}

// GetConfigHandler обрабатывает GET /config - действующая конфигурация
func (h *Handler) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	h.ok(w, r, "/config", h.cfg.Current().View(), http.StatusOK)
}

// UpdateConfigHandler обрабатывает PUT /config - изменение конфигурации во время работы
func (h *Handler) UpdateConfigHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/config"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.fail(w, r, endpoint, "Failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	overrides, err := config.ParseUpdate(body)
	if errors.Is(err, config.ErrWarning) {
		metrics.ConfigUpdates.WithLabelValues("warning").Inc()
		h.log.Warn("Config message carries a warning, ignored", "error", err)
		h.ok(w, r, endpoint, map[string]interface{}{"changed": false, "warning": err.Error()}, http.StatusOK)
		return
	}
	if err != nil {
		metrics.ConfigUpdates.WithLabelValues("invalid").Inc()
		h.fail(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	snap, changed, err := h.cfg.Update(r.Context(), overrides)
	switch {
	case errors.Is(err, config.ErrInvalid):
		metrics.ConfigUpdates.WithLabelValues("invalid").Inc()
		h.fail(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		metrics.ConfigUpdates.WithLabelValues("persist_failed").Inc()
		h.fail(w, r, endpoint, err.Error(), http.StatusInternalServerError)
		return
	}

	result := "unchanged"
	if changed {
		result = "applied"
	}
	metrics.ConfigUpdates.WithLabelValues(result).Inc()
	h.ok(w, r, endpoint, map[string]interface{}{"changed": changed, "config": snap.View()}, http.StatusOK)
}

// FiltersHandler обрабатывает GET /filters - состояние фильтров
func (h *Handler) FiltersHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/filters"
	states, err := h.disp.Filters(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}
	h.ok(w, r, endpoint, states, http.StatusOK)
}

// LatestBatchesHandler возвращает последние пакеты из Redis
func (h *Handler) LatestBatchesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/batches/latest"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	count := int64(50)
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.ParseInt(countStr, 10, 64); err == nil && c > 0 && c <= 1000 {
			count = c
		}
	}

	if h.store == nil {
		h.fail(w, r, endpoint, "Cache not available", http.StatusServiceUnavailable)
		return
	}

	batches, err := h.store.LatestBatches(r.Context(), count)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("latest_batches").Inc()
		h.fail(w, r, endpoint, "Failed to get batches: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.ok(w, r, endpoint, batches, http.StatusOK)
}

// BatchHandler обрабатывает GET /batches/{id} - пакет из журнала
func (h *Handler) BatchHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/batches/{id}"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if h.store == nil {
		h.fail(w, r, endpoint, "Cache not available", http.StatusServiceUnavailable)
		return
	}

	id := mux.Vars(r)["id"]
	b, found, err := h.store.Batch(r.Context(), id)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("batch").Inc()
		h.fail(w, r, endpoint, "Failed to get batch: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		h.fail(w, r, endpoint, "Batch not found: "+id, http.StatusNotFound)
		return
	}
	h.ok(w, r, endpoint, b, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disconnected"
	if h.store != nil && h.store.Ping(r.Context()) == nil {
		redisStatus = "connected"
	}

	transportStatus := "disconnected"
	if h.transport != nil && h.transport.Connected() {
		transportStatus = h.transport.Name()
	}

	status := models.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Redis:     redisStatus,
		Transport: transportStatus,
		Uptime:    time.Since(h.startTime).String(),
	}
	if h.transport != nil && !h.transport.Connected() {
		status.Status = "degraded"
	}

	h.respondJSON(w, status, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stats"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	stats, err := h.disp.Stats(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), statusFor(err))
		return
	}

	response := models.StatsResponse{
		ReadingsReceived: stats.ReadingsReceived,
		EventsEmitted:    stats.EventsEmitted,
		BatchesSent:      stats.BatchesSent,
		Filters:          stats.Filters,
		Devices:          stats.Devices,
		PendingEvents:    stats.PendingEvents,
	}

	// Ошибка Redis не мешает отдать счетчики процесса
	if h.store != nil {
		batches, events, err := h.store.Totals(r.Context())
		if err != nil {
			metrics.CacheErrors.WithLabelValues("totals").Inc()
			h.log.Warn("Stored totals unavailable", "error", err)
		} else {
			response.StoredBatches = batches
			response.StoredEvents = events
		}
	}
	h.ok(w, r, endpoint, response, http.StatusOK)
}

// decode разбирает JSON тело запроса
func decode(r *http.Request, dest interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(dest)
}

// statusFor сопоставляет ошибку ядра с HTTP статусом
func statusFor(err error) int {
	switch {
	case errors.Is(err, signal.ErrUnknownSignal), errors.Is(err, signal.ErrValueKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, endpoint string, data interface{}, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondJSON(w, data, status)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint, message string, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondError(w, message, status)
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Причины отбрасывания показаний
const (
	ReasonUnknownDevice = "unknown_device"
	ReasonUnknownSignal = "unknown_signal"
	ReasonNoFilter      = "no_filter"
	ReasonDisabled      = "disabled"
	ReasonInvalidValue  = "invalid_value"
	ReasonPanic         = "panic"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "data_sender_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// ReadingsReceived количество полученных показаний по типу сигнала
	ReadingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_readings_received_total",
			Help: "Total number of raw readings dispatched",
		},
		[]string{"signal"},
	)

	// ReadingsDropped показания, не дошедшие до фильтра
	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_readings_dropped_total",
			Help: "Readings dropped before or during filter evaluation",
		},
		[]string{"reason"},
	)

	// ReadingsSuppressed показания, подавленные политикой
	ReadingsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_readings_suppressed_total",
			Help: "Readings that did not satisfy the emit condition",
		},
		[]string{"signal"},
	)

	// EventsEmitted события, переданные в буфер
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_events_emitted_total",
			Help: "Events appended to the batch buffer",
		},
		[]string{"signal"},
	)

	// FiltersRegistered количество зарегистрированных фильтров
	FiltersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_sender_filters_registered",
			Help: "Number of registered signal filters",
		},
	)

	// PendingEvents события в буфере, ожидающие отправки
	PendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_sender_pending_events",
			Help: "Events buffered in the current debounce window",
		},
	)

	// BatchesFlushed количество отправленных пакетов
	BatchesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "data_sender_batches_flushed_total",
			Help: "Total number of batches flushed",
		},
	)

	// BatchSize размер пакета в событиях
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "data_sender_batch_size_events",
			Help:    "Number of events per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// PublishErrors ошибки транспорта
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_publish_errors_total",
			Help: "Batch or reply publish failures",
		},
		[]string{"transport"},
	)

	// PublishLatency время публикации пакета
	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "data_sender_publish_latency_seconds",
			Help:    "Publish latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"transport"},
	)

	// OutboxDropped пакеты, отброшенные из-за переполненной очереди
	OutboxDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "data_sender_outbox_dropped_total",
			Help: "Messages dropped because the outbox queue was full",
		},
	)

	// CacheErrors ошибки Redis
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_cache_errors_total",
			Help: "Redis operation failures",
		},
		[]string{"operation"},
	)

	// InFlightRequests HTTP запросы в обработке
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_sender_in_flight_requests",
			Help: "HTTP requests currently being served",
		},
	)

	// OutboxPending сообщения в очереди отправки
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_sender_outbox_pending",
			Help: "Messages waiting in the outbox queue",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_sender_active_goroutines",
			Help: "Number of active goroutines",
		},
	)

	// ConfigUpdates обновления конфигурации по результату
	ConfigUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_sender_config_updates_total",
			Help: "Runtime configuration updates by outcome",
		},
		[]string{"result"},
	)
)

// ObserveBatch обновляет метрики отправленного пакета
func ObserveBatch(size int) {
	BatchesFlushed.Inc()
	BatchSize.Observe(float64(size))
	PendingEvents.Set(0)
}

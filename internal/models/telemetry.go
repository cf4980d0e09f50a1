// Package models содержит структуры данных для показаний датчиков, событий и пакетов
package models

import "time"

// Reading представляет сырое показание от адаптора устройства
type Reading struct {
	DeviceID       string  `json:"id"`
	Characteristic string  `json:"characteristic"`
	Timestamp      float64 `json:"timeStamp"`
	Value          Value   `json:"data"`
}

// ReadingsBatch представляет пакет показаний для массовой загрузки
type ReadingsBatch struct {
	Readings []Reading `json:"readings"`
}

// Event - атомарная единица пакета: одна точка одного временного ряда
type Event struct {
	Path      string  `json:"name"`
	Timestamp int64   `json:"timestamp_ms"`
	Value     float64 `json:"value"`
}

// Millis переводит временную метку в секундах в целые миллисекунды
func Millis(ts float64) int64 {
	return int64(ts * 1000)
}

// NewEvent создает событие для пути и временной метки в секундах
func NewEvent(path string, ts float64, v float64) Event {
	return Event{Path: path, Timestamp: Millis(ts), Value: v}
}

// Batch - упорядоченная последовательность событий одного окна отправки
type Batch struct {
	ID        string    `json:"id"`
	FlushedAt time.Time `json:"flushed_at"`
	Events    []Event   `json:"events"`
}

// Len возвращает количество событий в пакете
func (b Batch) Len() int {
	return len(b.Events)
}

// Bit приводит значение к 0/1
func Bit(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

// Adaptor описывает устройство, объявленное сервисом обнаружения
type Adaptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FriendlyName string `json:"friendly_name"`
}

// ServiceAnnouncement - объявление возможностей адаптора
type ServiceAnnouncement struct {
	DeviceID string           `json:"id"`
	Service  []ServiceOffered `json:"service"`
}

// ServiceOffered - одна характеристика, предлагаемая адаптором
type ServiceOffered struct {
	Characteristic string `json:"characteristic"`
}

// ServiceInterval - запрошенный интервал опроса характеристики в секундах
type ServiceInterval struct {
	Characteristic string  `json:"characteristic"`
	Interval       float64 `json:"interval"`
}

// ServiceRequest - ответ на объявление возможностей
type ServiceRequest struct {
	ID      string            `json:"id"`
	Request string            `json:"request"`
	Service []ServiceInterval `json:"service"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	Transport string    `json:"transport"`
	Uptime    string    `json:"uptime"`
}

// StatsResponse содержит статистику сервиса
type StatsResponse struct {
	ReadingsReceived int64 `json:"readings_received"`
	EventsEmitted    int64 `json:"events_emitted"`
	BatchesSent      int64 `json:"batches_sent"`
	Filters          int   `json:"filters"`
	Devices          int   `json:"devices"`
	PendingEvents    int   `json:"pending_events"`
	// Счетчики из Redis, сохраняются между перезапусками
	StoredBatches int64 `json:"stored_batches,omitempty"`
	StoredEvents  int64 `json:"stored_events,omitempty"`
}

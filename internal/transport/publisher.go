package transport

import (
	"context"
	"log/slog"
	"strings"
)

// Message - готовое к отправке сообщение
type Message struct {
	Topic       string
	Payload     []byte
	ContentType string
	Properties  map[string]string
}

// Publisher доставляет сообщения брокеру
type Publisher interface {
	Name() string
	Publish(ctx context.Context, m Message) error
	// Connected сообщает, есть ли соединение с брокером
	Connected() bool
	Close() error
}

// Topic подставляет идентификаторы моста и адаптора в шаблон темы
func Topic(template, bridgeID, adaptorID string) string {
	return strings.NewReplacer("{bridge}", bridgeID, "{adaptor}", adaptorID).Replace(template)
}

// LogPublisher пишет сообщения в журнал вместо брокера
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher создает публикатор для отладки без брокера
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log.With("component", "transport", "transport", "log")}
}

// Name возвращает "log"
func (p *LogPublisher) Name() string { return "log" }

// Publish записывает сообщение в журнал
func (p *LogPublisher) Publish(ctx context.Context, m Message) error {
	attrs := []any{"topic", m.Topic, "bytes", len(m.Payload), "content_type", m.ContentType}
	if m.ContentType == "application/json" {
		attrs = append(attrs, "payload", string(m.Payload))
	}
	for k, v := range m.Properties {
		attrs = append(attrs, k, v)
	}
	p.log.InfoContext(ctx, "Message published", attrs...)
	return nil
}

// Connected всегда true
func (p *LogPublisher) Connected() bool { return true }

// Close ничего не делает
func (p *LogPublisher) Close() error { return nil }

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher публикует сообщения в NATS
type NATSPublisher struct {
	nc  *nats.Conn
	log *slog.Logger
}

// DialNATS подключается к NATS; переподключение выполняет клиент
func DialNATS(url, name string, log *slog.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transport", "transport", "nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS %s: %w", url, err)
	}
	log.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return &NATSPublisher{nc: nc, log: log}, nil
}

// Name возвращает "nats"
func (p *NATSPublisher) Name() string { return "nats" }

// Publish публикует сообщение; свойства передаются заголовками
func (p *NATSPublisher) Publish(_ context.Context, m Message) error {
	msg := nats.NewMsg(m.Topic)
	msg.Data = m.Payload
	if m.ContentType != "" {
		msg.Header.Set("Content-Type", m.ContentType)
	}
	for k, v := range m.Properties {
		msg.Header.Set(k, v)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Topic, err)
	}
	return nil
}

// Connected сообщает, установлено ли соединение
func (p *NATSPublisher) Connected() bool {
	return p.nc.IsConnected()
}

// Close отправляет буферизованные сообщения и закрывает соединение
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

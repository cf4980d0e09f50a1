package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"data-sender/internal/config"
)

// ErrNotConnected возвращается, если соединение с брокером не установлено
var ErrNotConnected = errors.New("not connected to broker")

// MQTTPublisher публикует сообщения в MQTT v5 брокер.
// При потере соединения следующая публикация переподключается.
type MQTTPublisher struct {
	cfg      config.MQTTConfig
	clientID string
	log      *slog.Logger

	mu        sync.Mutex
	client    *paho.Client
	connected atomic.Bool
}

// NewMQTTPublisher создает публикатор; соединение устанавливается вызовом Connect
func NewMQTTPublisher(cfg config.MQTTConfig, log *slog.Logger) *MQTTPublisher {
	if log == nil {
		log = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "data-sender-" + uuid.NewString()
	}
	return &MQTTPublisher{
		cfg:      cfg,
		clientID: clientID,
		log:      log.With("component", "transport", "transport", "mqtt"),
	}
}

// Name возвращает "mqtt"
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Connected сообщает, установлено ли соединение
func (p *MQTTPublisher) Connected() bool { return p.connected.Load() }

// Connect подключается к брокеру
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connect(ctx)
}

func (p *MQTTPublisher) connect(ctx context.Context) error {
	conn, err := dial(ctx, p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.cfg.Broker, err)
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: p.clientID,
		OnClientError: func(err error) {
			p.connected.Store(false)
			p.log.Error("MQTT client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			p.connected.Store(false)
			p.log.Warn("MQTT broker disconnected", "reason_code", d.ReasonCode)
		},
	})

	connect := &paho.Connect{
		ClientID:     p.clientID,
		CleanStart:   true,
		KeepAlive:    uint16(p.cfg.KeepAlive.Std().Seconds()),
		Username:     p.cfg.Username,
		UsernameFlag: p.cfg.Username != "",
		Password:     []byte(p.cfg.Password),
		PasswordFlag: p.cfg.Password != "",
	}
	ack, err := client.Connect(ctx, connect)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to %s: %w", p.cfg.Broker, err)
	}
	if ack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broker %s refused connection: reason code %d", p.cfg.Broker, ack.ReasonCode)
	}

	p.client = client
	p.connected.Store(true)
	p.log.Info("Connected to MQTT broker", "broker", p.cfg.Broker, "client_id", p.clientID)
	return nil
}

// dial открывает TCP или TLS соединение по адресу вида tcp://host:port или ssl://host:port
func dial(ctx context.Context, broker string) (net.Conn, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	switch u.Scheme {
	case "tcp", "mqtt", "":
		return d.DialContext(ctx, "tcp", u.Host)
	case "ssl", "tls", "mqtts":
		td := tls.Dialer{NetDialer: &d, Config: &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}}
		return td.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// Publish публикует сообщение, переподключаясь при необходимости
func (p *MQTTPublisher) Publish(ctx context.Context, m Message) error {
	p.mu.Lock()
	if !p.connected.Load() {
		if p.client != nil {
			p.client.Disconnect(&paho.Disconnect{})
			p.client = nil
		}
		if err := p.connect(ctx); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}
	client := p.client
	p.mu.Unlock()

	props := &paho.PublishProperties{ContentType: m.ContentType}
	for k, v := range m.Properties {
		props.User = append(props.User, paho.UserProperty{Key: k, Value: v})
	}
	_, err := client.Publish(ctx, &paho.Publish{
		QoS:        p.cfg.QoS,
		Topic:      m.Topic,
		Payload:    m.Payload,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Topic, err)
	}
	return nil
}

// Close отключается от брокера
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected.Store(false)
	if p.client == nil {
		return nil
	}
	err := p.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	p.client = nil
	return err
}

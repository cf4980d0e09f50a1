// Package config реализует загрузку конфигурации сервиса и неизменяемые снимки политик.
// Источники по порядку: значения по умолчанию, YAML-файл, сохраненные изменения, окружение.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings содержит параметры процесса, не относящиеся к политикам сигналов
type Settings struct {
	AppID     string          `yaml:"app_id"`
	BridgeID  string          `yaml:"bridge_id"`
	LogLevel  string          `yaml:"log_level"`
	StateFile string          `yaml:"state_file"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig - параметры HTTP сервера
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// RedisConfig - параметры подключения к Redis
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TransportConfig - параметры отправки пакетов
type TransportConfig struct {
	// Kind: mqtt, nats или log
	Kind string `yaml:"kind"`
	// Encoding: json или cbor
	Encoding  string     `yaml:"encoding"`
	Workers   int        `yaml:"workers"`
	QueueSize int        `yaml:"queue_size"`
	MQTT      MQTTConfig `yaml:"mqtt"`
	NATS      NATSConfig `yaml:"nats"`
}

// MQTTConfig - параметры MQTT брокера
type MQTTConfig struct {
	Broker       string   `yaml:"broker"`
	ClientID     string   `yaml:"client_id"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	Topic        string   `yaml:"topic"`
	ServiceTopic string   `yaml:"service_topic"`
	QoS          byte     `yaml:"qos"`
	KeepAlive    Duration `yaml:"keep_alive"`
}

// NATSConfig - параметры NATS
type NATSConfig struct {
	URL            string `yaml:"url"`
	Subject        string `yaml:"subject"`
	ServiceSubject string `yaml:"service_subject"`
}

// DefaultSettings возвращает параметры процесса по умолчанию
func DefaultSettings() Settings {
	return Settings{
		AppID:     "data_sender",
		BridgeID:  "BID0",
		LogLevel:  "info",
		StateFile: "data_sender.config",
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Transport: TransportConfig{
			Kind:      "log",
			Encoding:  "json",
			Workers:   1,
			QueueSize: 256,
			MQTT: MQTTConfig{
				Broker:       "tcp://localhost:1883",
				Topic:        "bridges/{bridge}/data",
				ServiceTopic: "bridges/{bridge}/adaptors/{adaptor}/service",
				QoS:          1,
				KeepAlive:    Duration(30 * time.Second),
			},
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				Subject:        "bridges.{bridge}.data",
				ServiceSubject: "bridges.{bridge}.adaptors.{adaptor}.service",
			},
		},
	}
}

// document - структура YAML-файла
type document struct {
	Settings  `yaml:",inline"`
	Overrides `yaml:",inline"`
}

// Load читает YAML-файл поверх значений по умолчанию.
// Отсутствующий файл не является ошибкой.
func Load(path string) (Settings, Snapshot, error) {
	doc := document{Settings: DefaultSettings()}
	base := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return doc.Settings, base, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return doc.Settings, base, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
			}
		}
	}

	snap, err := base.Apply(doc.Overrides)
	if err != nil {
		return doc.Settings, base, fmt.Errorf("%s: %w", path, err)
	}
	if err := doc.Settings.Validate(); err != nil {
		return doc.Settings, base, err
	}
	return doc.Settings, snap.Baseline(), nil
}

// Validate проверяет параметры процесса
func (s Settings) Validate() error {
	switch s.Transport.Kind {
	case "mqtt", "nats", "log":
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalid, s.Transport.Kind)
	}
	switch s.Transport.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("%w: transport.encoding %q", ErrInvalid, s.Transport.Encoding)
	}
	if s.Transport.MQTT.QoS > 1 {
		return fmt.Errorf("%w: transport.mqtt.qos must be 0 or 1", ErrInvalid)
	}
	if s.BridgeID == "" {
		return fmt.Errorf("%w: bridge_id is required", ErrInvalid)
	}
	return nil
}

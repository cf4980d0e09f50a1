// Package transport реализует отправку пакетов и ответов адапторам:
// кодирование (JSON, CBOR), публикацию (MQTT, NATS, журнал) и асинхронную очередь.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encoder кодирует исходящие сообщения
type Encoder interface {
	// Name возвращает имя кодировки из конфигурации
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
}

// JSONEncoder кодирует сообщения в JSON
type JSONEncoder struct{}

// Name возвращает "json"
func (JSONEncoder) Name() string { return "json" }

// ContentType возвращает MIME-тип
func (JSONEncoder) ContentType() string { return "application/json" }

// Marshal кодирует значение
func (JSONEncoder) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// CBOREncoder кодирует сообщения в детерминированный CBOR
type CBOREncoder struct {
	mode cbor.EncMode
}

// NewCBOREncoder создает кодировщик с детерминированным порядком ключей
func NewCBOREncoder() (*CBOREncoder, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}
	return &CBOREncoder{mode: mode}, nil
}

// Name возвращает "cbor"
func (e *CBOREncoder) Name() string { return "cbor" }

// ContentType возвращает MIME-тип
func (e *CBOREncoder) ContentType() string { return "application/cbor" }

// Marshal кодирует значение
func (e *CBOREncoder) Marshal(v any) ([]byte, error) {
	return e.mode.Marshal(v)
}

// NewEncoder возвращает кодировщик по имени из конфигурации
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", "json":
		return JSONEncoder{}, nil
	case "cbor":
		return NewCBOREncoder()
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

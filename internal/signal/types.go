// Package signal реализует политики обнаружения изменений (deadband) для сигналов датчиков.
// Каждый тип сигнала связан ровно с одной формой политики.
package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"data-sender/internal/models"
)

// Ошибки фильтров
var (
	ErrUnknownSignal = errors.New("unknown signal type")
	ErrValueKind     = errors.New("value kind does not match signal type")
)

// Type - закрытое перечисление типов сигналов
type Type uint8

const (
	Temperature Type = iota + 1
	IRTemperature
	Humidity
	Luminance
	Power
	Battery
	Connected
	Binary
	Acceleration
	Gyro
	Magnetometer
	Buttons
)

// All перечисляет все типы сигналов в порядке объявления
var All = []Type{
	Temperature, IRTemperature, Humidity, Luminance, Power, Battery,
	Connected, Binary, Acceleration, Gyro, Magnetometer, Buttons,
}

// String возвращает имя характеристики, которым адапторы помечают показания
func (t Type) String() string {
	switch t {
	case Temperature:
		return "temperature"
	case IRTemperature:
		return "ir_temperature"
	case Humidity:
		return "humidity"
	case Luminance:
		return "luminance"
	case Power:
		return "power"
	case Battery:
		return "battery"
	case Connected:
		return "connected"
	case Binary:
		return "binary_sensor"
	case Acceleration:
		return "acceleration"
	case Gyro:
		return "gyro"
	case Magnetometer:
		return "magnetometer"
	case Buttons:
		return "buttons"
	default:
		return fmt.Sprintf("signal(%d)", uint8(t))
	}
}

// Segment возвращает сегмент пути временного ряда
func (t Type) Segment() string {
	switch t {
	case Binary:
		return "binary"
	case Acceleration:
		return "accel"
	case Magnetometer:
		return "magnet"
	default:
		return t.String()
	}
}

// Valid сообщает, входит ли значение в перечисление
func (t Type) Valid() bool {
	return t >= Temperature && t <= Buttons
}

// Parse разбирает имя характеристики или сегмент пути ("accel", "magnet", "binary")
func Parse(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, t := range All {
		if t.String() == name || t.Segment() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, s)
}

// MarshalText кодирует тип сигнала именем характеристики
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSignal, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText разбирает тип сигнала из имени характеристики
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Shape - форма политики обнаружения изменений
type Shape uint8

const (
	// ShapeDeadband: |new - prev| >= threshold
	ShapeDeadband Shape = iota + 1
	// ShapeDeadbandOrMaxInterval: deadband или истек max interval
	ShapeDeadbandOrMaxInterval
	// ShapeEdgeOrMaxInterval: смена логического состояния или истек max interval
	ShapeEdgeOrMaxInterval
	// ShapeEdgeDistinctTime: смена состояния при отличной от прошлой временной метке
	ShapeEdgeDistinctTime
	// ShapeVectorDeadband: любая ось превысила порог, отправляются все три
	ShapeVectorDeadband
	// ShapeUnconditional: каждое показание отправляется как есть
	ShapeUnconditional
)

// String возвращает имя формы политики
func (s Shape) String() string {
	switch s {
	case ShapeDeadband:
		return "deadband"
	case ShapeDeadbandOrMaxInterval:
		return "deadband_or_max_interval"
	case ShapeEdgeOrMaxInterval:
		return "edge_or_max_interval"
	case ShapeEdgeDistinctTime:
		return "edge_distinct_time"
	case ShapeVectorDeadband:
		return "vector_deadband"
	case ShapeUnconditional:
		return "unconditional"
	default:
		return "unknown"
	}
}

// Shape возвращает форму политики для типа сигнала
func (t Type) Shape() Shape {
	switch t {
	case Temperature, IRTemperature, Humidity, Luminance, Power:
		return ShapeDeadband
	case Battery:
		return ShapeDeadbandOrMaxInterval
	case Connected:
		return ShapeEdgeOrMaxInterval
	case Binary:
		return ShapeEdgeDistinctTime
	case Acceleration, Gyro, Magnetometer:
		return ShapeVectorDeadband
	case Buttons:
		return ShapeUnconditional
	default:
		return 0
	}
}

// PushOnly сообщает, что источник присылает данные сам и опрос не нужен
func (t Type) PushOnly() bool {
	switch t {
	case Connected, Binary, Buttons:
		return true
	default:
		return false
	}
}

// UsesMaxInterval сообщает, учитывает ли политика max interval
func (t Type) UsesMaxInterval() bool {
	s := t.Shape()
	return s == ShapeDeadbandOrMaxInterval || s == ShapeEdgeOrMaxInterval
}

// Policy - неизменяемые параметры политики для одного типа сигнала
type Policy struct {
	Enabled         bool
	Threshold       float64
	MaxInterval     time.Duration
	PollingInterval time.Duration
}

// RequestedInterval возвращает интервал опроса, запрашиваемый у источника
func (p Policy) RequestedInterval(t Type) time.Duration {
	if t.PushOnly() {
		return 0
	}
	return p.PollingInterval
}

// FriendlyKey приводит дружественное имя устройства к виду, пригодному для пути
func FriendlyKey(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// Path строит путь временного ряда: <base>/<device>/<segment>
func Path(base, friendlyName string, t Type) string {
	p := FriendlyKey(friendlyName) + "/" + t.Segment()
	if base == "" {
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + p
}

// axisNames - суффиксы осей векторных сигналов
var axisNames = [3]string{"x", "y", "z"}

// valueKind возвращает ожидаемую форму значения
func (t Type) valueKind() models.ValueKind {
	switch t.Shape() {
	case ShapeVectorDeadband:
		return models.ValueVector
	case ShapeEdgeOrMaxInterval, ShapeEdgeDistinctTime:
		return models.ValueBool
	case ShapeUnconditional:
		return models.ValueButtons
	default:
		return models.ValueScalar
	}
}

package models

import (
	"encoding/json"
	"fmt"
)

// DataMessageTag помечает сообщение как пакет данных
const DataMessageTag = "data"

// DataMessage - исходящее сообщение с пакетом событий
type DataMessage struct {
	M string   `json:"m" cbor:"m"`
	D []Series `json:"d" cbor:"d"`
}

// Series - точки одного временного ряда
type Series struct {
	Name   string  `json:"name" cbor:"name"`
	Points []Point `json:"points" cbor:"points"`
}

// Point - пара [timestamp-ms, value]
type Point struct {
	_         struct{} `cbor:",toarray"`
	Timestamp int64
	Value     float64
}

// MarshalJSON кодирует точку как массив из двух элементов
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Timestamp, p.Value})
}

// UnmarshalJSON разбирает точку из массива [ms, value]
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("point must have 2 elements, got %d", len(raw))
	}
	ts, err := raw[0].Int64()
	if err != nil {
		return fmt.Errorf("point timestamp: %w", err)
	}
	v, err := raw[1].Float64()
	if err != nil {
		return fmt.Errorf("point value: %w", err)
	}
	p.Timestamp, p.Value = ts, v
	return nil
}

// NewDataMessage строит исходящее сообщение из пакета.
// Каждое событие становится отдельной записью в порядке пакета.
func NewDataMessage(b Batch) DataMessage {
	msg := DataMessage{
		M: DataMessageTag,
		D: make([]Series, 0, len(b.Events)),
	}
	for _, ev := range b.Events {
		msg.D = append(msg.D, Series{
			Name:   ev.Path,
			Points: []Point{{Timestamp: ev.Timestamp, Value: ev.Value}},
		})
	}
	return msg
}

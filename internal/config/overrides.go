package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"data-sender/internal/signal"
)

// Overrides - частичное изменение политик.
// Поля nil не меняют текущие значения.
type Overrides struct {
	DataSendDelay *Duration                 `json:"data_send_delay,omitempty" yaml:"data_send_delay,omitempty"`
	MaxInterval   *Duration                 `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Signals       map[string]SignalOverride `json:"signals,omitempty" yaml:"signals,omitempty"`
}

// SignalOverride - частичное изменение политики одного типа сигнала
type SignalOverride struct {
	Enabled         *bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Threshold       *float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MaxInterval     *Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	PollingInterval *Duration `json:"polling_interval,omitempty" yaml:"polling_interval,omitempty"`
}

// IsZero сообщает, что изменений нет
func (o Overrides) IsZero() bool {
	return o.DataSendDelay == nil && o.MaxInterval == nil && len(o.Signals) == 0
}

// Merge возвращает изменения o, поверх которых наложены n
func (o Overrides) Merge(n Overrides) Overrides {
	out := o.clone()
	if n.DataSendDelay != nil {
		out.DataSendDelay = n.DataSendDelay
	}
	if n.MaxInterval != nil {
		out.MaxInterval = n.MaxInterval
	}
	if len(n.Signals) > 0 && out.Signals == nil {
		out.Signals = make(map[string]SignalOverride, len(n.Signals))
	}
	for _, key := range sortedKeys(n.Signals) {
		name := canonicalSignal(key)
		out.Signals[name] = mergeSignal(out.Signals[name], n.Signals[key])
	}
	return out
}

// clone копирует изменения, приводя имена сигналов к каноническим
func (o Overrides) clone() Overrides {
	out := Overrides{DataSendDelay: o.DataSendDelay, MaxInterval: o.MaxInterval}
	if o.Signals == nil {
		return out
	}
	out.Signals = make(map[string]SignalOverride, len(o.Signals))
	for _, key := range sortedKeys(o.Signals) {
		name := canonicalSignal(key)
		out.Signals[name] = mergeSignal(out.Signals[name], o.Signals[key])
	}
	return out
}

// canonicalSignal возвращает имя характеристики для синонима.
// Неизвестное имя остается как есть и отклоняется при Apply.
func canonicalSignal(name string) string {
	t, err := signal.Parse(name)
	if err != nil {
		return name
	}
	return t.String()
}

func sortedKeys(m map[string]SignalOverride) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeSignal(cur, so SignalOverride) SignalOverride {
	if so.Enabled != nil {
		cur.Enabled = so.Enabled
	}
	if so.Threshold != nil {
		cur.Threshold = so.Threshold
	}
	if so.MaxInterval != nil {
		cur.MaxInterval = so.MaxInterval
	}
	if so.PollingInterval != nil {
		cur.PollingInterval = so.PollingInterval
	}
	return cur
}

// ParseUpdate разбирает JSON-сообщение с изменением конфигурации.
// Поддерживаются вложенная форма {"signals": {"temperature": {...}}}
// и плоские ключи {"temperature.threshold": 0.2}. Сообщение может быть
// обернуто в {"config": {...}}. Ключ "warning" возвращает ErrWarning.
func ParseUpdate(data []byte) (Overrides, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Overrides{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if inner, ok := raw["config"]; ok && len(raw) == 1 {
		return ParseUpdate(inner)
	}
	if w, ok := raw["warning"]; ok {
		return Overrides{}, fmt.Errorf("%w: %s", ErrWarning, bytes.TrimSpace(w))
	}

	var o Overrides
	for key, value := range raw {
		switch key {
		case "data_send_delay":
			o.DataSendDelay = new(Duration)
			if err := json.Unmarshal(value, o.DataSendDelay); err != nil {
				return Overrides{}, fmt.Errorf("%s: %w", key, err)
			}
		case "max_interval":
			o.MaxInterval = new(Duration)
			if err := json.Unmarshal(value, o.MaxInterval); err != nil {
				return Overrides{}, fmt.Errorf("%s: %w", key, err)
			}
		case "signals":
			var signals map[string]SignalOverride
			if err := json.Unmarshal(value, &signals); err != nil {
				return Overrides{}, fmt.Errorf("%w: signals: %v", ErrInvalid, err)
			}
			o = o.Merge(Overrides{Signals: signals})
		default:
			name, field, ok := strings.Cut(key, ".")
			if !ok {
				return Overrides{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
			}
			so, err := parseSignalField(field, value)
			if err != nil {
				return Overrides{}, fmt.Errorf("%s: %w", key, err)
			}
			o = o.Merge(Overrides{Signals: map[string]SignalOverride{name: so}})
		}
	}
	return o, nil
}

func parseSignalField(field string, value json.RawMessage) (SignalOverride, error) {
	var so SignalOverride
	var target any
	switch field {
	case "enabled":
		so.Enabled = new(bool)
		target = so.Enabled
	case "threshold":
		so.Threshold = new(float64)
		target = so.Threshold
	case "max_interval":
		so.MaxInterval = new(Duration)
		target = so.MaxInterval
	case "polling_interval":
		so.PollingInterval = new(Duration)
		target = so.PollingInterval
	default:
		return so, fmt.Errorf("%w: unknown field %q", ErrInvalid, field)
	}
	if err := json.Unmarshal(value, target); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return so, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return so, err
	}
	return so, nil
}

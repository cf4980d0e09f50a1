package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidValue возвращается, если поле data показания не удалось разобрать
var ErrInvalidValue = errors.New("invalid reading value")

// ValueKind определяет форму значения показания
type ValueKind uint8

const (
	// ValueNone - значение отсутствует
	ValueNone ValueKind = iota
	// ValueScalar - одно число
	ValueScalar
	// ValueVector - трехосевой вектор
	ValueVector
	// ValueBool - логический токен ("on"/"off", true/false)
	ValueBool
	// ValueButtons - состояние левой и правой кнопок
	ValueButtons
)

// String возвращает имя формы значения
func (k ValueKind) String() string {
	switch k {
	case ValueScalar:
		return "scalar"
	case ValueVector:
		return "vector"
	case ValueBool:
		return "bool"
	case ValueButtons:
		return "buttons"
	default:
		return "none"
	}
}

// ButtonState - состояние кнопок устройства
type ButtonState struct {
	Left  bool `json:"leftButton"`
	Right bool `json:"rightButton"`
}

// Value - значение показания: число, вектор, логический токен или состояние кнопок
type Value struct {
	Kind    ValueKind
	Scalar  float64
	Vector  [3]float64
	Bool    bool
	Buttons ButtonState
}

// Scalar создает числовое значение
func Scalar(f float64) Value {
	return Value{Kind: ValueScalar, Scalar: f}
}

// Vector создает трехосевое значение
func Vector(x, y, z float64) Value {
	return Value{Kind: ValueVector, Vector: [3]float64{x, y, z}}
}

// Bool создает логическое значение
func Bool(b bool) Value {
	return Value{Kind: ValueBool, Bool: b}
}

// Buttons создает значение состояния кнопок
func Buttons(left, right bool) Value {
	return Value{Kind: ValueButtons, Buttons: ButtonState{Left: left, Right: right}}
}

// Truth приводит логическое или числовое значение к bool.
// Второй результат false, если значение нельзя трактовать как логическое.
func (v Value) Truth() (bool, bool) {
	switch v.Kind {
	case ValueBool:
		return v.Bool, true
	case ValueScalar:
		return v.Scalar != 0, true
	default:
		return false, false
	}
}

// UnmarshalJSON разбирает поле data в формате адаптора
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: empty", ErrInvalidValue)
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = Bool(tokenTruth(s))
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = Bool(b)
	case '{':
		return v.unmarshalObject(data)
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = Scalar(f)
	}
	return nil
}

func (v *Value) unmarshalObject(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	if _, ok := obj["x"]; ok {
		var axes [3]float64
		for i, name := range []string{"x", "y", "z"} {
			raw, ok := obj[name]
			if !ok {
				return fmt.Errorf("%w: missing axis %q", ErrInvalidValue, name)
			}
			if err := json.Unmarshal(raw, &axes[i]); err != nil {
				return fmt.Errorf("%w: axis %q: %v", ErrInvalidValue, name, err)
			}
		}
		*v = Vector(axes[0], axes[1], axes[2])
		return nil
	}

	left, hasLeft := obj["leftButton"]
	right, hasRight := obj["rightButton"]
	if !hasLeft && !hasRight {
		return fmt.Errorf("%w: unknown object shape", ErrInvalidValue)
	}
	var state ButtonState
	var err error
	if hasLeft {
		if state.Left, err = rawTruth(left); err != nil {
			return err
		}
	}
	if hasRight {
		if state.Right, err = rawTruth(right); err != nil {
			return err
		}
	}
	*v = Value{Kind: ValueButtons, Buttons: state}
	return nil
}

// MarshalJSON кодирует значение в формате адаптора
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueScalar:
		return json.Marshal(v.Scalar)
	case ValueVector:
		return json.Marshal(map[string]float64{"x": v.Vector[0], "y": v.Vector[1], "z": v.Vector[2]})
	case ValueBool:
		if v.Bool {
			return []byte(`"on"`), nil
		}
		return []byte(`"off"`), nil
	case ValueButtons:
		return json.Marshal(map[string]int{
			"leftButton":  int(Bit(v.Buttons.Left)),
			"rightButton": int(Bit(v.Buttons.Right)),
		})
	default:
		return []byte("null"), nil
	}
}

// tokenTruth трактует строковый токен адаптора как логическое значение
func tokenTruth(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1", "yes":
		return true
	default:
		return false
	}
}

func rawTruth(raw json.RawMessage) (bool, error) {
	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return false, err
	}
	b, ok := v.Truth()
	if !ok {
		return false, fmt.Errorf("%w: button state must be a number or bool", ErrInvalidValue)
	}
	return b, nil
}

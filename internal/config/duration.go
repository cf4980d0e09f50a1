package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	isoduration "github.com/sosodev/duration"
	"gopkg.in/yaml.v3"
)

// Duration - длительность в конфигурации.
// Принимает число секунд (300, 3.0), строку Go ("5m") или ISO 8601 ("PT5M").
type Duration time.Duration

// Std возвращает значение как time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DurationOf оборачивает time.Duration
func DurationOf(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// ParseDuration разбирает длительность в любом из поддерживаемых форматов
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalid)
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsToDuration(secs)
	}
	if s[0] == 'P' || s[0] == 'p' {
		iso, err := isoduration.Parse(strings.ToUpper(s))
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q: %v", ErrInvalid, s, err)
		}
		return iso.ToTimeDuration(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", ErrInvalid, s, err)
	}
	return d, nil
}

func secondsToDuration(secs float64) (time.Duration, error) {
	if secs < 0 {
		return 0, fmt.Errorf("%w: negative duration %v", ErrInvalid, secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// UnmarshalJSON принимает число секунд или строку
func (d *Duration) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		secs, err := n.Float64()
		if err != nil {
			return fmt.Errorf("%w: duration %s", ErrInvalid, data)
		}
		v, err := secondsToDuration(secs)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: duration %s", ErrInvalid, data)
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON кодирует длительность строкой Go
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML принимает число секунд или строку
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: duration at line %d must be a scalar", ErrInvalid, node.Line)
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML кодирует длительность строкой Go
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

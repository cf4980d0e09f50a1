package config

import (
	"errors"
	"fmt"
	"time"

	"data-sender/internal/signal"
)

// Ошибки конфигурации
var (
	ErrInvalid = errors.New("invalid configuration")
	ErrPersist = errors.New("failed to persist configuration")
	ErrWarning = errors.New("configuration message carries a warning")
)

const (
	// DefaultDataSendDelay задержка между первым событием и отправкой пакета
	DefaultDataSendDelay = 1 * time.Second
	// DefaultMaxInterval максимальный интервал между отчетами для battery и connected
	DefaultMaxInterval = 12 * time.Hour
)

// signalSettings - параметры одного типа сигнала внутри снимка
type signalSettings struct {
	enabled     bool
	threshold   float64
	maxInterval *time.Duration // nil - используется общий max interval
	polling     time.Duration
}

// Snapshot - неизменяемый снимок политик.
// Обновление создает новый снимок, старый не меняется.
type Snapshot struct {
	dataSendDelay time.Duration
	maxInterval   time.Duration
	signals       map[signal.Type]signalSettings
	overrides     Overrides
}

// Defaults возвращает снимок со значениями по умолчанию
func Defaults() Snapshot {
	const poll = 300 * time.Second
	const motionPoll = 3 * time.Second
	return Snapshot{
		dataSendDelay: DefaultDataSendDelay,
		maxInterval:   DefaultMaxInterval,
		signals: map[signal.Type]signalSettings{
			signal.Temperature:   {enabled: true, threshold: 0.1, polling: poll},
			signal.IRTemperature: {enabled: false, threshold: 0.5, polling: poll},
			signal.Humidity:      {enabled: true, threshold: 0.2, polling: poll},
			signal.Luminance:     {enabled: true, threshold: 10.0, polling: poll},
			signal.Power:         {enabled: true, threshold: 1.0, polling: poll},
			signal.Battery:       {enabled: true, threshold: 1.0, polling: poll},
			signal.Connected:     {enabled: true},
			signal.Binary:        {enabled: true},
			signal.Acceleration:  {enabled: false, threshold: 0.02, polling: motionPoll},
			signal.Gyro:          {enabled: false, threshold: 0.5, polling: motionPoll},
			signal.Magnetometer:  {enabled: false, threshold: 1.5, polling: motionPoll},
			signal.Buttons:       {enabled: false},
		},
	}
}

// DataSendDelay возвращает задержку отправки пакета
func (s Snapshot) DataSendDelay() time.Duration {
	return s.dataSendDelay
}

// MaxInterval возвращает общий max interval
func (s Snapshot) MaxInterval() time.Duration {
	return s.maxInterval
}

// Policy возвращает политику для типа сигнала
func (s Snapshot) Policy(t signal.Type) signal.Policy {
	st, ok := s.signals[t]
	if !ok {
		return signal.Policy{}
	}
	p := signal.Policy{
		Enabled:         st.enabled,
		Threshold:       st.threshold,
		PollingInterval: st.polling,
	}
	if t.UsesMaxInterval() {
		p.MaxInterval = s.maxInterval
		if st.maxInterval != nil {
			p.MaxInterval = *st.maxInterval
		}
	}
	return p
}

// Policies возвращает копию всех политик
func (s Snapshot) Policies() map[signal.Type]signal.Policy {
	out := make(map[signal.Type]signal.Policy, len(signal.All))
	for _, t := range signal.All {
		out[t] = s.Policy(t)
	}
	return out
}

// Overrides возвращает накопленные изменения относительно базовой конфигурации
func (s Snapshot) Overrides() Overrides {
	return s.overrides.clone()
}

// Equal сравнивает действующие политики двух снимков
func (s Snapshot) Equal(o Snapshot) bool {
	if s.dataSendDelay != o.dataSendDelay || s.maxInterval != o.maxInterval {
		return false
	}
	for _, t := range signal.All {
		if s.Policy(t) != o.Policy(t) {
			return false
		}
	}
	return true
}

// Apply накладывает изменения и возвращает новый снимок.
// Исходный снимок не меняется; при ошибке возвращается исходный.
func (s Snapshot) Apply(o Overrides) (Snapshot, error) {
	// Синонимы сигналов сводятся к одному ключу до применения
	o = o.clone()
	next := Snapshot{
		dataSendDelay: s.dataSendDelay,
		maxInterval:   s.maxInterval,
		signals:       make(map[signal.Type]signalSettings, len(s.signals)),
		overrides:     s.overrides.Merge(o),
	}
	for t, st := range s.signals {
		next.signals[t] = st
	}

	if o.DataSendDelay != nil {
		next.dataSendDelay = o.DataSendDelay.Std()
	}
	if o.MaxInterval != nil {
		next.maxInterval = o.MaxInterval.Std()
	}
	for name, so := range o.Signals {
		t, err := signal.Parse(name)
		if err != nil {
			return s, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		st := next.signals[t]
		if so.Enabled != nil {
			st.enabled = *so.Enabled
		}
		if so.Threshold != nil {
			st.threshold = *so.Threshold
		}
		if so.MaxInterval != nil {
			d := so.MaxInterval.Std()
			st.maxInterval = &d
		}
		if so.PollingInterval != nil {
			st.polling = so.PollingInterval.Std()
		}
		next.signals[t] = st
	}

	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

// Validate проверяет согласованность снимка
func (s Snapshot) Validate() error {
	if s.dataSendDelay <= 0 {
		return fmt.Errorf("%w: data_send_delay must be positive", ErrInvalid)
	}
	if s.maxInterval < 0 {
		return fmt.Errorf("%w: max_interval must not be negative", ErrInvalid)
	}
	for t, st := range s.signals {
		if st.threshold < 0 {
			return fmt.Errorf("%w: %s.threshold must not be negative", ErrInvalid, t)
		}
		if st.polling < 0 {
			return fmt.Errorf("%w: %s.polling_interval must not be negative", ErrInvalid, t)
		}
		if st.maxInterval != nil && *st.maxInterval < 0 {
			return fmt.Errorf("%w: %s.max_interval must not be negative", ErrInvalid, t)
		}
	}
	return nil
}

// Baseline возвращает тот же снимок без накопленных изменений.
// Используется после загрузки файла, чтобы сохранялись только изменения во время работы.
func (s Snapshot) Baseline() Snapshot {
	s.overrides = Overrides{}
	return s
}

// View - представление снимка для HTTP API
type View struct {
	DataSendDelay Duration              `json:"data_send_delay"`
	MaxInterval   Duration              `json:"max_interval"`
	Signals       map[string]PolicyView `json:"signals"`
}

// PolicyView - политика одного сигнала в представлении
type PolicyView struct {
	Enabled         bool      `json:"enabled"`
	Threshold       float64   `json:"threshold"`
	MaxInterval     *Duration `json:"max_interval,omitempty"`
	PollingInterval Duration  `json:"polling_interval"`
}

// View возвращает представление снимка
func (s Snapshot) View() View {
	v := View{
		DataSendDelay: Duration(s.dataSendDelay),
		MaxInterval:   Duration(s.maxInterval),
		Signals:       make(map[string]PolicyView, len(s.signals)),
	}
	for t, p := range s.Policies() {
		pv := PolicyView{
			Enabled:         p.Enabled,
			Threshold:       p.Threshold,
			PollingInterval: Duration(p.PollingInterval),
		}
		if t.UsesMaxInterval() {
			pv.MaxInterval = DurationOf(p.MaxInterval)
		}
		v.Signals[t.String()] = pv
	}
	return v
}

package signal

import (
	"fmt"
	"math"

	"data-sender/internal/models"
)

// Filter хранит последнее отправленное значение одного сигнала устройства
// и решает, порождает ли новое показание события.
// Filter не потокобезопасен: им владеет один цикл диспетчера.
type Filter struct {
	typ    Type
	path   string
	policy Policy

	prev     float64
	prevVec  [3]float64
	prevTime float64
}

// State - снимок состояния фильтра для диагностики
type State struct {
	Path      string     `json:"path"`
	Signal    Type       `json:"signal"`
	Shape     string     `json:"shape"`
	Enabled   bool       `json:"enabled"`
	Threshold float64    `json:"threshold"`
	Previous  float64    `json:"previous"`
	Vector    [3]float64 `json:"vector"`
	Timestamp float64    `json:"previous_timestamp"`
}

// NewFilter создает фильтр с нулевой базой.
// now - время регистрации в секундах; от него отсчитывается max interval.
func NewFilter(t Type, path string, policy Policy, now float64) (*Filter, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSignal, uint8(t))
	}
	f := &Filter{typ: t, path: path, policy: policy}
	if t.UsesMaxInterval() {
		f.prevTime = now
	}
	return f, nil
}

// Type возвращает тип сигнала
func (f *Filter) Type() Type {
	return f.typ
}

// Path возвращает путь временного ряда
func (f *Filter) Path() string {
	return f.path
}

// Policy возвращает текущую политику
func (f *Filter) Policy() Policy {
	return f.policy
}

// SetPolicy заменяет политику, сохраняя последнее отправленное значение
func (f *Filter) SetPolicy(p Policy) {
	f.policy = p
}

// State возвращает снимок состояния
func (f *Filter) State() State {
	s := State{
		Path:      f.path,
		Signal:    f.typ,
		Shape:     f.typ.Shape().String(),
		Enabled:   f.policy.Enabled,
		Threshold: f.policy.Threshold,
		Previous:  f.prev,
		Timestamp: f.prevTime,
	}
	if f.typ.Shape() == ShapeVectorDeadband {
		s.Vector = f.prevVec
	}
	return s
}

// Evaluate применяет политику к показанию.
// Если условие отправки не выполнено, состояние не меняется и результат пуст.
func (f *Filter) Evaluate(r models.Reading) ([]models.Event, error) {
	switch f.typ.Shape() {
	case ShapeDeadband:
		return f.deadband(r, false)
	case ShapeDeadbandOrMaxInterval:
		return f.deadband(r, true)
	case ShapeEdgeOrMaxInterval:
		return f.edge(r, true)
	case ShapeEdgeDistinctTime:
		return f.edge(r, false)
	case ShapeVectorDeadband:
		return f.vector(r)
	case ShapeUnconditional:
		return f.buttons(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, f.typ)
	}
}

func (f *Filter) deadband(r models.Reading, heartbeat bool) ([]models.Event, error) {
	if r.Value.Kind != models.ValueScalar {
		return nil, f.kindError(r)
	}
	v := r.Value.Scalar
	emit := math.Abs(v-f.prev) >= f.policy.Threshold
	if !emit && heartbeat {
		emit = f.intervalElapsed(r.Timestamp)
	}
	if !emit {
		return nil, nil
	}
	f.prev, f.prevTime = v, r.Timestamp
	return []models.Event{models.NewEvent(f.path, r.Timestamp, v)}, nil
}

// edge обрабатывает логические сигналы.
// heartbeat=true: смена состояния или истекший max interval (connected).
// heartbeat=false: смена состояния при новой временной метке (binary).
func (f *Filter) edge(r models.Reading, heartbeat bool) ([]models.Event, error) {
	on, ok := r.Value.Truth()
	if !ok {
		return nil, f.kindError(r)
	}
	bit := models.Bit(on)
	changed := bit != f.prev

	var emit bool
	if heartbeat {
		emit = changed || f.intervalElapsed(r.Timestamp)
	} else {
		emit = changed && r.Timestamp != f.prevTime
	}
	if !emit {
		return nil, nil
	}
	f.prev, f.prevTime = bit, r.Timestamp
	return []models.Event{models.NewEvent(f.path, r.Timestamp, bit)}, nil
}

// vector проверяет оси x, y, z по порядку; первая ось с превышением порога
// открывает отправку всех трех текущих значений.
func (f *Filter) vector(r models.Reading) ([]models.Event, error) {
	if r.Value.Kind != models.ValueVector {
		return nil, f.kindError(r)
	}
	cur := r.Value.Vector
	emit := false
	for i := range cur {
		if math.Abs(cur[i]-f.prevVec[i]) > f.policy.Threshold {
			emit = true
			break
		}
	}
	if !emit {
		return nil, nil
	}
	f.prevVec, f.prevTime = cur, r.Timestamp

	events := make([]models.Event, 0, len(cur))
	for i, axis := range axisNames {
		events = append(events, models.NewEvent(f.path+"/"+axis, r.Timestamp, cur[i]))
	}
	return events, nil
}

func (f *Filter) buttons(r models.Reading) ([]models.Event, error) {
	if r.Value.Kind != models.ValueButtons {
		return nil, f.kindError(r)
	}
	f.prevTime = r.Timestamp
	return []models.Event{
		models.NewEvent(f.path+"/left_button", r.Timestamp, models.Bit(r.Value.Buttons.Left)),
		models.NewEvent(f.path+"/right_button", r.Timestamp, models.Bit(r.Value.Buttons.Right)),
	}, nil
}

// intervalElapsed сообщает, прошло ли больше max interval с последней отправки.
// Нулевой max interval отключает проверку.
func (f *Filter) intervalElapsed(ts float64) bool {
	if f.policy.MaxInterval <= 0 {
		return false
	}
	return ts-f.prevTime > f.policy.MaxInterval.Seconds()
}

func (f *Filter) kindError(r models.Reading) error {
	return fmt.Errorf("%w: %s expects %s, got %s", ErrValueKind, f.typ, f.typ.valueKind(), r.Value.Kind)
}

// Package batch реализует буфер пакетов с одним таймером отправки (debounce).
//
// Буфер находится в одном из двух состояний:
//   - Idle: буфер пуст, таймер не запланирован;
//   - Pending: в буфере есть хотя бы одно событие, запланирован ровно один таймер.
//
// Первое событие после пустого буфера планирует таймер на задержку отправки.
// Срабатывание таймера передает все накопленные события одним пакетом и очищает буфер.
package batch

import (
	"time"

	"github.com/google/uuid"

	"data-sender/internal/models"
)

// DefaultDelay задержка отправки по умолчанию
const DefaultDelay = 1 * time.Second

// State - состояние буфера
type State uint8

const (
	// Idle - буфер пуст, таймер не запланирован
	Idle State = iota
	// Pending - буфер не пуст, таймер запланирован
	Pending
)

// String возвращает имя состояния
func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Timer - запланированный однократный вызов
type Timer interface {
	Stop() bool
}

// Scheduler планирует однократный вызов через заданное время.
// Реализация обязана вызвать f в том же логическом потоке, что и Add.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SchedulerFunc позволяет использовать функцию как Scheduler
type SchedulerFunc func(d time.Duration, f func()) Timer

// AfterFunc вызывает fn(d, f)
func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) Timer {
	return fn(d, f)
}

// Sink принимает готовый пакет
type Sink func(models.Batch)

// Buffer накапливает события и отправляет их пакетами.
// Buffer не потокобезопасен: им владеет цикл диспетчера.
type Buffer struct {
	delay  time.Duration
	sched  Scheduler
	sink   Sink
	now    func() time.Time
	newID  func() string
	events []models.Event
	timer  Timer
	// generation отличает актуальный таймер от остановленного в Close
	generation uint64
}

// Option настраивает Buffer
type Option func(*Buffer)

// WithClock задает источник времени для FlushedAt
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithIDGenerator задает генератор идентификаторов пакетов
func WithIDGenerator(fn func() string) Option {
	return func(b *Buffer) { b.newID = fn }
}

// NewBuffer создает буфер в состоянии Idle
func NewBuffer(delay time.Duration, sched Scheduler, sink Sink, opts ...Option) *Buffer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	b := &Buffer{
		delay: delay,
		sched: sched,
		sink:  sink,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add добавляет события в порядке поступления.
// Переход Idle -> Pending планирует единственный таймер.
func (b *Buffer) Add(events ...models.Event) {
	if len(events) == 0 {
		return
	}
	b.events = append(b.events, events...)
	if b.timer == nil {
		gen := b.generation
		b.timer = b.sched.AfterFunc(b.delay, func() { b.fire(gen) })
	}
}

// fire вызывается таймером; срабатывание после Close игнорируется
func (b *Buffer) fire(gen uint64) {
	if gen != b.generation {
		return
	}
	b.Flush()
}

// Flush передает накопленные события одним пакетом и возвращает буфер в Idle.
// Пустой буфер ничего не отправляет.
func (b *Buffer) Flush() {
	b.timer = nil
	b.generation++
	if len(b.events) == 0 {
		return
	}
	batch := models.Batch{
		ID:        b.newID(),
		FlushedAt: b.now(),
		Events:    b.events,
	}
	b.events = nil
	b.sink(batch)
}

// Close отменяет запланированный таймер и сразу отправляет накопленное.
// Используется при остановке сервиса.
func (b *Buffer) Close() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.Flush()
}

// SetDelay меняет задержку; действует со следующего окна
func (b *Buffer) SetDelay(d time.Duration) {
	if d > 0 {
		b.delay = d
	}
}

// State возвращает текущее состояние
func (b *Buffer) State() State {
	if b.timer != nil {
		return Pending
	}
	return Idle
}

// Len возвращает число событий, ожидающих отправки
func (b *Buffer) Len() int {
	return len(b.events)
}

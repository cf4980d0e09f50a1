// Package dispatch реализует реестр фильтров и диспетчер показаний.
// Диспетчер владеет реестром, таблицей имен устройств и буфером пакетов;
// все изменения выполняются в одной горутине цикла Run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"data-sender/internal/batch"
	"data-sender/internal/config"
	"data-sender/internal/metrics"
	"data-sender/internal/models"
	"data-sender/internal/signal"
)

// Ошибки диспетчера
var (
	ErrStopped   = errors.New("dispatcher stopped")
	ErrTaskPanic = errors.New("dispatcher task panicked")
)

// DefaultQueueSize размер очереди задач цикла по умолчанию
const DefaultQueueSize = 1024

// ReplySink получает ответы на объявления возможностей, отправляемые повторно
// после смены конфигурации
type ReplySink func(adaptorID string, reply models.ServiceRequest)

// Options - зависимости и параметры диспетчера
type Options struct {
	AppID     string
	BridgeID  string
	Snapshot  config.Snapshot
	Sink      batch.Sink
	Replies   ReplySink
	Logger    *slog.Logger
	QueueSize int
	// Scheduler планирует таймер отправки; по умолчанию time.AfterFunc
	Scheduler batch.Scheduler
	Clock     func() time.Time
}

// Stats - счетчики и размеры для /stats
type Stats struct {
	ReadingsReceived int64
	EventsEmitted    int64
	BatchesSent      int64
	Filters          int
	Devices          int
	PendingEvents    int
}

// Dispatcher направляет показания в фильтры и передает события в буфер
type Dispatcher struct {
	appID    string
	log      *slog.Logger
	registry *Registry
	ids      *Identities
	buffer   *batch.Buffer
	replies  ReplySink

	tasks chan func()
	done  chan struct{}

	readings atomic.Int64
	events   atomic.Int64
	batches  atomic.Int64
}

// New создает диспетчер. Цикл запускается вызовом Run.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	inner := opts.Scheduler
	if inner == nil {
		inner = batch.SchedulerFunc(func(d time.Duration, f func()) batch.Timer {
			return time.AfterFunc(d, f)
		})
	}

	d := &Dispatcher{
		appID:   opts.AppID,
		log:     opts.Logger.With("component", "dispatcher"),
		ids:     NewIdentities(),
		replies: opts.Replies,
		tasks:   make(chan func(), opts.QueueSize),
		done:    make(chan struct{}),
	}
	d.registry = NewRegistry(opts.BridgeID, opts.Snapshot, d.ids, opts.Clock)

	// Срабатывание таймера возвращается в цикл как обычная задача
	loopScheduler := batch.SchedulerFunc(func(delay time.Duration, f func()) batch.Timer {
		return inner.AfterFunc(delay, func() { d.enqueue(f) })
	})
	sink := opts.Sink
	d.buffer = batch.NewBuffer(opts.Snapshot.DataSendDelay(), loopScheduler, func(b models.Batch) {
		d.batches.Add(1)
		metrics.ObserveBatch(b.Len())
		d.log.Debug("Batch flushed", "batch_id", b.ID, "events", b.Len())
		if sink != nil {
			sink(b)
		}
	}, batch.WithClock(opts.Clock))
	return d
}

// Run выполняет задачи цикла до отмены ctx.
// При остановке буфер отправляет накопленные события.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("Dispatcher started")
	defer close(d.done)
	for {
		select {
		case task := <-d.tasks:
			d.run(task)
		case <-ctx.Done():
			d.drain()
			d.run(d.buffer.Close)
			d.log.Info("Dispatcher stopped")
			return
		}
	}
}

// drain выполняет задачи, уже принятые в очередь
func (d *Dispatcher) drain() {
	for {
		select {
		case task := <-d.tasks:
			d.run(task)
		default:
			return
		}
	}
}

// run изолирует панику одной задачи от цикла
func (d *Dispatcher) run(task func()) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ReadingsDropped.WithLabelValues(metrics.ReasonPanic).Inc()
			d.log.Error("Dispatcher task panicked", "panic", p)
		}
	}()
	task()
}

// enqueue ставит задачу в очередь, ожидая места; используется таймером
func (d *Dispatcher) enqueue(task func()) {
	select {
	case d.tasks <- task:
	case <-d.done:
	}
}

// do выполняет fn в цикле и ждет результата
func (d *Dispatcher) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	task := func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", ErrTaskPanic, p)
				metrics.ReadingsDropped.WithLabelValues(metrics.ReasonPanic).Inc()
				d.log.Error("Dispatcher task panicked", "panic", p)
			}
			errc <- err
		}()
		err = fn()
	}

	select {
	case d.tasks <- task:
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-d.done:
		// Задача могла выполниться при остановке цикла
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch обрабатывает одно показание и возвращает число событий.
// Неизвестное устройство, неизвестная характеристика и отсутствующий
// или выключенный фильтр не являются ошибкой.
func (d *Dispatcher) Dispatch(ctx context.Context, r models.Reading) (int, error) {
	var emitted int
	err := d.do(ctx, func() error {
		n, err := d.dispatch(r)
		emitted = n
		return err
	})
	return emitted, err
}

// DispatchAll обрабатывает показания по порядку одной задачей.
// Ошибка одного показания не прерывает обработку остальных.
func (d *Dispatcher) DispatchAll(ctx context.Context, rs []models.Reading) (int, []error, error) {
	var (
		emitted int
		errs    []error
	)
	err := d.do(ctx, func() error {
		errs = make([]error, len(rs))
		for i, r := range rs {
			n, err := d.dispatch(r)
			emitted += n
			errs[i] = err
		}
		return nil
	})
	return emitted, errs, err
}

func (d *Dispatcher) dispatch(r models.Reading) (int, error) {
	d.readings.Add(1)
	if _, ok := d.ids.Resolve(r.DeviceID); !ok {
		metrics.ReadingsDropped.WithLabelValues(metrics.ReasonUnknownDevice).Inc()
		d.log.Warn("Reading from unknown device dropped", "device", r.DeviceID, "characteristic", r.Characteristic)
		return 0, nil
	}

	// Характеристика без фильтра отбрасывается молча, как и неописанная
	t, err := signal.Parse(r.Characteristic)
	if err != nil {
		metrics.ReadingsDropped.WithLabelValues(metrics.ReasonUnknownSignal).Inc()
		d.log.Debug("Reading with unsupported characteristic dropped", "device", r.DeviceID, "characteristic", r.Characteristic)
		return 0, nil
	}
	metrics.ReadingsReceived.WithLabelValues(t.String()).Inc()

	f, ok := d.registry.Lookup(r.DeviceID, t)
	if !ok {
		metrics.ReadingsDropped.WithLabelValues(metrics.ReasonNoFilter).Inc()
		return 0, nil
	}
	if !f.Policy().Enabled {
		metrics.ReadingsDropped.WithLabelValues(metrics.ReasonDisabled).Inc()
		return 0, nil
	}

	events, err := f.Evaluate(r)
	if err != nil {
		metrics.ReadingsDropped.WithLabelValues(metrics.ReasonInvalidValue).Inc()
		return 0, fmt.Errorf("device %s: %w", r.DeviceID, err)
	}
	if len(events) == 0 {
		metrics.ReadingsSuppressed.WithLabelValues(t.String()).Inc()
		return 0, nil
	}

	d.buffer.Add(events...)
	d.events.Add(int64(len(events)))
	metrics.EventsEmitted.WithLabelValues(t.String()).Add(float64(len(events)))
	metrics.PendingEvents.Set(float64(d.buffer.Len()))
	return len(events), nil
}

// Announce регистрирует объявленные возможности устройства и возвращает
// интервалы опроса включенных сигналов. Неизвестные характеристики пропускаются.
func (d *Dispatcher) Announce(ctx context.Context, ann models.ServiceAnnouncement) (models.ServiceRequest, error) {
	var reply models.ServiceRequest
	err := d.do(ctx, func() error {
		offered := make([]signal.Type, 0, len(ann.Service))
		for _, s := range ann.Service {
			t, err := signal.Parse(s.Characteristic)
			if err != nil {
				d.log.Debug("Unsupported characteristic ignored", "device", ann.DeviceID, "characteristic", s.Characteristic)
				continue
			}
			offered = append(offered, t)
			d.registry.Register(ann.DeviceID, t)
		}
		metrics.FiltersRegistered.Set(float64(d.registry.Len()))
		reply = d.reply(ann.DeviceID, offered)
		return nil
	})
	return reply, err
}

// reply строит ответ с интервалами опроса в секундах
func (d *Dispatcher) reply(deviceID string, offered []signal.Type) models.ServiceRequest {
	req := models.ServiceRequest{ID: d.appID, Request: "service", Service: []models.ServiceInterval{}}
	for _, iv := range d.registry.Intervals(deviceID, offered) {
		req.Service = append(req.Service, models.ServiceInterval{
			Characteristic: iv.Signal.String(),
			Interval:       iv.Every.Seconds(),
		})
	}
	return req
}

// SetIdentity сохраняет имя устройства и создает фильтры для уже объявленных возможностей
func (d *Dispatcher) SetIdentity(ctx context.Context, a models.Adaptor) error {
	return d.do(ctx, func() error {
		d.ids.Set(a)
		if n := d.registry.Activate(a.ID); n > 0 {
			metrics.FiltersRegistered.Set(float64(d.registry.Len()))
			d.log.Debug("Filters activated", "device", a.ID, "created", n)
		}
		return nil
	})
}

// Reconfigure применяет новый снимок конфигурации к реестру и буферу
// и повторно отправляет ответы подключенным устройствам
func (d *Dispatcher) Reconfigure(ctx context.Context, snap config.Snapshot) error {
	return d.do(ctx, func() error {
		created := d.registry.Reconfigure(snap)
		d.buffer.SetDelay(snap.DataSendDelay())
		metrics.FiltersRegistered.Set(float64(d.registry.Len()))
		d.log.Info("Dispatcher reconfigured", "filters", d.registry.Len(), "created", created)

		if d.replies == nil {
			return nil
		}
		for _, id := range d.registry.Devices() {
			if _, ok := d.ids.Resolve(id); !ok {
				continue
			}
			d.replies(id, d.reply(id, d.registry.Advertised(id)))
		}
		return nil
	})
}

// Flush немедленно отправляет накопленные события
func (d *Dispatcher) Flush(ctx context.Context) error {
	return d.do(ctx, func() error {
		d.buffer.Flush()
		return nil
	})
}

// Filters возвращает состояния фильтров
func (d *Dispatcher) Filters(ctx context.Context) ([]signal.State, error) {
	var out []signal.State
	err := d.do(ctx, func() error {
		out = d.registry.States()
		return nil
	})
	return out, err
}

// Adaptors возвращает известные имена устройств
func (d *Dispatcher) Adaptors(ctx context.Context) ([]models.Adaptor, error) {
	var out []models.Adaptor
	err := d.do(ctx, func() error {
		out = d.ids.All()
		return nil
	})
	return out, err
}

// Stats возвращает счетчики диспетчера
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		ReadingsReceived: d.readings.Load(),
		EventsEmitted:    d.events.Load(),
		BatchesSent:      d.batches.Load(),
	}
	err := d.do(ctx, func() error {
		s.Filters = d.registry.Len()
		s.Devices = d.ids.Len()
		s.PendingEvents = d.buffer.Len()
		return nil
	})
	return s, err
}

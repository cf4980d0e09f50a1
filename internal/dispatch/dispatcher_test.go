package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-sender/internal/batch"
	"data-sender/internal/config"
	"data-sender/internal/models"
	"data-sender/internal/signal"
)

type stubTimer struct {
	fn func()
}

func (t *stubTimer) Stop() bool { return true }

// stubScheduler keeps armed callbacks until the test fires them
type stubScheduler struct {
	mu     sync.Mutex
	timers []*stubTimer
}

func (s *stubScheduler) AfterFunc(_ time.Duration, f func()) batch.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &stubTimer{fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *stubScheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *stubScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	t.fn()
}

type harness struct {
	d       *Dispatcher
	sched   *stubScheduler
	batches chan models.Batch
	replies chan models.ServiceRequest
}

func newHarness(t *testing.T, snap config.Snapshot) *harness {
	t.Helper()
	h := &harness{
		sched:   &stubScheduler{},
		batches: make(chan models.Batch, 16),
		replies: make(chan models.ServiceRequest, 16),
	}
	h.d = New(Options{
		AppID:     "data_sender",
		BridgeID:  "BID7",
		Snapshot:  snap,
		Sink:      func(b models.Batch) { h.batches <- b },
		Replies:   func(_ string, r models.ServiceRequest) { h.replies <- r },
		Scheduler: h.sched,
		Clock:     func() time.Time { return time.Unix(1000, 0) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) flush(t *testing.T) models.Batch {
	t.Helper()
	h.sched.fireLast()
	select {
	case b := <-h.batches:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no batch flushed")
		return models.Batch{}
	}
}

func (h *harness) register(t *testing.T, id, friendly string, caps ...string) models.ServiceRequest {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.d.SetIdentity(ctx, models.Adaptor{ID: id, Name: "SensorTag", FriendlyName: friendly}))
	ann := models.ServiceAnnouncement{DeviceID: id}
	for _, c := range caps {
		ann.Service = append(ann.Service, models.ServiceOffered{Characteristic: c})
	}
	reply, err := h.d.Announce(ctx, ann)
	require.NoError(t, err)
	return reply
}

func reading(id, characteristic string, ts float64, v models.Value) models.Reading {
	return models.Reading{DeviceID: id, Characteristic: characteristic, Timestamp: ts, Value: v}
}

func withSignal(t *testing.T, snap config.Snapshot, name string, o config.SignalOverride) config.Snapshot {
	t.Helper()
	next, err := snap.Apply(config.Overrides{Signals: map[string]config.SignalOverride{name: o}})
	require.NoError(t, err)
	return next
}

func TestDispatcher_TemperatureDeadbandEndToEnd(t *testing.T) {
	h := newHarness(t, config.Defaults())
	h.register(t, "dev1", "Kitchen Tag", "temperature")
	ctx := context.Background()

	const t0 = 1700000000.0
	n, err := h.d.Dispatch(ctx, reading("dev1", "temperature", t0, models.Scalar(20.0)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.d.Dispatch(ctx, reading("dev1", "temperature", t0+1, models.Scalar(20.05)))
	require.NoError(t, err)
	assert.Zero(t, n, "sub-threshold change is suppressed")

	n, err = h.d.Dispatch(ctx, reading("dev1", "temperature", t0+2, models.Scalar(20.2)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b := h.flush(t)
	require.Len(t, b.Events, 2)
	for _, e := range b.Events {
		assert.NotEqual(t, models.Millis(t0+1), e.Timestamp)
	}
	last := b.Events[1]
	assert.Equal(t, "BID7/Kitchen_Tag/temperature", last.Path)
	assert.Equal(t, models.Millis(t0+2), last.Timestamp)
	assert.Equal(t, 20.2, last.Value)
}

func TestDispatcher_AccelerationEndToEnd(t *testing.T) {
	enabled := true
	snap := withSignal(t, config.Defaults(), "acceleration", config.SignalOverride{Enabled: &enabled})
	h := newHarness(t, snap)
	h.register(t, "dev1", "Tag", "acceleration")
	ctx := context.Background()

	const t0 = 1700000000.0
	n, err := h.d.Dispatch(ctx, reading("dev1", "acceleration", t0, models.Vector(0, 0, 0)))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.sched.armed(), "nothing buffered, no timer")

	n, err = h.d.Dispatch(ctx, reading("dev1", "acceleration", t0+1, models.Vector(0, 0, 0.03)))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b := h.flush(t)
	require.Len(t, b.Events, 3)
	want := []models.Event{
		{Path: "BID7/Tag/accel/x", Timestamp: models.Millis(t0 + 1), Value: 0},
		{Path: "BID7/Tag/accel/y", Timestamp: models.Millis(t0 + 1), Value: 0},
		{Path: "BID7/Tag/accel/z", Timestamp: models.Millis(t0 + 1), Value: 0.03},
	}
	assert.Equal(t, want, b.Events)
}

func TestDispatcher_EventsKeepDispatchOrderAcrossSignals(t *testing.T) {
	h := newHarness(t, config.Defaults())
	h.register(t, "a", "A", "temperature", "humidity")
	h.register(t, "b", "B", "luminance")

	rs := []models.Reading{
		reading("a", "temperature", 1, models.Scalar(10)),
		reading("b", "luminance", 2, models.Scalar(300)),
		reading("a", "humidity", 3, models.Scalar(40)),
		reading("a", "temperature", 4, models.Scalar(11)),
	}
	emitted, errs, err := h.d.DispatchAll(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, 4, emitted)
	for _, e := range errs {
		assert.NoError(t, e)
	}
	assert.Equal(t, 1, h.sched.armed(), "one timer for the whole window")

	b := h.flush(t)
	paths := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{
		"BID7/A/temperature",
		"BID7/B/luminance",
		"BID7/A/humidity",
		"BID7/A/temperature",
	}, paths)
}

func TestDispatcher_DropsUnknownAndUnregistered(t *testing.T) {
	h := newHarness(t, config.Defaults())
	h.register(t, "dev1", "Tag", "temperature", "gyro")
	ctx := context.Background()

	n, err := h.d.Dispatch(ctx, reading("ghost", "temperature", 1, models.Scalar(5)))
	assert.NoError(t, err, "unknown device is dropped, not an error")
	assert.Zero(t, n)

	n, err = h.d.Dispatch(ctx, reading("dev1", "humidity", 1, models.Scalar(50)))
	assert.NoError(t, err, "capability never announced")
	assert.Zero(t, n)

	n, err = h.d.Dispatch(ctx, reading("dev1", "gyro", 1, models.Vector(1, 1, 1)))
	assert.NoError(t, err, "gyro is disabled by default")
	assert.Zero(t, n)

	n, err = h.d.Dispatch(ctx, reading("dev1", "activity", 1, models.Scalar(1)))
	assert.NoError(t, err, "characteristic without a filter is dropped")
	assert.Zero(t, n)

	n, err = h.d.Dispatch(ctx, reading("ghost", "activity", 1, models.Scalar(1)))
	assert.NoError(t, err, "unknown device is checked before the characteristic")
	assert.Zero(t, n)

	_, err = h.d.Dispatch(ctx, reading("dev1", "temperature", 1, models.Bool(true)))
	assert.ErrorIs(t, err, signal.ErrValueKind)

	assert.Zero(t, h.sched.armed())

	stats, err := h.d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.ReadingsReceived)
	assert.Zero(t, stats.EventsEmitted)
	assert.Equal(t, 1, stats.Filters)
	assert.Equal(t, 1, stats.Devices)
}

func TestDispatcher_AnnounceRepliesWithIntervals(t *testing.T) {
	h := newHarness(t, config.Defaults())
	reply := h.register(t, "dev1", "Tag", "buttons", "temperature", "gyro", "binary_sensor", "barometer")

	assert.Equal(t, "data_sender", reply.ID)
	assert.Equal(t, "service", reply.Request)
	assert.Equal(t, []models.ServiceInterval{
		{Characteristic: "temperature", Interval: 300},
		{Characteristic: "binary_sensor", Interval: 0},
	}, reply.Service, "disabled and unsupported characteristics are left out")

	// Announcing again does not create duplicates
	h.register(t, "dev1", "Tag", "temperature")
	states, err := h.d.Filters(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "BID7/Tag/binary", states[0].Path)
	assert.Equal(t, "BID7/Tag/temperature", states[1].Path)
}

func TestDispatcher_IdentityAfterAnnouncementActivatesFilters(t *testing.T) {
	h := newHarness(t, config.Defaults())
	ctx := context.Background()

	_, err := h.d.Announce(ctx, models.ServiceAnnouncement{
		DeviceID: "dev1",
		Service:  []models.ServiceOffered{{Characteristic: "temperature"}},
	})
	require.NoError(t, err)

	n, err := h.d.Dispatch(ctx, reading("dev1", "temperature", 1, models.Scalar(20)))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, h.d.SetIdentity(ctx, models.Adaptor{ID: "dev1", Name: "Front Door"}))
	n, err = h.d.Dispatch(ctx, reading("dev1", "temperature", 2, models.Scalar(20)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b := h.flush(t)
	assert.Equal(t, "BID7/Front_Door/temperature", b.Events[0].Path)
}

func TestDispatcher_ReconfigureEnablesAndRepublishes(t *testing.T) {
	h := newHarness(t, config.Defaults())
	h.register(t, "dev1", "Tag", "temperature", "gyro")
	ctx := context.Background()

	enabled := true
	threshold := 5.0
	snap := withSignal(t, config.Defaults(), "gyro", config.SignalOverride{Enabled: &enabled})
	snap = withSignal(t, snap, "temperature", config.SignalOverride{Threshold: &threshold})
	require.NoError(t, h.d.Reconfigure(ctx, snap))

	select {
	case r := <-h.replies:
		assert.Equal(t, []models.ServiceInterval{
			{Characteristic: "temperature", Interval: 300},
			{Characteristic: "gyro", Interval: 3},
		}, r.Service)
	case <-time.After(time.Second):
		t.Fatal("reply not republished")
	}

	n, err := h.d.Dispatch(ctx, reading("dev1", "gyro", 1, models.Vector(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = h.d.Dispatch(ctx, reading("dev1", "temperature", 1, models.Scalar(4)))
	require.NoError(t, err)
	assert.Zero(t, n, "new threshold applies to the existing filter")
}

func TestDispatcher_DisabledFilterKeepsState(t *testing.T) {
	h := newHarness(t, config.Defaults())
	h.register(t, "dev1", "Tag", "humidity")
	ctx := context.Background()

	_, err := h.d.Dispatch(ctx, reading("dev1", "humidity", 1, models.Scalar(40)))
	require.NoError(t, err)

	disabled := false
	off := withSignal(t, config.Defaults(), "humidity", config.SignalOverride{Enabled: &disabled})
	require.NoError(t, h.d.Reconfigure(ctx, off))
	n, err := h.d.Dispatch(ctx, reading("dev1", "humidity", 2, models.Scalar(90)))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, h.d.Reconfigure(ctx, config.Defaults()))
	n, err = h.d.Dispatch(ctx, reading("dev1", "humidity", 3, models.Scalar(40.1)))
	require.NoError(t, err)
	assert.Zero(t, n, "baseline 40 survived the disabled period")
}

func TestDispatcher_StopFlushesPending(t *testing.T) {
	sched := &stubScheduler{}
	batches := make(chan models.Batch, 1)
	d := New(Options{
		BridgeID:  "BID7",
		Snapshot:  config.Defaults(),
		Sink:      func(b models.Batch) { batches <- b },
		Scheduler: sched,
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, d.SetIdentity(ctx, models.Adaptor{ID: "dev1", FriendlyName: "Tag"}))
	_, err := d.Announce(ctx, models.ServiceAnnouncement{DeviceID: "dev1", Service: []models.ServiceOffered{{Characteristic: "power"}}})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, reading("dev1", "power", 1, models.Scalar(12)))
	require.NoError(t, err)

	cancel()
	<-stopped

	select {
	case b := <-batches:
		assert.Len(t, b.Events, 1)
	default:
		t.Fatal("pending events were not flushed on stop")
	}

	_, err = d.Dispatch(context.Background(), reading("dev1", "power", 2, models.Scalar(20)))
	assert.ErrorIs(t, err, ErrStopped)
}

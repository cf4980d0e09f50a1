package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-sender/internal/signal"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"300", 300 * time.Second},
		{"3.0", 3 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"5m", 5 * time.Minute},
		{"PT12H", 12 * time.Hour},
		{"PT1M30S", 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "-1", "soon", "P1X"} {
		_, err := ParseDuration(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}

func TestDefaults(t *testing.T) {
	snap := Defaults()
	require.NoError(t, snap.Validate())

	temp := snap.Policy(signal.Temperature)
	assert.True(t, temp.Enabled)
	assert.Equal(t, 0.1, temp.Threshold)
	assert.Equal(t, 300*time.Second, temp.PollingInterval)
	assert.Zero(t, temp.MaxInterval, "deadband-only signals have no max interval")

	battery := snap.Policy(signal.Battery)
	assert.Equal(t, DefaultMaxInterval, battery.MaxInterval)

	assert.False(t, snap.Policy(signal.Acceleration).Enabled)
	assert.Equal(t, 0.02, snap.Policy(signal.Acceleration).Threshold)
	assert.Equal(t, DefaultDataSendDelay, snap.DataSendDelay())
	assert.Len(t, snap.Policies(), len(signal.All))
}

func TestSnapshot_ApplyIsCopyOnWrite(t *testing.T) {
	base := Defaults()
	threshold := 0.3
	enabled := true

	next, err := base.Apply(Overrides{
		MaxInterval: DurationOf(time.Hour),
		Signals: map[string]SignalOverride{
			"temperature": {Threshold: &threshold},
			"accel":       {Enabled: &enabled},
			"connected":   {MaxInterval: DurationOf(time.Minute)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.3, next.Policy(signal.Temperature).Threshold)
	assert.True(t, next.Policy(signal.Acceleration).Enabled)
	assert.Equal(t, time.Hour, next.Policy(signal.Battery).MaxInterval)
	assert.Equal(t, time.Minute, next.Policy(signal.Connected).MaxInterval)

	// The source snapshot is unchanged
	assert.Equal(t, 0.1, base.Policy(signal.Temperature).Threshold)
	assert.False(t, base.Policy(signal.Acceleration).Enabled)
	assert.False(t, next.Equal(base))
	assert.Len(t, next.Overrides().Signals, 3)
}

func TestSnapshot_ApplyRejectsInvalid(t *testing.T) {
	base := Defaults()
	negative := -1.0

	_, err := base.Apply(Overrides{Signals: map[string]SignalOverride{"temperature": {Threshold: &negative}}})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = base.Apply(Overrides{Signals: map[string]SignalOverride{"pressure": {}}})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = base.Apply(Overrides{DataSendDelay: DurationOf(0)})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseUpdate(t *testing.T) {
	o, err := ParseUpdate([]byte(`{
		"data_send_delay": 2,
		"temperature.threshold": 0.25,
		"temperature.enabled": false,
		"battery.max_interval": "PT1H",
		"signals": {"humidity": {"polling_interval": "10m"}}
	}`))
	require.NoError(t, err)

	require.NotNil(t, o.DataSendDelay)
	assert.Equal(t, 2*time.Second, o.DataSendDelay.Std())
	assert.Equal(t, 0.25, *o.Signals["temperature"].Threshold)
	assert.False(t, *o.Signals["temperature"].Enabled)
	assert.Equal(t, time.Hour, o.Signals["battery"].MaxInterval.Std())
	assert.Equal(t, 10*time.Minute, o.Signals["humidity"].PollingInterval.Std())

	wrapped, err := ParseUpdate([]byte(`{"config": {"power.threshold": 2}}`))
	require.NoError(t, err)
	assert.Equal(t, 2.0, *wrapped.Signals["power"].Threshold)

	_, err = ParseUpdate([]byte(`{"warning": "no config for this bridge"}`))
	assert.ErrorIs(t, err, ErrWarning)

	_, err = ParseUpdate([]byte(`{"colour": "blue"}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ParseUpdate([]byte(`{"temperature.threshold": "high"}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseUpdate_SignalAliasesShareOneKey(t *testing.T) {
	o, err := ParseUpdate([]byte(`{"accel.threshold": 0.1, "magnet.enabled": true, "binary.enabled": false}`))
	require.NoError(t, err)
	assert.Len(t, o.Signals, 3)
	assert.Equal(t, 0.1, *o.Signals["acceleration"].Threshold)
	assert.True(t, *o.Signals["magnetometer"].Enabled)
	assert.False(t, *o.Signals["binary_sensor"].Enabled)

	next, err := ParseUpdate([]byte(`{"acceleration.threshold": 0.5}`))
	require.NoError(t, err)
	merged := o.Merge(next)
	assert.NotContains(t, merged.Signals, "accel")
	assert.Equal(t, 0.5, *merged.Signals["acceleration"].Threshold)
	assert.True(t, *merged.Signals["magnetometer"].Enabled, "other fields survive the merge")
}

func TestManager_RestoreWithAliasesIsDeterministic(t *testing.T) {
	low, high := 0.1, 0.5
	// Stored before names were normalised: both spellings present
	stored := Overrides{Signals: map[string]SignalOverride{
		"accel":        {Threshold: &low},
		"acceleration": {Threshold: &high},
	}}

	for i := 0; i < 50; i++ {
		store := &memoryStore{saved: &stored}
		m := NewManager(Defaults(), store, nil)
		require.NoError(t, m.Restore(context.Background()))
		require.Equal(t, 0.5, m.Current().Policy(signal.Acceleration).Threshold)

		restored := m.Current().Overrides()
		require.Len(t, restored.Signals, 1)
		require.Contains(t, restored.Signals, "acceleration")
	}
}

func TestManager_AliasUpdatesPersistOneEntry(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(Defaults(), store, nil)

	first, err := ParseUpdate([]byte(`{"accel.threshold": 0.1}`))
	require.NoError(t, err)
	_, _, err = m.Update(context.Background(), first)
	require.NoError(t, err)

	second, err := ParseUpdate([]byte(`{"acceleration.threshold": 0.5}`))
	require.NoError(t, err)
	_, _, err = m.Update(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, 0.5, m.Current().Policy(signal.Acceleration).Threshold)
	require.NotNil(t, store.saved)
	assert.Len(t, store.saved.Signals, 1)
	assert.Equal(t, 0.5, *store.saved.Signals["acceleration"].Threshold)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bridge_id: BID42
data_send_delay: 2s
transport:
  kind: mqtt
  encoding: cbor
  mqtt:
    broker: tcp://broker:1883
signals:
  temperature:
    threshold: 0.5
  gyro:
    enabled: true
    polling_interval: PT1S
`), 0o644))

	settings, snap, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "BID42", settings.BridgeID)
	assert.Equal(t, "mqtt", settings.Transport.Kind)
	assert.Equal(t, "cbor", settings.Transport.Encoding)
	assert.Equal(t, "tcp://broker:1883", settings.Transport.MQTT.Broker)
	assert.Equal(t, "data_sender", settings.AppID, "defaults survive partial files")

	assert.Equal(t, 2*time.Second, snap.DataSendDelay())
	assert.Equal(t, 0.5, snap.Policy(signal.Temperature).Threshold)
	assert.True(t, snap.Policy(signal.Gyro).Enabled)
	assert.Equal(t, time.Second, snap.Policy(signal.Gyro).PollingInterval)
	assert.True(t, snap.Overrides().IsZero(), "file values are the baseline, not runtime overrides")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	settings, snap, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), settings)
	assert.True(t, snap.Equal(Defaults()))
}

func TestLoad_InvalidTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  kind: carrier-pigeon\n"), 0o644))
	_, _, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

type memoryStore struct {
	saved   *Overrides
	failing error
	saves   int
}

func (s *memoryStore) LoadOverrides(context.Context) (Overrides, bool, error) {
	if s.saved == nil {
		return Overrides{}, false, nil
	}
	return *s.saved, true, nil
}

func (s *memoryStore) SaveOverrides(_ context.Context, o Overrides) error {
	if s.failing != nil {
		return s.failing
	}
	s.saves++
	s.saved = &o
	return nil
}

func TestManager_UpdatePersistsAndNotifies(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(Defaults(), store, nil)

	var notified []Snapshot
	m.OnChange(func(s Snapshot) { notified = append(notified, s) })

	threshold := 0.4
	snap, changed, err := m.Update(context.Background(), Overrides{
		Signals: map[string]SignalOverride{"temperature": {Threshold: &threshold}},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.4, snap.Policy(signal.Temperature).Threshold)
	assert.Equal(t, 0.4, m.Current().Policy(signal.Temperature).Threshold)
	require.Len(t, notified, 1)
	require.NotNil(t, store.saved)
	assert.Equal(t, 0.4, *store.saved.Signals["temperature"].Threshold)

	// Identical update: nothing saved, nobody notified
	_, changed, err = m.Update(context.Background(), Overrides{
		Signals: map[string]SignalOverride{"temperature": {Threshold: &threshold}},
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, store.saves)
	assert.Len(t, notified, 1)
}

func TestManager_FirstUpdatePersistsEvenWithoutChange(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(Defaults(), store, nil)

	_, changed, err := m.Update(context.Background(), Overrides{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, store.saves)
}

func TestManager_PersistFailureKeepsPrevious(t *testing.T) {
	store := &memoryStore{failing: errors.New("disk full")}
	m := NewManager(Defaults(), store, nil)

	notified := 0
	m.OnChange(func(Snapshot) { notified++ })

	enabled := true
	_, _, err := m.Update(context.Background(), Overrides{
		Signals: map[string]SignalOverride{"gyro": {Enabled: &enabled}},
	})
	assert.ErrorIs(t, err, ErrPersist)
	assert.False(t, m.Current().Policy(signal.Gyro).Enabled)
	assert.Zero(t, notified)
}

func TestManager_InvalidUpdateKeepsPrevious(t *testing.T) {
	m := NewManager(Defaults(), &memoryStore{}, nil)
	_, _, err := m.Update(context.Background(), Overrides{DataSendDelay: DurationOf(-time.Second)})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, DefaultDataSendDelay, m.Current().DataSendDelay())
}

func TestManager_Restore(t *testing.T) {
	threshold := 2.5
	store := &memoryStore{saved: &Overrides{
		Signals: map[string]SignalOverride{"power": {Threshold: &threshold}},
	}}
	m := NewManager(Defaults(), store, nil)
	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, 2.5, m.Current().Policy(signal.Power).Threshold)

	// Already persisted: an unchanged update does not write again
	_, _, err := m.Update(context.Background(), Overrides{})
	require.NoError(t, err)
	assert.Zero(t, store.saves)
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := FileStore{Path: filepath.Join(t.TempDir(), "data_sender.config")}

	_, found, err := store.LoadOverrides(context.Background())
	require.NoError(t, err)
	assert.False(t, found)

	enabled := false
	in := Overrides{
		DataSendDelay: DurationOf(3 * time.Second),
		Signals:       map[string]SignalOverride{"binary_sensor": {Enabled: &enabled}},
	}
	require.NoError(t, store.SaveOverrides(context.Background(), in))

	out, found, err := store.LoadOverrides(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3*time.Second, out.DataSendDelay.Std())
	assert.False(t, *out.Signals["binary_sensor"].Enabled)
}

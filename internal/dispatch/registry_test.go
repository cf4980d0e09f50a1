package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-sender/internal/config"
	"data-sender/internal/models"
	"data-sender/internal/signal"
)

func newTestRegistry() (*Registry, *Identities) {
	ids := NewIdentities()
	return NewRegistry("BID1", config.Defaults(), ids, func() time.Time { return time.Unix(500, 0) }), ids
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r, ids := newTestRegistry()
	ids.Set(models.Adaptor{ID: "d1", FriendlyName: "Hall Sensor"})

	every, ok := r.Register("d1", signal.Temperature)
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, every)

	first, ok := r.Lookup("d1", signal.Temperature)
	require.True(t, ok)
	assert.Equal(t, "BID1/Hall_Sensor/temperature", first.Path())

	_, ok = r.Register("d1", signal.Temperature)
	require.True(t, ok)
	second, _ := r.Lookup("d1", signal.Temperature)
	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RegisterRequiresPolicyAndIdentity(t *testing.T) {
	r, ids := newTestRegistry()

	_, ok := r.Register("d1", signal.Humidity)
	assert.False(t, ok, "identity unresolved")

	ids.Set(models.Adaptor{ID: "d1", Name: "Tag"})
	_, ok = r.Register("d1", signal.Magnetometer)
	assert.False(t, ok, "policy disabled")

	assert.Equal(t, 1, r.Activate("d1"), "humidity was remembered")
	_, ok = r.Lookup("d1", signal.Humidity)
	assert.True(t, ok)
	assert.Equal(t, []signal.Type{signal.Humidity, signal.Magnetometer}, r.Advertised("d1"))
}

func TestRegistry_PushOnlySignalsRequestNoPolling(t *testing.T) {
	r, ids := newTestRegistry()
	ids.Set(models.Adaptor{ID: "d1", Name: "Tag"})

	every, ok := r.Register("d1", signal.Connected)
	assert.True(t, ok)
	assert.Zero(t, every)
}

func TestRegistry_MaxIntervalCountsFromRegistration(t *testing.T) {
	r, ids := newTestRegistry()
	ids.Set(models.Adaptor{ID: "d1", Name: "Tag"})
	r.Register("d1", signal.Battery)

	f, _ := r.Lookup("d1", signal.Battery)
	assert.Equal(t, 500.0, f.State().Timestamp)
}

func TestRegistry_ReconfigureSwapsPolicies(t *testing.T) {
	r, ids := newTestRegistry()
	ids.Set(models.Adaptor{ID: "d1", Name: "Tag"})
	r.Register("d1", signal.Temperature)
	r.Register("d1", signal.Acceleration)
	require.Equal(t, 1, r.Len())

	enabled := true
	threshold := 1.5
	snap, err := config.Defaults().Apply(config.Overrides{Signals: map[string]config.SignalOverride{
		"acceleration": {Enabled: &enabled},
		"temperature":  {Threshold: &threshold},
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Reconfigure(snap))
	assert.Equal(t, 2, r.Len())

	temp, _ := r.Lookup("d1", signal.Temperature)
	assert.Equal(t, 1.5, temp.Policy().Threshold)
	assert.Equal(t, []string{"d1"}, r.Devices())
}

func TestIdentities_Resolve(t *testing.T) {
	ids := NewIdentities()
	_, ok := ids.Resolve("x")
	assert.False(t, ok)

	ids.Set(models.Adaptor{ID: "x", Name: " "})
	_, ok = ids.Resolve("x")
	assert.False(t, ok, "blank names do not resolve")

	ids.Set(models.Adaptor{ID: "x", Name: "Tag", FriendlyName: "Living Room"})
	name, ok := ids.Resolve("x")
	assert.True(t, ok)
	assert.Equal(t, "Living Room", name)

	ids.Set(models.Adaptor{ID: "a", Name: "Porch"})
	all := ids.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID, "sorted by id")
	assert.Equal(t, "x", all[1].ID)
}

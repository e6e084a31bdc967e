package metrics

import (
	"testing"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsUpdateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	ctrl := &core.Control{Seq: 41, NSamples: 16, SSize: 2}
	m.OnEvent(core.Event{Kind: core.EventDeviceRegistered, Device: "sim"})
	m.OnEvent(core.Event{Kind: core.EventBlockAcquired, Device: "sim", CSet: 0, Chan: 1, Ctrl: ctrl})
	m.OnEvent(core.Event{Kind: core.EventBlockAcquired, Device: "sim", CSet: 0, Chan: 1, Ctrl: ctrl})
	m.OnEvent(core.Event{Kind: core.EventBlockDropped, Device: "sim", CSet: 0, Err: "out of space"})
	m.OnEvent(core.Event{Kind: core.EventTransportChanged, Device: "sim", Target: core.TargetTransport})
	m.OnEvent(core.Event{Kind: core.EventReconfigFailed, Device: "sim", Target: core.TargetTiming})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Devices))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Blocks.WithLabelValues("sim", "0", "block_acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Blocks.WithLabelValues("sim", "0", "block_dropped")))
	assert.Equal(t, 41.0, testutil.ToFloat64(m.LastSequence.WithLabelValues("sim", "0", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconfigs.WithLabelValues("sim", "transport", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconfigs.WithLabelValues("sim", "timing", "failed")))

	m.OnEvent(core.Event{Kind: core.EventDeviceRemoved, Device: "sim"})
	assert.Zero(t, testutil.ToFloat64(m.Devices))
	assert.Zero(t, testutil.CollectAndCount(m.LastSequence))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

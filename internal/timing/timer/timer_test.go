package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/directory"
	"github.com/KevinKickass/OpenAcqCore/internal/timing/timer"
	"github.com/KevinKickass/OpenAcqCore/internal/transport/heap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingHW struct{ cycles atomic.Int64 }

func (h *countingHW) RawIO(*core.ChannelSet) error {
	h.cycles.Add(1)
	return nil
}

func TestTimerArmsPeriodically(t *testing.T) {
	tree := directory.New()
	reg, err := core.NewRegistry(core.Env{
		Directory:  tree,
		Attributes: tree,
		Logger:     zaptest.NewLogger(t),
	}, core.WithDefaults(heap.Name, timer.Name))
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.RegisterTransport(heap.Type(nil, 64)))
	require.NoError(t, reg.RegisterTiming(timer.Type(nil, time.Millisecond)))

	hw := &countingHW{}
	dev, err := reg.RegisterDevice(core.DeviceTemplate{
		Name: "dev",
		CSets: []core.CSetTemplate{
			{Direction: core.Input, SampleSize: 2, Channels: []core.ChanTemplate{{}}},
		},
	}, hw)
	require.NoError(t, err)
	cs := dev.Sets()[0]
	assert.Equal(t, uint32(1000), cs.Timing().Attrs().GetOr(timer.AttrPeriodUS, 0))

	// no consumer pulls, the ticker drives every cycle
	require.Eventually(t, func() bool { return hw.cycles.Load() >= 3 }, 2*time.Second, time.Millisecond)

	cs.SetTimingEnabled(false)
	// a tick already past its enabled check may still finish
	time.Sleep(5 * time.Millisecond)
	stopped := hw.cycles.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, hw.cycles.Load())

	// a longer period applies without recreating the instance
	require.NoError(t, cs.Timing().Attrs().Set(timer.AttrPeriodUS, 50_000))
	cs.SetTimingEnabled(true)
	require.Eventually(t, func() bool { return hw.cycles.Load() > stopped }, 2*time.Second, time.Millisecond)
}

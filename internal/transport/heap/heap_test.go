package heap

import (
	"testing"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/directory"
	"github.com/KevinKickass/OpenAcqCore/internal/timing/user"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type idleHW struct{}

func (idleHW) RawIO(*core.ChannelSet) error { return nil }

func newInstance(t *testing.T, maxKB uint32) (*core.BufferInstance, *backend) {
	t.Helper()
	tree := directory.New()
	reg, err := core.NewRegistry(core.Env{
		Directory:  tree,
		Attributes: tree,
		Logger:     zaptest.NewLogger(t),
	}, core.WithDefaults(Name, user.Name))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	require.NoError(t, reg.RegisterTransport(Type(nil, maxKB)))
	require.NoError(t, reg.RegisterTiming(user.Type(nil)))

	dev, err := reg.RegisterDevice(core.DeviceTemplate{
		Name: "dev",
		CSets: []core.CSetTemplate{
			{Direction: core.Input, SampleSize: 2, Channels: []core.ChanTemplate{{}}},
		},
	}, idleHW{})
	require.NoError(t, err)
	ch, err := dev.Channel(0, 0)
	require.NoError(t, err)

	bi := ch.Transport()
	b, ok := bi.Backend().(*backend)
	require.True(t, ok)
	return bi, b
}

func allocBlock(b *backend, size int) (*core.Block, error) {
	return b.AllocBlock(&core.Control{NSamples: uint32(size / 2), SSize: 2}, size)
}

func TestMaxKBBoundsHeldBytes(t *testing.T) {
	_, b := newInstance(t, 1)
	assert.True(t, b.Bounded())

	var blocks []*core.Block
	for range 32 {
		blk, err := allocBlock(b, 32)
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	assert.Equal(t, 1024, b.Held())

	_, err := allocBlock(b, 32)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
	assert.Equal(t, 1024, b.Held(), "a refused allocation holds nothing")

	b.FreeBlock(blocks[7])
	assert.Equal(t, 992, b.Held())
	_, err = allocBlock(b, 32)
	require.NoError(t, err)

	_, err = allocBlock(b, 0)
	require.ErrorIs(t, err, types.ErrProtocolViolation)
}

func TestDestroyReturnsQueuedBytes(t *testing.T) {
	_, b := newInstance(t, 1)

	kept, err := allocBlock(b, 64)
	require.NoError(t, err)
	for range 3 {
		blk, err := allocBlock(b, 32)
		require.NoError(t, err)
		require.NoError(t, b.Store(blk))
	}
	assert.Equal(t, 160, b.Held())

	b.Destroy()
	assert.Zero(t, b.Len())
	assert.Equal(t, 64, b.Held(), "blocks outside the queue stay with their holder")

	b.FreeBlock(kept)
	assert.Zero(t, b.Held())

	// freeing twice is refused and leaves the count alone
	b.FreeBlock(kept)
	assert.Zero(t, b.Held())
}

func TestZeroMaxKBIsUnbounded(t *testing.T) {
	bi, b := newInstance(t, 0)
	assert.False(t, b.Bounded())

	for range 64 {
		_, err := allocBlock(b, 32)
		require.NoError(t, err)
	}
	assert.Equal(t, 2048, b.Held())

	require.NoError(t, bi.Attrs().Set(AttrMaxKB, 1))
	assert.True(t, b.Bounded())
	_, err := allocBlock(b, 32)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
}

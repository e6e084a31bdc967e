package core

import (
	"testing"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	dir    Direction
	accept bool
	slot   Slot
	pushes int
	pushed int
	pulls  int
}

func (p *fakePeer) Direction() Direction { return p.dir }

func (p *fakePeer) TryPush(b *Block) bool {
	p.pushes++
	if !p.accept {
		return false
	}
	return p.slot.put(b)
}

func (p *fakePeer) Pushed() { p.pushed++ }
func (p *fakePeer) Pull()   { p.pulls++ }

func newBlock(seq uint32) *Block {
	return NewBlock(&Control{Seq: seq, NSamples: 1, SSize: 1}, make([]byte, 1), 0)
}

func TestExchangeIsFIFO(t *testing.T) {
	x := NewExchange(&fakePeer{dir: Input})
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, x.Store(newBlock(i)))
	}
	assert.Equal(t, 3, x.Len())

	for i := uint32(0); i < 3; i++ {
		b := x.Retrieve()
		require.NotNil(t, b)
		assert.Equal(t, i, b.Ctrl.Seq)
		assert.Equal(t, BlockConsumer, b.State())
	}
	assert.Zero(t, x.Len())
}

func TestInputStoreWakesWaiter(t *testing.T) {
	x := NewExchange(&fakePeer{dir: Input})
	wait := x.Wait()

	select {
	case <-wait:
		t.Fatal("signalled before store")
	default:
	}

	require.NoError(t, x.Store(newBlock(0)))
	select {
	case <-wait:
	default:
		t.Fatal("store did not signal")
	}
}

func TestEmptyRetrievePullsOnce(t *testing.T) {
	in := &fakePeer{dir: Input}
	x := NewExchange(in)
	assert.Nil(t, x.Retrieve())
	assert.Equal(t, 1, in.pulls)

	out := &fakePeer{dir: Output}
	y := NewExchange(out)
	assert.Nil(t, y.Retrieve())
	assert.Zero(t, out.pulls)
}

func TestOutputHandOffBypassesQueue(t *testing.T) {
	p := &fakePeer{dir: Output, accept: true}
	x := NewExchange(p)

	first := newBlock(0)
	require.NoError(t, x.Store(first))
	assert.Zero(t, x.Len())
	assert.Equal(t, 1, p.pushed)
	assert.Equal(t, BlockConsumer, first.State())
	assert.Same(t, first, p.slot.Peek())

	// the slot is taken: the next block queues
	second := newBlock(1)
	require.NoError(t, x.Store(second))
	assert.Equal(t, 1, x.Len())
	assert.Equal(t, BlockQueued, second.State())

	// a non-empty queue never hands off
	require.NoError(t, x.Store(newBlock(2)))
	assert.Equal(t, 2, p.pushes)

	assert.False(t, x.Refill(&p.slot))
	p.slot.claim()
	require.True(t, x.Refill(&p.slot))
	assert.Same(t, second, p.slot.Peek())
	assert.Equal(t, 1, x.Len())
}

func TestRejectedHandOffQueues(t *testing.T) {
	p := &fakePeer{dir: Output}
	x := NewExchange(p)
	b := newBlock(0)
	require.NoError(t, x.Store(b))
	assert.Equal(t, 1, p.pushes)
	assert.Zero(t, p.pushed)
	assert.Equal(t, BlockQueued, b.State())
}

func TestStoreRejectsBadBlocks(t *testing.T) {
	x := NewExchange(&fakePeer{dir: Input})
	require.ErrorIs(t, x.Store(&Block{}), types.ErrProtocolViolation)

	b := newBlock(0)
	require.NoError(t, x.Store(b))
	require.ErrorIs(t, x.Store(b), types.ErrProtocolViolation)
	assert.Equal(t, 1, x.Len())
}

func TestDrainFreesOldestFirst(t *testing.T) {
	x := NewExchange(&fakePeer{dir: Input})
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, x.Store(newBlock(i)))
	}
	var freed []uint32
	x.Drain(func(b *Block) {
		require.NoError(t, b.Release())
		freed = append(freed, b.Ctrl.Seq)
	})
	assert.Equal(t, []uint32{0, 1, 2}, freed)
	assert.Zero(t, x.Len())
}

func TestBlockReleaseRules(t *testing.T) {
	b := newBlock(0)
	require.NoError(t, b.Release())
	require.ErrorIs(t, b.Release(), types.ErrProtocolViolation)

	q := newBlock(1)
	require.NoError(t, q.transition(BlockProducer, BlockQueued))
	require.ErrorIs(t, q.Release(), types.ErrProtocolViolation)
}

func TestAttrSetHookAndReadOnly(t *testing.T) {
	s := NewAttrSet(Attr{Name: "gain", Value: 1}, Attr{Name: "serial", Value: 7, ReadOnly: true})
	var seen []string
	s.onChange(func(name string, _ uint32) { seen = append(seen, name) })

	require.NoError(t, s.Set("gain", 4))
	require.ErrorIs(t, s.Set("serial", 8), types.ErrProtocolViolation)
	require.ErrorIs(t, s.Set("missing", 1), types.ErrNotFound)

	assert.Equal(t, []string{"gain"}, seen)
	assert.Equal(t, map[string]uint32{"gain": 4, "serial": 7}, s.Map())
}

func TestModuleUnloadWhileReferenced(t *testing.T) {
	m := NewModule("drv")
	require.True(t, m.Acquire())
	require.ErrorIs(t, m.Unload(), types.ErrBusy)
	m.Release()
	require.NoError(t, m.Unload())
	assert.False(t, m.Acquire())
}

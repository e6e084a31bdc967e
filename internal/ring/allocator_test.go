package ring

import (
	"sync"
	"testing"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyRegion(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, types.ErrAllocationFailed)
}

func TestWrapScenario(t *testing.T) {
	a, err := New(1024)
	require.NoError(t, err)

	off, err := a.Allocate(600)
	require.NoError(t, err)
	assert.Equal(t, 0, off)

	before := a.State()
	_, err = a.Allocate(600)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
	assert.Equal(t, before, a.State(), "failed allocation must not mutate state")

	a.Free(0, 600)
	assert.Equal(t, 600, a.State().Tail)

	off, err = a.Allocate(600)
	require.NoError(t, err)
	assert.Equal(t, 0, off)
	assert.Equal(t, 600, a.State().Head)
}

func TestRoundTripOrderedFrees(t *testing.T) {
	sizes := [][]int{
		{100, 200, 300, 400},
		{1000},
		{512, 512},
		{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		{700, 300, 24},
	}

	a, err := New(1024)
	require.NoError(t, err)

	type alloc struct{ off, n int }
	for round := 0; round < 3; round++ {
		for _, seq := range sizes {
			var live []alloc
			for _, n := range seq {
				off, err := a.Allocate(n)
				require.NoError(t, err, "round %d seq %v len %d", round, seq, n)
				live = append(live, alloc{off, n})
			}
			for _, l := range live {
				a.Free(l.off, l.n)
			}
			st := a.State()
			assert.Zero(t, st.Live)
			assert.False(t, st.Wrapped)

			// an empty ring accepts a full-size block
			off, err := a.Allocate(1024)
			require.NoError(t, err)
			assert.Equal(t, 0, off)
			a.Free(off, 1024)
		}
	}
}

func TestStreamingWrapsAroundRegion(t *testing.T) {
	a, err := New(1000)
	require.NoError(t, err)

	type alloc struct{ off, n int }
	var queue []alloc
	wraps := 0
	for i := 0; i < 200; i++ {
		n := 90 + (i%5)*10
		off, err := a.Allocate(n)
		if err != nil {
			require.ErrorIs(t, err, types.ErrOutOfSpace)
			// consumer catches up, oldest first
			require.NotEmpty(t, queue)
			a.Free(queue[0].off, queue[0].n)
			queue = queue[1:]
			i--
			continue
		}
		if off == 0 && i > 0 {
			wraps++
		}
		for _, q := range queue {
			overlap := off < q.off+q.n && q.off < off+n
			require.False(t, overlap, "allocation [%d,%d) overlaps live [%d,%d)", off, off+n, q.off, q.off+q.n)
		}
		queue = append(queue, alloc{off, n})
		if len(queue) > 4 {
			a.Free(queue[0].off, queue[0].n)
			queue = queue[1:]
		}
	}
	assert.Greater(t, wraps, 0)
}

func TestWrappedRegionDoesNotWrapTwice(t *testing.T) {
	a, err := New(1000)
	require.NoError(t, err)

	_, err = a.Allocate(400) // [0,400)
	require.NoError(t, err)
	_, err = a.Allocate(400) // [400,800)
	require.NoError(t, err)
	a.Free(0, 400)

	off, err := a.Allocate(300) // wraps to [0,300)
	require.NoError(t, err)
	assert.Equal(t, 0, off)
	assert.True(t, a.State().Wrapped)

	// [300,400) is the only free span left
	_, err = a.Allocate(150)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
	off, err = a.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, 300, off)

	// head == tail while wrapped means full
	_, err = a.Allocate(1)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
}

func TestRejectsInvalidLengths(t *testing.T) {
	a, err := New(64)
	require.NoError(t, err)

	_, err = a.Allocate(0)
	require.ErrorIs(t, err, types.ErrProtocolViolation)
	_, err = a.Allocate(65)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
}

// Out-of-order frees are outside the allocator contract: the boundaries are
// corrupted silently and a later allocation overlaps live data.
func TestOutOfOrderFreeIsOutOfContract(t *testing.T) {
	a, err := New(1000)
	require.NoError(t, err)

	first, err := a.Allocate(400)
	require.NoError(t, err)
	second, err := a.Allocate(400)
	require.NoError(t, err)

	a.Free(second, 400) // first is still live

	off, err := a.Allocate(300)
	require.NoError(t, err)
	assert.Equal(t, first, off, "allocator does not detect the overlap")
}

func TestConcurrentProducersSerialize(t *testing.T) {
	a, err := New(1 << 16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				off, err := a.Allocate(64)
				if err != nil {
					return
				}
				mu.Lock()
				seen[off] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8*32)
	assert.Equal(t, 8*32*64, a.State().Head)
}

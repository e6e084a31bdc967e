// Package ringbuf is a transport that carves every block out of one
// contiguous region, so consumers can map the whole acquisition memory.
package ringbuf

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/ring"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

const (
	Name = "ringbuf"

	// AttrSizeKB is the region size of each instance.
	AttrSizeKB = "size-kb"
)

func Type(owner core.ModuleRef, sizeKB uint32) *core.TransportType {
	return &core.TransportType{
		Name:   Name,
		Owner:  owner,
		Driver: driver{},
		Attrs:  core.NewAttrSet(core.Attr{Name: AttrSizeKB, Value: sizeKB}),
	}
}

type driver struct{}

func (driver) Create(bi *core.BufferInstance) (core.TransportBackend, error) {
	size := int(bi.Attrs().GetOr(AttrSizeKB, 0)) * 1024
	alloc, err := ring.New(size)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Exchange: core.NewExchange(bi),
		bi:       bi,
		alloc:    alloc,
		region:   make([]byte, size),
	}, nil
}

type span struct {
	off, n int
	freed  bool
}

// Backend is a ring transport instance.
type Backend struct {
	*core.Exchange
	bi     *core.BufferInstance
	alloc  *ring.Allocator
	region []byte

	// spans lists live allocations oldest first. The allocator only sees
	// frees from the front so its order contract holds.
	mu    sync.Mutex
	spans []span
}

func (b *Backend) AllocBlock(ctrl *core.Control, size int) (*core.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, err := b.alloc.Allocate(size)
	if err != nil {
		return nil, err
	}
	b.spans = append(b.spans, span{off: off, n: size})
	return core.NewBlock(ctrl.Clone(), b.region[off:off+size:off+size], off), nil
}

func (b *Backend) FreeBlock(blk *core.Block) {
	if err := blk.Release(); err != nil {
		b.bi.Logger().Warn("Block not freed", zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.spans {
		if !b.spans[i].freed && b.spans[i].off == blk.Offset {
			b.spans[i].freed = true
			break
		}
	}
	n := 0
	for n < len(b.spans) && b.spans[n].freed {
		b.alloc.Free(b.spans[n].off, b.spans[n].n)
		n++
	}
	b.spans = b.spans[n:]
}

// MapRegion returns a window of the region. Out of range windows fault.
func (b *Backend) MapRegion(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(b.region) {
		return nil, fmt.Errorf("map [%d,+%d) of %d bytes: %w", offset, n, len(b.region), types.ErrFault)
	}
	return b.region[offset : offset+n : offset+n], nil
}

// Bounded is always true: the region never grows.
func (b *Backend) Bounded() bool { return true }

// State exposes the allocator boundaries.
func (b *Backend) State() ring.State {
	return b.alloc.State()
}

func (b *Backend) Destroy() {
	b.Drain(b.FreeBlock)
	b.mu.Lock()
	b.spans = nil
	b.mu.Unlock()
	b.alloc.Reset()
}

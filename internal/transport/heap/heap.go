// Package heap is the default transport: every block gets its own buffer.
package heap

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

const (
	Name = "heap"

	// AttrMaxKB bounds the bytes an instance holds. Zero means unbounded.
	AttrMaxKB = "max-kb"
)

// Type returns the heap transport type.
func Type(owner core.ModuleRef, maxKB uint32) *core.TransportType {
	return &core.TransportType{
		Name:   Name,
		Owner:  owner,
		Driver: driver{},
		Attrs:  core.NewAttrSet(core.Attr{Name: AttrMaxKB, Value: maxKB}),
	}
}

type driver struct{}

func (driver) Create(bi *core.BufferInstance) (core.TransportBackend, error) {
	return &backend{Exchange: core.NewExchange(bi), bi: bi}, nil
}

type backend struct {
	*core.Exchange
	bi *core.BufferInstance

	mu   sync.Mutex
	held int
}

func (b *backend) AllocBlock(ctrl *core.Control, size int) (*core.Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, types.ErrProtocolViolation)
	}
	limit := int(b.bi.Attrs().GetOr(AttrMaxKB, 0)) * 1024

	b.mu.Lock()
	if limit > 0 && b.held+size > limit {
		held := b.held
		b.mu.Unlock()
		return nil, fmt.Errorf("hold %d+%d of %d bytes: %w", held, size, limit, types.ErrOutOfSpace)
	}
	b.held += size
	b.mu.Unlock()

	return core.NewBlock(ctrl.Clone(), make([]byte, size), 0), nil
}

func (b *backend) FreeBlock(blk *core.Block) {
	if err := blk.Release(); err != nil {
		b.bi.Logger().Warn("Block not freed", zap.Error(err))
		return
	}
	b.mu.Lock()
	b.held -= len(blk.Data)
	b.mu.Unlock()
}

// Bounded reports whether max-kb caps the instance.
func (b *backend) Bounded() bool {
	return b.bi.Attrs().GetOr(AttrMaxKB, 0) > 0
}

// Held reports the bytes currently allocated.
func (b *backend) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

func (b *backend) Destroy() {
	b.Drain(b.FreeBlock)
}

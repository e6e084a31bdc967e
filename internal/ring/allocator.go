// Package ring implements the circular offset allocator used by region-backed
// transports.
//
// Blocks are carved from a fixed-size region in allocation order. The
// allocator only tracks the two boundaries of the live span, so callers must
// free blocks in the order they were allocated.
package ring

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// State is a snapshot of the allocator boundaries.
type State struct {
	Size    int  `json:"size"`
	Head    int  `json:"head"`
	Tail    int  `json:"tail"`
	Wrapped bool `json:"wrapped"`
	Live    int  `json:"live"`
}

type Allocator struct {
	mu      sync.Mutex
	size    int
	head    int // next write offset
	tail    int // oldest unreclaimed offset
	wrapped bool
	live    int
}

func New(size int) (*Allocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ring size %d: %w", size, types.ErrAllocationFailed)
	}
	return &Allocator{size: size}, nil
}

// Allocate reserves n contiguous bytes and returns their offset.
func (a *Allocator) Allocate(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("allocate %d bytes: %w", n, types.ErrProtocolViolation)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.size {
		return 0, fmt.Errorf("allocate %d of %d bytes: %w", n, a.size, types.ErrOutOfSpace)
	}

	if a.live == 0 {
		a.head, a.tail, a.wrapped = 0, 0, false
	}

	next := a.head + n
	if next > a.size {
		// wrap: the new segment starts at 0 and must end before the tail
		if a.wrapped || a.tail < n {
			return 0, fmt.Errorf("wrap %d bytes (tail %d): %w", n, a.tail, types.ErrOutOfSpace)
		}
		a.head = n
		a.wrapped = true
		a.live++
		return 0, nil
	}

	if (a.wrapped || a.head < a.tail) && next > a.tail {
		return 0, fmt.Errorf("allocate %d bytes at %d (tail %d): %w", n, a.head, a.tail, types.ErrOutOfSpace)
	}

	offset := a.head
	a.head = next
	a.live++
	return offset, nil
}

// Free reclaims n bytes at offset. Frees must follow allocation order.
func (a *Allocator) Free(offset, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if offset == 0 {
		a.tail = n
		a.wrapped = false
	} else {
		a.tail += n
	}
	if a.live > 0 {
		a.live--
	}
}

func (a *Allocator) Reset() {
	a.mu.Lock()
	a.head, a.tail, a.wrapped, a.live = 0, 0, false, 0
	a.mu.Unlock()
}

func (a *Allocator) Size() int {
	return a.size
}

func (a *Allocator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Size: a.size, Head: a.head, Tail: a.tail, Wrapped: a.wrapped, Live: a.live}
}

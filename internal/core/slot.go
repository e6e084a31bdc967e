package core

import "sync/atomic"

// Slot holds the next output block handed to a channel. Puts and refills
// happen under the owning exchange lock; the timing side claims lock-free.
type Slot struct {
	p atomic.Pointer[Block]
}

func (s *Slot) Peek() *Block {
	return s.p.Load()
}

func (s *Slot) put(b *Block) bool {
	return s.p.CompareAndSwap(nil, b)
}

func (s *Slot) revert(b *Block) {
	s.p.CompareAndSwap(b, nil)
}

func (s *Slot) claim() *Block {
	return s.p.Swap(nil)
}

// Refill moves the oldest ready block into an empty slot.
func (x *Exchange) Refill(s *Slot) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s.Peek() != nil || len(x.ready) == 0 {
		return false
	}
	b := x.ready[0]
	x.ready[0] = nil
	x.ready = x.ready[1:]
	b.state.Store(int32(BlockConsumer))
	s.p.Store(b)
	x.notifyLocked()
	return true
}

package core

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// Peer is the timing side of an exchange. TryPush runs under the exchange
// lock and may only touch atomics; Pushed and Pull run after it is released.
type Peer interface {
	Direction() Direction
	TryPush(b *Block) bool
	Pushed()
	Pull()
}

// Exchange is the FIFO of ready blocks of one transport instance.
type Exchange struct {
	mu     sync.Mutex
	ready  []*Block
	peer   Peer
	signal chan struct{}
}

func NewExchange(peer Peer) *Exchange {
	return &Exchange{peer: peer}
}

// Store queues b. An output block that finds the queue empty is handed
// straight to the timing side when it accepts it.
func (x *Exchange) Store(b *Block) error {
	if b == nil || b.Ctrl == nil {
		return fmt.Errorf("store without control: %w", types.ErrProtocolViolation)
	}

	x.mu.Lock()
	output := x.peer.Direction() == Output
	if len(x.ready) == 0 && output {
		if err := b.transition(BlockProducer, BlockConsumer); err != nil {
			x.mu.Unlock()
			return err
		}
		if x.peer.TryPush(b) {
			x.mu.Unlock()
			x.peer.Pushed()
			return nil
		}
		b.state.Store(int32(BlockProducer))
	}

	if err := b.transition(BlockProducer, BlockQueued); err != nil {
		x.mu.Unlock()
		return err
	}
	x.ready = append(x.ready, b)
	if !output {
		x.notifyLocked()
	}
	x.mu.Unlock()
	return nil
}

// Retrieve pops the oldest ready block. On an empty input queue it asks the
// timing side for more data and returns nil.
func (x *Exchange) Retrieve() *Block {
	x.mu.Lock()
	if len(x.ready) == 0 {
		input := x.peer.Direction() == Input
		x.mu.Unlock()
		if input {
			x.peer.Pull()
		}
		return nil
	}

	b := x.ready[0]
	x.ready[0] = nil
	x.ready = x.ready[1:]
	b.state.Store(int32(BlockConsumer))
	x.notifyLocked()
	x.mu.Unlock()
	return b
}

func (x *Exchange) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ready)
}

// Wait returns a channel closed on the next store (input) or retrieve.
func (x *Exchange) Wait() <-chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.signal == nil {
		x.signal = make(chan struct{})
	}
	return x.signal
}

// Drain hands every queued block to free, oldest first.
func (x *Exchange) Drain(free func(*Block)) {
	x.mu.Lock()
	blocks := x.ready
	x.ready = nil
	x.notifyLocked()
	x.mu.Unlock()

	for _, b := range blocks {
		b.state.Store(int32(BlockConsumer))
		free(b)
	}
}

func (x *Exchange) notifyLocked() {
	if x.signal != nil {
		close(x.signal)
		x.signal = nil
	}
}

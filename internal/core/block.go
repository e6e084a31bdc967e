package core

import (
	"fmt"
	"sync/atomic"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// BlockState tells who holds a block.
type BlockState int32

const (
	BlockFree BlockState = iota
	BlockProducer
	BlockQueued
	BlockConsumer
)

func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "free"
	case BlockProducer:
		return "producer"
	case BlockQueued:
		return "queued"
	case BlockConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Block is one transferable unit of sample data plus its descriptor.
type Block struct {
	Data   []byte
	Offset int
	Ctrl   *Control

	owner *BufferInstance
	state atomic.Int32
	done  atomic.Bool
}

// NewBlock returns a block held by its producer.
func NewBlock(ctrl *Control, data []byte, offset int) *Block {
	b := &Block{Data: data, Offset: offset, Ctrl: ctrl}
	b.state.Store(int32(BlockProducer))
	return b
}

func (b *Block) State() BlockState {
	return BlockState(b.state.Load())
}

// Done reports whether the hardware completed the block.
func (b *Block) Done() bool {
	return b.done.Load()
}

func (b *Block) MarkDone() {
	b.done.Store(true)
}

func (b *Block) transition(from, to BlockState) error {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("block %s -> %s from state %s: %w", from, to, b.State(), types.ErrProtocolViolation)
	}
	return nil
}

// Release marks the block free. It fails for a queued block or a double free.
func (b *Block) Release() error {
	for {
		cur := b.State()
		if cur == BlockFree || cur == BlockQueued {
			return fmt.Errorf("release block in state %s: %w", cur, types.ErrProtocolViolation)
		}
		if b.state.CompareAndSwap(int32(cur), int32(BlockFree)) {
			return nil
		}
	}
}

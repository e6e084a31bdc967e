package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// Channel is one data lane of a channel set.
type Channel struct {
	index  int
	cset   *ChannelSet
	nbits  uint32
	attrs  *AttrSet
	handle Handle

	bi       atomic.Pointer[BufferInstance]
	cur      atomic.Pointer[Block]
	slot     Slot
	disabled atomic.Bool
	seq      atomic.Uint32

	ctrl Control // guarded by cset.mu
}

func (ch *Channel) Index() int       { return ch.index }
func (ch *Channel) Set() *ChannelSet { return ch.cset }
func (ch *Channel) Attrs() *AttrSet  { return ch.attrs }
func (ch *Channel) Enabled() bool    { return !ch.disabled.Load() }

// ActiveBlock is the block of the running cycle, nil between cycles.
func (ch *Channel) ActiveBlock() *Block {
	return ch.cur.Load()
}

// Transport returns the bound transport instance.
func (ch *Channel) Transport() *BufferInstance {
	return ch.bi.Load()
}

// Control returns a copy of the current descriptor.
func (ch *Channel) Control() Control {
	ch.cset.mu.Lock()
	defer ch.cset.mu.Unlock()
	return *ch.ctrl.Clone()
}

// SetEnabled includes or excludes the channel from acquisition cycles.
func (ch *Channel) SetEnabled(enabled bool) {
	ch.disabled.Store(!enabled)
}

func (ch *Channel) path() string {
	return fmt.Sprintf("%s/%s", ch.cset.path(), chanName(ch.index))
}

// NBits resolves the sample width: channel, set, device, then sample size.
func (ch *Channel) NBits() uint32 {
	switch {
	case ch.nbits != 0:
		return ch.nbits
	case ch.cset.nbits != 0:
		return ch.cset.nbits
	case ch.cset.dev.nbits != 0:
		return ch.cset.dev.nbits
	default:
		return ch.cset.ssize * 8
	}
}

// Open starts a transfer on the channel. The stream holds a use count on
// the transport instance until Close.
func (ch *Channel) Open() (*Stream, error) {
	cs := ch.cset
	cs.mu.Lock()
	defer cs.mu.Unlock()

	bi := ch.bi.Load()
	if bi == nil || !bi.Enabled() {
		return nil, fmt.Errorf("open %s: transport unavailable: %w", ch.path(), types.ErrBusy)
	}
	bi.useCount.Add(1)
	return &Stream{ch: ch, bi: bi}, nil
}

// Sample is a consumer copy of one block.
type Sample struct {
	Ctrl Control `json:"ctrl"`
	Data []byte  `json:"data"`
}

// Stream is an open transfer on one channel.
type Stream struct {
	ch     *Channel
	bi     *BufferInstance
	closed atomic.Bool
}

func (s *Stream) Channel() *Channel { return s.ch }

// Read returns the next input block, waiting until one is stored or ctx ends.
func (s *Stream) Read(ctx context.Context) (*Sample, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("read on closed stream: %w", types.ErrProtocolViolation)
	}
	if s.ch.cset.dir != Input {
		return nil, fmt.Errorf("read from output %s: %w", s.ch.path(), types.ErrProtocolViolation)
	}

	backend := s.bi.backend
	for {
		wait := backend.Wait()
		if b := backend.Retrieve(); b != nil {
			sample := &Sample{Ctrl: *b.Ctrl.Clone(), Data: make([]byte, len(b.Data))}
			copy(sample.Data, b.Data)
			s.bi.free(b)
			return sample, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Write queues one output block built from data.
func (s *Stream) Write(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("write on closed stream: %w", types.ErrProtocolViolation)
	}
	cs := s.ch.cset
	if cs.dir != Output {
		return fmt.Errorf("write to input %s: %w", s.ch.path(), types.ErrProtocolViolation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 || len(data)%int(cs.ssize) != 0 {
		return fmt.Errorf("write %d bytes with sample size %d: %w", len(data), cs.ssize, types.ErrProtocolViolation)
	}

	cur := s.ch.Control()
	ctrl := cur.Clone()
	ctrl.NSamples = uint32(len(data)) / cs.ssize
	ctrl.Seq = s.ch.seq.Add(1) - 1
	ctrl.Timestamp = time.Now()

	b, err := s.bi.alloc(ctrl)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.ch.path(), err)
	}
	copy(b.Data, data)
	written := b.Ctrl.Clone()

	if err := s.bi.backend.Store(b); err != nil {
		s.bi.free(b)
		return fmt.Errorf("store on %s: %w", s.ch.path(), err)
	}
	cs.dev.reg.emit(Event{Kind: EventBlockWritten, Device: cs.dev.name, CSet: cs.index, Chan: s.ch.index, Ctrl: written})
	return nil
}

// MapRegion exposes the transport memory when the backend supports it.
func (s *Stream) MapRegion(offset, n int) ([]byte, error) {
	m, ok := s.bi.backend.(RegionMapper)
	if !ok {
		return nil, fmt.Errorf("%s transport has no region: %w", s.bi.typ.Name, types.ErrProtocolViolation)
	}
	return m.MapRegion(offset, n)
}

func (s *Stream) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bi.useCount.Add(-1)
	}
}

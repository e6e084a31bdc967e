package core

import (
	"errors"
	"sync"
)

// ErrIOPending is returned by Hardware.RawIO when the transfer completes
// later through ChannelSet.DataDone.
var ErrIOPending = errors.New("io pending")

// Hardware performs the raw transfer of one cycle for a channel set. Input
// drivers fill the active block of every enabled channel; output drivers
// consume it.
type Hardware interface {
	RawIO(cs *ChannelSet) error
}

// IOStopper is implemented by drivers that can cancel a pending transfer.
type IOStopper interface {
	StopIO(cs *ChannelSet)
}

// TransportDriver builds per-channel transport backends.
type TransportDriver interface {
	Create(bi *BufferInstance) (TransportBackend, error)
}

// TransportBackend is the live state of one transport instance. Backends
// normally embed an *Exchange for Store, Retrieve, Len and Wait.
type TransportBackend interface {
	AllocBlock(ctrl *Control, size int) (*Block, error)
	FreeBlock(b *Block)
	Store(b *Block) error
	Retrieve() *Block
	Len() int
	Wait() <-chan struct{}
	Refill(s *Slot) bool
	Destroy()
}

// Bounded is implemented by transports whose allocations fail once their
// memory is used up. A self-timed input set re-arms until that happens, so
// it only runs on a bounded transport.
type Bounded interface {
	Bounded() bool
}

func isBounded(b TransportBackend) bool {
	bb, ok := b.(Bounded)
	return ok && bb.Bounded()
}

// RegionMapper presents the transport memory as one addressable window.
type RegionMapper interface {
	MapRegion(offset, n int) ([]byte, error)
}

// TimingDriver builds per-set timing backends.
type TimingDriver interface {
	Create(ti *TimingInstance) (TimingBackend, error)
}

// TimingBackend is the policy side of a timing instance.
type TimingBackend interface {
	// PushBlock accepts an output block handed to ch. It runs under the
	// transport lock and must not arm or block.
	PushBlock(ch *Channel, b *Block) error
	Abort()
	Destroy()
}

// BlockPuller is implemented by timing backends that produce input on
// consumer demand.
type BlockPuller interface {
	PullBlock(ch *Channel)
}

type typeRefs struct {
	mu        sync.Mutex
	bindings  int
	instances int
}

func (r *typeRefs) bind(delta int) {
	r.mu.Lock()
	r.bindings += delta
	r.mu.Unlock()
}

func (r *typeRefs) instance(delta int) {
	r.mu.Lock()
	r.instances += delta
	r.mu.Unlock()
}

func (r *typeRefs) inUse() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings, r.instances
}

// TransportType is a named transport plugin.
type TransportType struct {
	Name   string
	Owner  ModuleRef
	Driver TransportDriver
	Attrs  *AttrSet

	handle Handle
	refs   typeRefs
}

// TimingType is a named timing plugin. ArmOnPush arms the set as soon as
// every enabled output channel holds a block.
type TimingType struct {
	Name      string
	Owner     ModuleRef
	Driver    TimingDriver
	Attrs     *AttrSet
	ArmOnPush bool

	handle Handle
	refs   typeRefs
}

// InUse returns the number of channel sets bound to t and its live instances.
func (t *TransportType) InUse() (bindings, instances int) {
	return t.refs.inUse()
}

func (t *TimingType) InUse() (bindings, instances int) {
	return t.refs.inUse()
}

// StandardTimingAttrs returns the attributes every timing type declares.
func StandardTimingAttrs(pre, post uint32) []Attr {
	return []Attr{
		{Name: AttrPreSamples, Value: pre},
		{Name: AttrPostSamples, Value: post},
	}
}

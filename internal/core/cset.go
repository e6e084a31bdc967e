package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// ChannelSet groups channels sharing one transport type and one timing
// instance.
type ChannelSet struct {
	index     int
	dev       *Device
	dir       Direction
	selfTimed bool
	ssize     uint32
	nbits     uint32
	defTrans  string
	defTiming string
	attrs     *AttrSet
	handle    Handle
	chans     []*Channel

	mu        sync.Mutex
	transport *TransportType // guarded by mu
	ti        atomic.Pointer[TimingInstance]
	deferred  []func()

	// reconfig serializes administrative operations on the set.
	reconfig sync.Mutex
}

func (cs *ChannelSet) Index() int              { return cs.index }
func (cs *ChannelSet) Device() *Device         { return cs.dev }
func (cs *ChannelSet) Direction() Direction    { return cs.dir }
func (cs *ChannelSet) SelfTimed() bool         { return cs.selfTimed }
func (cs *ChannelSet) SampleSize() uint32      { return cs.ssize }
func (cs *ChannelSet) Attrs() *AttrSet         { return cs.attrs }
func (cs *ChannelSet) Channels() []*Channel    { return cs.chans }
func (cs *ChannelSet) Timing() *TimingInstance { return cs.ti.Load() }

func (cs *ChannelSet) Channel(i int) (*Channel, error) {
	if i < 0 || i >= len(cs.chans) {
		return nil, fmt.Errorf("%s has no channel %d: %w", cs.path(), i, types.ErrNotFound)
	}
	return cs.chans[i], nil
}

// TransportType returns the bound transport type.
func (cs *ChannelSet) TransportType() *TransportType {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.transport
}

// Flags combines the set attributes with the timing state.
func (cs *ChannelSet) Flags() Flags {
	var f Flags
	if ti := cs.ti.Load(); ti != nil {
		f = ti.Flags()
	} else {
		f = FlagDisabled
	}
	if cs.dir == Output {
		f |= FlagOutput
	}
	if cs.selfTimed {
		f |= FlagSelfTimed
	}
	return f
}

// Lock takes the set lock for callers of AbortDisable(false).
func (cs *ChannelSet) Lock() {
	cs.mu.Lock()
}

// Unlock releases the set lock and runs work deferred while it was held.
func (cs *ChannelSet) Unlock() {
	work := cs.deferred
	cs.deferred = nil
	cs.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// DataDone completes an asynchronous hardware transfer.
func (cs *ChannelSet) DataDone() {
	if ti := cs.ti.Load(); ti != nil {
		ti.DataDone()
	}
}

// Arm requests one cycle from the bound timing instance.
func (cs *ChannelSet) Arm() error {
	ti := cs.ti.Load()
	if ti == nil {
		return fmt.Errorf("arm %s: no timing bound: %w", cs.path(), types.ErrBusy)
	}
	return ti.Arm()
}

// SetTimingAttr changes an attribute of the bound timing instance.
func (cs *ChannelSet) SetTimingAttr(name string, value uint32) error {
	cs.reconfig.Lock()
	defer cs.reconfig.Unlock()
	ti := cs.ti.Load()
	if ti == nil {
		return fmt.Errorf("%s has no timing: %w", cs.path(), types.ErrNotFound)
	}
	return ti.attrs.Set(name, value)
}

// SetTimingEnabled enables or quiesces the bound timing instance.
func (cs *ChannelSet) SetTimingEnabled(enabled bool) {
	cs.reconfig.Lock()
	defer cs.reconfig.Unlock()
	ti := cs.ti.Load()
	if ti == nil {
		return
	}
	if !enabled {
		ti.AbortDisable(true)
		return
	}
	if !ti.Flags().Enabled() {
		ti.enable(cs.earlyArm())
	}
}

// earlyArm tells whether the set arms as soon as its timing is enabled.
func (cs *ChannelSet) earlyArm() bool {
	return cs.dir == Input && cs.selfTimed
}

// boundedLocked tells whether every channel's transport refuses
// allocations once full. Caller holds the set lock.
func (cs *ChannelSet) boundedLocked() bool {
	for _, ch := range cs.chans {
		bi := ch.bi.Load()
		if bi == nil || !isBounded(bi.backend) {
			return false
		}
	}
	return true
}

func (cs *ChannelSet) path() string {
	return fmt.Sprintf("%s/%s", cs.dev.name, csetName(cs.index))
}

func (cs *ChannelSet) enabledChannelsLocked() []*Channel {
	out := make([]*Channel, 0, len(cs.chans))
	for _, ch := range cs.chans {
		if ch.Enabled() && ch.bi.Load() != nil {
			out = append(out, ch)
		}
	}
	return out
}

func (cs *ChannelSet) refreshControls() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.refreshControlsLocked()
}

// refreshControlsLocked rebuilds every channel descriptor from the bound
// timing instance.
func (cs *ChannelSet) refreshControlsLocked() {
	ti := cs.ti.Load()
	for _, ch := range cs.chans {
		ctrl := Control{
			SSize: cs.ssize,
			NBits: ch.NBits(),
			Addr:  Address{Device: cs.dev.name, CSet: cs.index, Chan: ch.index},
		}
		if ti != nil {
			ctrl.NSamples = ti.NSamples()
			ctrl.Timing = ti.typ.Name
			ctrl.Attrs = ti.attrs.Map()
		}
		ch.ctrl = ctrl
	}
}

// disableTransportsLocked disables every transport instance and sums their use
// counts. It returns the prior enabled states for undo.
func (cs *ChannelSet) disableTransportsLocked() (int, []bool) {
	sum := 0
	prior := make([]bool, len(cs.chans))
	for i, ch := range cs.chans {
		bi := ch.bi.Load()
		if bi == nil {
			continue
		}
		prior[i] = bi.Enabled()
		bi.disabled.Store(true)
		sum += bi.UseCount()
	}
	return sum, prior
}

func (cs *ChannelSet) restoreTransportsLocked(prior []bool) {
	for i, ch := range cs.chans {
		if bi := ch.bi.Load(); bi != nil {
			bi.disabled.Store(!prior[i])
		}
	}
}

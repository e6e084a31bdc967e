package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

// TimingInstance is the live timing state of one channel set. Flags are
// written under the set lock and read lock-free.
type TimingInstance struct {
	typ     *TimingType
	cs      *ChannelSet
	backend TimingBackend
	attrs   *AttrSet
	handle  Handle
	logger  *zap.Logger

	flags    atomic.Uint32
	nsamples atomic.Uint32
	looping  atomic.Bool
	io       sync.WaitGroup
}

func (ti *TimingInstance) Type() *TimingType      { return ti.typ }
func (ti *TimingInstance) Set() *ChannelSet       { return ti.cs }
func (ti *TimingInstance) Attrs() *AttrSet        { return ti.attrs }
func (ti *TimingInstance) Backend() TimingBackend { return ti.backend }
func (ti *TimingInstance) Logger() *zap.Logger    { return ti.logger }
func (ti *TimingInstance) Flags() Flags           { return Flags(ti.flags.Load()) }
func (ti *TimingInstance) NSamples() uint32       { return ti.nsamples.Load() }
func (ti *TimingInstance) Name() string {
	if ti.handle == nil {
		return ""
	}
	return ti.handle.Name()
}

func (ti *TimingInstance) setFlags(f Flags) {
	ti.flags.Store(uint32(f))
}

func (ti *TimingInstance) updateNSamples() {
	pre := ti.attrs.GetOr(AttrPreSamples, 0)
	post := ti.attrs.GetOr(AttrPostSamples, 0)
	ti.nsamples.Store(pre + post)
}

// Arm requests one acquisition cycle. Cycles run in the calling goroutine
// unless another goroutine is already driving the set.
func (ti *TimingInstance) Arm() error {
	cs := ti.cs
	cs.mu.Lock()
	f := ti.Flags()
	if !f.Enabled() {
		cs.mu.Unlock()
		return fmt.Errorf("arm %s: timing disabled: %w", cs.path(), types.ErrBusy)
	}
	ti.setFlags(f | FlagArmed)
	cs.mu.Unlock()

	ti.run()
	return nil
}

func (ti *TimingInstance) runnable() bool {
	f := ti.Flags()
	return f.Armed() && f.Enabled() && !f.Busy()
}

func (ti *TimingInstance) run() {
	for {
		if !ti.looping.CompareAndSwap(false, true) {
			return
		}
		for ti.cycle() {
		}
		ti.looping.Store(false)
		if !ti.runnable() {
			return
		}
	}
}

// cycle runs one armed cycle. It reports whether the cycle completed
// synchronously, so the caller loops for a re-arm.
func (ti *TimingInstance) cycle() bool {
	cs := ti.cs
	cs.mu.Lock()
	f := ti.Flags()
	if !f.Armed() || f.Busy() || !f.Enabled() {
		cs.mu.Unlock()
		return false
	}
	ti.setFlags((f &^ FlagArmed) | FlagBusy)
	ti.io.Add(1)
	chans := cs.enabledChannelsLocked()
	ctrls := make([]*Control, len(chans))
	for i, ch := range chans {
		ctrls[i] = ch.ctrl.Clone()
	}
	cs.mu.Unlock()

	var ready bool
	if cs.dir == Input {
		ready = ti.prepareInput(chans, ctrls)
	} else {
		ready = ti.prepareOutput(chans)
	}
	if !ready {
		return false
	}

	err := cs.dev.hw.RawIO(cs)
	ti.io.Done()
	switch {
	case errors.Is(err, ErrIOPending):
		return false
	case err != nil:
		ti.fail(err)
		return false
	}
	ti.complete()
	return true
}

// endCycle drops the busy state of a cycle that never reached the hardware.
func (ti *TimingInstance) endCycle() {
	ti.cs.mu.Lock()
	ti.setFlags(ti.Flags() &^ FlagBusy)
	ti.cs.mu.Unlock()
	ti.io.Done()
}

func (ti *TimingInstance) prepareInput(chans []*Channel, ctrls []*Control) bool {
	cs := ti.cs
	if len(chans) == 0 {
		ti.endCycle()
		return false
	}

	type alloc struct {
		bi *BufferInstance
		b  *Block
	}
	blocks := make([]alloc, 0, len(chans))
	release := func() {
		for _, a := range blocks {
			a.bi.free(a.b)
		}
	}

	for i, ch := range chans {
		bi := ch.bi.Load()
		ctrl := ctrls[i]
		var (
			b   *Block
			err error
		)
		if ctrl.Len() == 0 {
			err = fmt.Errorf("zero-length block: %w", types.ErrProtocolViolation)
		} else {
			b, err = bi.alloc(ctrl)
		}
		if err != nil {
			release()
			ti.endCycle()
			ti.logger.Debug("Block dropped", zap.String("channel", ch.path()), zap.Error(err))
			cs.dev.reg.emit(Event{Kind: EventBlockDropped, Device: cs.dev.name, CSet: cs.index, Chan: ch.index, Err: err.Error()})
			return false
		}
		b.Ctrl.MemOffset = b.Offset
		blocks = append(blocks, alloc{bi: bi, b: b})
	}

	cs.mu.Lock()
	if !ti.Flags().Busy() {
		cs.mu.Unlock()
		release()
		ti.io.Done()
		return false
	}
	for i, ch := range chans {
		ch.cur.Store(blocks[i].b)
	}
	cs.mu.Unlock()
	return true
}

func (ti *TimingInstance) prepareOutput(chans []*Channel) bool {
	cs := ti.cs
	for _, ch := range chans {
		if bi := ch.bi.Load(); bi != nil {
			bi.backend.Refill(&ch.slot)
		}
	}

	cs.mu.Lock()
	if !ti.Flags().Busy() {
		cs.mu.Unlock()
		ti.io.Done()
		return false
	}
	n := 0
	for _, ch := range chans {
		if b := ch.slot.claim(); b != nil {
			ch.cur.Store(b)
			n++
		}
	}
	cs.mu.Unlock()

	if n == 0 {
		ti.endCycle()
		return false
	}
	return true
}

type inflight struct {
	ch *Channel
	bi *BufferInstance
	b  *Block
}

// detachLocked takes the blocks of the running cycle. Caller holds the set
// lock.
func (ti *TimingInstance) detachLocked() []inflight {
	var out []inflight
	for _, ch := range ti.cs.chans {
		if b := ch.cur.Swap(nil); b != nil {
			out = append(out, inflight{ch: ch, bi: ch.bi.Load(), b: b})
		}
	}
	return out
}

// DataDone completes the running cycle. Drivers that returned ErrIOPending
// call it through ChannelSet.DataDone.
func (ti *TimingInstance) DataDone() {
	ti.complete()
	ti.run()
}

func (ti *TimingInstance) complete() {
	cs := ti.cs
	cs.mu.Lock()
	f := ti.Flags()
	if !f.Busy() {
		cs.mu.Unlock()
		return
	}
	done := ti.detachLocked()
	f &^= FlagBusy
	if cs.earlyArm() && f.Enabled() {
		if cs.boundedLocked() {
			f |= FlagArmed
		} else {
			ti.logger.Warn("Self-timed set stopped, transport became unbounded", zap.String("cset", cs.path()))
		}
	}
	ti.setFlags(f)
	cs.mu.Unlock()

	reg := cs.dev.reg
	now := time.Now()
	for _, d := range done {
		d.b.MarkDone()
		if cs.dir == Output {
			d.bi.free(d.b)
			continue
		}
		d.b.Ctrl.Seq = d.ch.seq.Add(1) - 1
		d.b.Ctrl.Timestamp = now
		acquired := d.b.Ctrl.Clone()
		if err := d.bi.backend.Store(d.b); err != nil {
			d.bi.free(d.b)
			reg.emit(Event{Kind: EventBlockDropped, Device: cs.dev.name, CSet: cs.index, Chan: d.ch.index, Err: err.Error()})
			continue
		}
		reg.emit(Event{Kind: EventBlockAcquired, Device: cs.dev.name, CSet: cs.index, Chan: d.ch.index, Ctrl: acquired})
	}

	if cs.dir == Output {
		ti.refillOutput()
	}
}

func (ti *TimingInstance) fail(err error) {
	cs := ti.cs
	cs.mu.Lock()
	if !ti.Flags().Busy() {
		cs.mu.Unlock()
		return
	}
	lost := ti.detachLocked()
	ti.setFlags(ti.Flags() &^ FlagBusy)
	cs.mu.Unlock()

	ti.logger.Warn("Hardware transfer failed", zap.String("cset", cs.path()), zap.Error(err))
	for _, d := range lost {
		d.bi.free(d.b)
		cs.dev.reg.emit(Event{Kind: EventBlockDropped, Device: cs.dev.name, CSet: cs.index, Chan: d.ch.index, Err: err.Error()})
	}
}

// AbortDisable quiesces the instance and returns the flags it had. With
// takeLock false the caller holds the set lock (ChannelSet.Lock); the abort
// hooks and block release then run on ChannelSet.Unlock. It must not be
// called from inside Hardware.RawIO.
func (ti *TimingInstance) AbortDisable(takeLock bool) Flags {
	cs := ti.cs
	if takeLock {
		cs.mu.Lock()
	}
	prior := ti.Flags()
	ti.setFlags((prior | FlagDisabled) &^ (FlagArmed | FlagBusy))
	var lost []inflight
	if prior.Busy() {
		lost = ti.detachLocked()
	}

	finish := func() {
		ti.backend.Abort()
		if prior.Busy() {
			if s, ok := cs.dev.hw.(IOStopper); ok {
				s.StopIO(cs)
			}
		}
		ti.io.Wait()
		for _, d := range lost {
			d.bi.free(d.b)
		}
	}

	if takeLock {
		cs.mu.Unlock()
		finish()
	} else {
		cs.deferred = append(cs.deferred, finish)
	}
	return prior
}

// enable clears the disabled bit and restarts output delivery or an early
// arm as the set requires.
func (ti *TimingInstance) enable(arm bool) {
	cs := ti.cs
	cs.mu.Lock()
	f := ti.Flags() &^ FlagDisabled
	if arm {
		f |= FlagArmed
	}
	ti.setFlags(f)
	cs.mu.Unlock()

	if cs.dir == Output {
		ti.refillOutput()
	}
	ti.run()
}

func (ti *TimingInstance) tryPush(ch *Channel, b *Block) bool {
	if !ti.Flags().Enabled() || !ch.Enabled() {
		return false
	}
	if !ch.slot.put(b) {
		return false
	}
	if err := ti.backend.PushBlock(ch, b); err != nil {
		ch.slot.revert(b)
		return false
	}
	return true
}

// pushed arms an arm-on-push set once every enabled channel holds a block.
func (ti *TimingInstance) pushed() {
	if !ti.typ.ArmOnPush || !ti.Flags().Enabled() {
		return
	}
	for _, ch := range ti.cs.chans {
		if ch.Enabled() && ch.slot.Peek() == nil {
			return
		}
	}
	_ = ti.Arm()
}

func (ti *TimingInstance) refillOutput() {
	for _, ch := range ti.cs.chans {
		if !ch.Enabled() {
			continue
		}
		if bi := ch.bi.Load(); bi != nil {
			bi.backend.Refill(&ch.slot)
		}
	}
	ti.pushed()
}

func (ti *TimingInstance) pull(ch *Channel) {
	if !ti.Flags().Enabled() {
		return
	}
	if p, ok := ti.backend.(BlockPuller); ok {
		p.PullBlock(ch)
	}
}

func (r *Registry) createTimingInstance(cs *ChannelSet, tt *TimingType, leaf string) (*TimingInstance, error) {
	ti := &TimingInstance{
		typ:    tt,
		cs:     cs,
		attrs:  NewAttrSet(),
		logger: r.logger.With(zap.String("timing", tt.Name), zap.String("cset", cs.path())),
	}
	ti.setFlags(FlagDisabled)

	if err := r.env.Attributes.CopyAttributes(ti.attrs, tt.Attrs); err != nil {
		return nil, fmt.Errorf("copy %s attributes: %w", tt.Name, err)
	}
	ti.updateNSamples()

	backend, err := tt.Driver.Create(ti)
	if err != nil {
		return nil, fmt.Errorf("create %s timing for %s: %w", tt.Name, cs.path(), err)
	}
	if backend == nil {
		return nil, fmt.Errorf("create %s timing: %w", tt.Name, types.ErrAllocationFailed)
	}
	ti.backend = backend

	if err := r.attachTiming(ti, leaf); err != nil {
		backend.Destroy()
		return nil, err
	}

	ti.attrs.onChange(func(name string, _ uint32) {
		if name == AttrPreSamples || name == AttrPostSamples {
			ti.updateNSamples()
			cs.refreshControls()
		}
	})

	tt.refs.instance(1)
	return ti, nil
}

func (r *Registry) attachTiming(ti *TimingInstance, leaf string) error {
	h, err := r.env.Directory.Register(ti.cs.handle, leaf, ti)
	if err != nil {
		return fmt.Errorf("register %s/%s: %w", ti.cs.handle.Path(), leaf, err)
	}
	if err := r.env.Attributes.CreateView(h, ti.attrs); err != nil {
		r.env.Directory.Unregister(h)
		return fmt.Errorf("attributes of %s: %w", h.Path(), err)
	}
	ti.handle = h
	return nil
}

func (r *Registry) detachTiming(ti *TimingInstance) {
	if ti.handle == nil {
		return
	}
	r.env.Attributes.RemoveView(ti.handle)
	r.env.Directory.Unregister(ti.handle)
	ti.handle = nil
}

func (r *Registry) destroyTimingInstance(ti *TimingInstance) {
	r.detachTiming(ti)
	ti.backend.Destroy()
	ti.typ.refs.instance(-1)
}

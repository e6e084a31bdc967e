package core

import (
	"fmt"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

// ChangeTiming replaces the timing instance of the set with one of type
// name. On failure the old instance stays bound.
func (cs *ChannelSet) ChangeTiming(name string) error {
	cs.reconfig.Lock()
	defer cs.reconfig.Unlock()

	r := cs.dev.reg
	owner := cs.dev.owner
	old := cs.ti.Load()
	if old == nil {
		return fmt.Errorf("%s has no timing: %w", cs.path(), types.ErrNotFound)
	}
	if old.typ.Name == name {
		return nil
	}

	tt, err := r.getTiming(name, owner)
	if err != nil {
		return err
	}
	fresh, err := r.createTimingInstance(cs, tt, TimingTmpLeaf)
	if err != nil {
		r.putTiming(tt, owner)
		return err
	}

	prior := old.AbortDisable(true)
	r.detachTiming(old)

	cs.mu.Lock()
	cs.ti.Store(fresh)
	if err := r.env.Directory.Rename(fresh.handle, TimingLeaf); err != nil {
		cs.ti.Store(old)
		cs.mu.Unlock()

		r.destroyTimingInstance(fresh)
		r.putTiming(tt, owner)
		if aerr := r.attachTiming(old, TimingLeaf); aerr != nil {
			r.rollbackFailed(cs, TargetTiming, aerr)
		}
		if prior.Enabled() {
			old.enable(prior.Armed() || cs.earlyArm())
		}
		r.logger.Warn("Timing swap rolled back", zap.String("cset", cs.path()), zap.String("to", name), zap.Error(err))
		r.emit(Event{Kind: EventReconfigFailed, Device: cs.dev.name, CSet: cs.index, Target: TargetTiming, From: old.typ.Name, To: name, Err: err.Error()})
		return fmt.Errorf("install timing %s on %s: %w", name, cs.path(), err)
	}
	cs.refreshControlsLocked()
	cs.mu.Unlock()

	if prior.Enabled() {
		fresh.enable(cs.selfTimed)
	}
	r.destroyTimingInstance(old)
	r.putTiming(old.typ, owner)

	r.logger.Info("Timing changed", zap.String("cset", cs.path()), zap.String("from", old.typ.Name), zap.String("to", name))
	r.emit(Event{Kind: EventTimingChanged, Device: cs.dev.name, CSet: cs.index, Target: TargetTiming, From: old.typ.Name, To: name})
	return nil
}

// ChangeTransport rebinds every channel of the set to a transport of type
// name. The swap is all or nothing and refuses while a stream is open.
func (cs *ChannelSet) ChangeTransport(name string) error {
	cs.reconfig.Lock()
	defer cs.reconfig.Unlock()

	r := cs.dev.reg
	owner := cs.dev.owner

	cs.mu.Lock()
	cur := cs.transport
	cs.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("%s has no transport: %w", cs.path(), types.ErrNotFound)
	}
	if cur.Name == name {
		return nil
	}

	tt, err := r.getTransport(name, owner)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	inUse, enabled := cs.disableTransportsLocked()
	if inUse > 0 {
		cs.restoreTransportsLocked(enabled)
		cs.mu.Unlock()
		r.putTransport(tt, owner)
		return fmt.Errorf("%s has %d open streams: %w", cs.path(), inUse, types.ErrBusy)
	}
	cs.mu.Unlock()

	fresh := make([]*BufferInstance, len(cs.chans))
	for i, ch := range cs.chans {
		bi, err := r.createBufferInstance(ch, tt, TransportTmpLeaf)
		if err != nil {
			for _, b := range fresh[:i] {
				r.destroyBufferInstance(b)
			}
			cs.mu.Lock()
			cs.restoreTransportsLocked(enabled)
			cs.mu.Unlock()
			r.putTransport(tt, owner)
			return err
		}
		fresh[i] = bi
	}

	ti := cs.ti.Load()
	prior := FlagDisabled
	if ti != nil {
		prior = ti.AbortDisable(true)
	}

	olds := make([]*BufferInstance, len(cs.chans))
	for i, ch := range cs.chans {
		olds[i] = ch.bi.Load()
		r.detach(olds[i])
		cs.mu.Lock()
		ch.bi.Store(fresh[i])
		cs.mu.Unlock()

		if err := r.env.Directory.Rename(fresh[i].handle, TransportLeaf); err != nil {
			cs.rollbackTransport(i, olds, fresh, enabled)
			r.putTransport(tt, owner)
			cs.restoreTiming(ti, prior)

			r.logger.Warn("Transport swap rolled back", zap.String("cset", cs.path()), zap.String("to", name), zap.Int("channel", i), zap.Error(err))
			r.emit(Event{Kind: EventReconfigFailed, Device: cs.dev.name, CSet: cs.index, Chan: i, Target: TargetTransport, From: cur.Name, To: name, Err: err.Error()})
			return fmt.Errorf("install transport %s on %s: %w", name, cs.chans[i].path(), err)
		}
	}

	cs.mu.Lock()
	cs.transport = tt
	for _, bi := range fresh {
		bi.disabled.Store(false)
	}
	cs.mu.Unlock()

	for _, bi := range olds {
		if bi != nil {
			r.destroyBufferInstance(bi)
		}
	}
	r.putTransport(cur, owner)
	cs.restoreTiming(ti, prior)

	r.logger.Info("Transport changed", zap.String("cset", cs.path()), zap.String("from", cur.Name), zap.String("to", name))
	r.emit(Event{Kind: EventTransportChanged, Device: cs.dev.name, CSet: cs.index, Target: TargetTransport, From: cur.Name, To: name})
	return nil
}

// rollbackTransport reinstalls the old instances of channels 0..k and
// destroys every new one.
func (cs *ChannelSet) rollbackTransport(k int, olds, fresh []*BufferInstance, enabled []bool) {
	r := cs.dev.reg
	for j := len(fresh) - 1; j > k; j-- {
		r.destroyBufferInstance(fresh[j])
	}
	for j := k; j >= 0; j-- {
		ch := cs.chans[j]
		cs.mu.Lock()
		ch.bi.Store(olds[j])
		cs.mu.Unlock()

		r.destroyBufferInstance(fresh[j])
		if olds[j] == nil {
			continue
		}
		if err := r.attach(olds[j], ch.handle, TransportLeaf); err != nil {
			r.rollbackFailed(cs, TargetTransport, err)
		}
	}
	cs.mu.Lock()
	cs.restoreTransportsLocked(enabled)
	cs.mu.Unlock()
}

// restoreTiming re-enables a quiesced timing instance as it was before.
func (cs *ChannelSet) restoreTiming(ti *TimingInstance, prior Flags) {
	if ti == nil || !prior.Enabled() {
		return
	}
	ti.enable(prior.Armed() || cs.earlyArm())
}

func (r *Registry) rollbackFailed(cs *ChannelSet, target string, err error) {
	r.logger.Error("Rollback could not restore directory entry", zap.String("cset", cs.path()), zap.String("target", target), zap.Error(err))
	r.emit(Event{Kind: EventReconfigFailed, Device: cs.dev.name, CSet: cs.index, Target: target, Err: err.Error()})
}

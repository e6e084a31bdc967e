package core

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

// ChanTemplate describes one channel of a set.
type ChanTemplate struct {
	NBits    uint32
	Disabled bool
	Attrs    []Attr
}

// CSetTemplate describes one channel set.
type CSetTemplate struct {
	Direction        Direction
	SelfTimed        bool
	SampleSize       uint32
	NBits            uint32
	DefaultTransport string
	DefaultTiming    string
	Attrs            []Attr
	Channels         []ChanTemplate
}

// DeviceTemplate is what a driver registers.
type DeviceTemplate struct {
	Name               string
	Owner              ModuleRef
	PreferredTransport string
	PreferredTiming    string
	NBits              uint32
	Attrs              []Attr
	CSets              []CSetTemplate
}

func (t *DeviceTemplate) validate() error {
	if err := ValidateName(t.Name); err != nil {
		return err
	}
	if len(t.CSets) == 0 {
		return fmt.Errorf("device %q has no channel sets: %w", t.Name, types.ErrProtocolViolation)
	}
	for i, cs := range t.CSets {
		if cs.SampleSize == 0 {
			return fmt.Errorf("device %q cset %d: zero sample size: %w", t.Name, i, types.ErrProtocolViolation)
		}
		if len(cs.Channels) == 0 {
			return fmt.Errorf("device %q cset %d has no channels: %w", t.Name, i, types.ErrProtocolViolation)
		}
	}
	return nil
}

// Device is a registered hardware instance.
type Device struct {
	name       string
	reg        *Registry
	hw         Hardware
	owner      ModuleRef
	prefTrans  string
	prefTiming string
	nbits      uint32
	attrs      *AttrSet
	handle     Handle
	csets      []*ChannelSet
}

func (d *Device) Name() string        { return d.name }
func (d *Device) Hardware() Hardware  { return d.hw }
func (d *Device) Attrs() *AttrSet     { return d.attrs }
func (d *Device) Sets() []*ChannelSet { return d.csets }
func (d *Device) Registry() *Registry { return d.reg }

func (d *Device) Set(i int) (*ChannelSet, error) {
	if i < 0 || i >= len(d.csets) {
		return nil, fmt.Errorf("device %s has no cset %d: %w", d.name, i, types.ErrNotFound)
	}
	return d.csets[i], nil
}

// Channel resolves a channel by set and channel index.
func (d *Device) Channel(cset, ch int) (*Channel, error) {
	cs, err := d.Set(cset)
	if err != nil {
		return nil, err
	}
	return cs.Channel(ch)
}

// InUse sums open streams over every channel.
func (d *Device) InUse() int {
	n := 0
	for _, cs := range d.csets {
		for _, ch := range cs.chans {
			if bi := ch.bi.Load(); bi != nil {
				n += bi.UseCount()
			}
		}
	}
	return n
}

// uniqueName picks name, or name-1, name-2... when it is taken.
func (r *Registry) uniqueNameLocked(base string) (string, error) {
	taken := func(n string) bool {
		_, ok := r.devices[n]
		return ok || r.reserved[n]
	}
	if !taken(base) {
		return base, nil
	}
	for i := 1; ; i++ {
		n := fmt.Sprintf("%s-%d", base, i)
		if err := ValidateName(n); err != nil {
			return "", err
		}
		if !taken(n) {
			return n, nil
		}
	}
}

// RegisterDevice builds the device hierarchy, binds every channel set and
// enables acquisition. Any failure unwinds what was built.
func (r *Registry) RegisterDevice(tmpl DeviceTemplate, hw Hardware) (*Device, error) {
	if hw == nil {
		return nil, fmt.Errorf("device %q without hardware: %w", tmpl.Name, types.ErrProtocolViolation)
	}
	if err := tmpl.validate(); err != nil {
		return nil, err
	}

	var undo []func()
	unwind := func(err error) (*Device, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		r.logger.Warn("Device registration failed", zap.String("device", tmpl.Name), zap.Error(err))
		return nil, err
	}

	if tmpl.Owner != nil {
		if !tmpl.Owner.Acquire() {
			return nil, fmt.Errorf("device %q: module %s unloading: %w", tmpl.Name, tmpl.Owner.Name(), types.ErrBusy)
		}
		undo = append(undo, tmpl.Owner.Release)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return unwind(fmt.Errorf("registry closed: %w", types.ErrBusy))
	}
	name, err := r.uniqueNameLocked(tmpl.Name)
	if err != nil {
		r.mu.Unlock()
		return unwind(err)
	}
	r.reserved[name] = true
	r.mu.Unlock()
	undo = append(undo, func() {
		r.mu.Lock()
		delete(r.reserved, name)
		r.mu.Unlock()
	})

	dev := &Device{
		name:       name,
		reg:        r,
		hw:         hw,
		owner:      tmpl.Owner,
		prefTrans:  tmpl.PreferredTransport,
		prefTiming: tmpl.PreferredTiming,
		nbits:      tmpl.NBits,
		attrs:      NewAttrSet(tmpl.Attrs...),
	}
	dev.handle, err = r.registerNode(r.devRoot, name, dev, dev.attrs)
	if err != nil {
		return unwind(err)
	}
	undo = append(undo, func() { r.unregisterNode(dev.handle) })

	for i, ct := range tmpl.CSets {
		cs, undoSet, err := r.buildSet(dev, i, ct)
		undo = append(undo, undoSet...)
		if err != nil {
			return unwind(err)
		}
		dev.csets = append(dev.csets, cs)
	}

	for _, cs := range dev.csets {
		cs.ti.Load().enable(cs.earlyArm())
	}

	r.mu.Lock()
	delete(r.reserved, name)
	r.devices[name] = dev
	r.mu.Unlock()

	r.logger.Info("Device registered", zap.String("device", name), zap.Int("csets", len(dev.csets)))
	r.emit(Event{Kind: EventDeviceRegistered, Device: name})
	return dev, nil
}

// buildSet creates one channel set with its channels and bindings. The undo
// steps are returned even on failure.
func (r *Registry) buildSet(dev *Device, index int, ct CSetTemplate) (*ChannelSet, []func(), error) {
	var undo []func()
	cs := &ChannelSet{
		index:     index,
		dev:       dev,
		dir:       ct.Direction,
		selfTimed: ct.SelfTimed,
		ssize:     ct.SampleSize,
		nbits:     ct.NBits,
		defTrans:  ct.DefaultTransport,
		defTiming: ct.DefaultTiming,
		attrs:     NewAttrSet(ct.Attrs...),
	}

	h, err := r.registerNode(dev.handle, csetName(index), cs, cs.attrs)
	if err != nil {
		return nil, undo, err
	}
	cs.handle = h
	undo = append(undo, func() { r.unregisterNode(h) })

	for j, tc := range ct.Channels {
		ch := &Channel{index: j, cset: cs, nbits: tc.NBits, attrs: NewAttrSet(tc.Attrs...)}
		ch.disabled.Store(tc.Disabled)
		chH, err := r.registerNode(h, chanName(j), ch, ch.attrs)
		if err != nil {
			return nil, undo, err
		}
		ch.handle = chH
		undo = append(undo, func() { r.unregisterNode(chH) })
		cs.chans = append(cs.chans, ch)
	}

	tt, err := bindFirst(r, "transport",
		[]string{dev.prefTrans, cs.defTrans, r.defTransport},
		func(n string) (*TransportType, error) { return r.getTransport(n, dev.owner) })
	if err != nil {
		return nil, undo, fmt.Errorf("bind transport of %s: %w", cs.path(), err)
	}
	cs.transport = tt
	undo = append(undo, func() { r.putTransport(tt, dev.owner) })

	for _, ch := range cs.chans {
		bi, err := r.createBufferInstance(ch, tt, TransportLeaf)
		if err != nil {
			return nil, undo, err
		}
		ch.bi.Store(bi)
		bi.disabled.Store(false)
		undo = append(undo, func() {
			ch.bi.Store(nil)
			r.destroyBufferInstance(bi)
		})
	}

	tm, err := bindFirst(r, "timing",
		[]string{dev.prefTiming, cs.defTiming, r.defTiming},
		func(n string) (*TimingType, error) { return r.getTiming(n, dev.owner) })
	if err != nil {
		return nil, undo, fmt.Errorf("bind timing of %s: %w", cs.path(), err)
	}
	undo = append(undo, func() { r.putTiming(tm, dev.owner) })

	ti, err := r.createTimingInstance(cs, tm, TimingLeaf)
	if err != nil {
		return nil, undo, err
	}
	cs.ti.Store(ti)
	undo = append(undo, func() {
		ti.AbortDisable(true)
		cs.ti.Store(nil)
		r.destroyTimingInstance(ti)
	})
	cs.refreshControls()
	return cs, undo, nil
}

// bindFirst binds the first available type of names. A missing type falls
// through to the next name with a warning; any other error stops.
func bindFirst[T any](r *Registry, kind string, names []string, get func(string) (T, error)) (T, error) {
	var zero T
	err := fmt.Errorf("no %s type configured: %w", kind, types.ErrNotFound)
	for _, n := range names {
		if n == "" {
			continue
		}
		t, gerr := get(n)
		if gerr == nil {
			return t, nil
		}
		if !errors.Is(gerr, types.ErrNotFound) {
			return zero, gerr
		}
		r.logger.Warn("Type unavailable, falling back", zap.String("kind", kind), zap.String("name", n))
		err = gerr
	}
	return zero, err
}

// UnregisterDevice tears a device down. Without force it refuses while any
// channel has an open stream.
func (r *Registry) UnregisterDevice(name string, force bool) error {
	r.mu.Lock()
	dev, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", name, types.ErrNotFound)
	}
	if n := dev.InUse(); n > 0 && !force {
		r.mu.Unlock()
		return fmt.Errorf("device %q has %d open streams: %w", name, n, types.ErrBusy)
	}
	delete(r.devices, name)
	r.mu.Unlock()

	for i := len(dev.csets) - 1; i >= 0; i-- {
		r.teardownSet(dev.csets[i])
	}
	r.unregisterNode(dev.handle)
	if dev.owner != nil {
		dev.owner.Release()
	}

	r.logger.Info("Device removed", zap.String("device", name))
	r.emit(Event{Kind: EventDeviceRemoved, Device: name})
	return nil
}

func (r *Registry) teardownSet(cs *ChannelSet) {
	cs.reconfig.Lock()
	defer cs.reconfig.Unlock()
	owner := cs.dev.owner

	if ti := cs.ti.Load(); ti != nil {
		ti.AbortDisable(true)
		cs.ti.Store(nil)
		r.destroyTimingInstance(ti)
		r.putTiming(ti.typ, owner)
	}
	for i := len(cs.chans) - 1; i >= 0; i-- {
		ch := cs.chans[i]
		if bi := ch.bi.Swap(nil); bi != nil {
			r.destroyBufferInstance(bi)
		}
		r.unregisterNode(ch.handle)
	}

	cs.mu.Lock()
	tt := cs.transport
	cs.transport = nil
	cs.mu.Unlock()
	r.putTransport(tt, owner)
	r.unregisterNode(cs.handle)
}

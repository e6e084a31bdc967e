package core

import (
	"fmt"
	"sync/atomic"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

// BufferInstance is the live transport state of one channel.
type BufferInstance struct {
	typ     *TransportType
	ch      *Channel
	backend TransportBackend
	attrs   *AttrSet
	handle  Handle
	logger  *zap.Logger

	disabled atomic.Bool
	useCount atomic.Int32
}

func (bi *BufferInstance) Type() *TransportType      { return bi.typ }
func (bi *BufferInstance) Channel() *Channel         { return bi.ch }
func (bi *BufferInstance) Attrs() *AttrSet           { return bi.attrs }
func (bi *BufferInstance) Backend() TransportBackend { return bi.backend }
func (bi *BufferInstance) Logger() *zap.Logger       { return bi.logger }
func (bi *BufferInstance) Direction() Direction      { return bi.ch.cset.dir }
func (bi *BufferInstance) Enabled() bool             { return !bi.disabled.Load() }
func (bi *BufferInstance) UseCount() int             { return int(bi.useCount.Load()) }
func (bi *BufferInstance) Name() string {
	if bi.handle == nil {
		return ""
	}
	return bi.handle.Name()
}

// TryPush offers an output block to the bound timing instance.
func (bi *BufferInstance) TryPush(b *Block) bool {
	ti := bi.ch.cset.ti.Load()
	if ti == nil {
		return false
	}
	return ti.tryPush(bi.ch, b)
}

func (bi *BufferInstance) Pushed() {
	if ti := bi.ch.cset.ti.Load(); ti != nil {
		ti.pushed()
	}
}

func (bi *BufferInstance) Pull() {
	if ti := bi.ch.cset.ti.Load(); ti != nil {
		ti.pull(bi.ch)
	}
}

// alloc tags the block with the instance that must free it.
func (bi *BufferInstance) alloc(ctrl *Control) (*Block, error) {
	b, err := bi.backend.AllocBlock(ctrl, ctrl.Len())
	if err != nil {
		return nil, err
	}
	b.owner = bi
	b.Ctrl.MemOffset = b.Offset
	return b, nil
}

func (bi *BufferInstance) free(b *Block) {
	if b != nil {
		bi.backend.FreeBlock(b)
	}
}

func (r *Registry) createBufferInstance(ch *Channel, tt *TransportType, leaf string) (*BufferInstance, error) {
	bi := &BufferInstance{
		typ:    tt,
		ch:     ch,
		attrs:  NewAttrSet(),
		logger: r.logger.With(zap.String("transport", tt.Name), zap.String("channel", ch.path())),
	}
	bi.disabled.Store(true)

	if err := r.env.Attributes.CopyAttributes(bi.attrs, tt.Attrs); err != nil {
		return nil, fmt.Errorf("copy %s attributes: %w", tt.Name, err)
	}

	backend, err := tt.Driver.Create(bi)
	if err != nil {
		return nil, fmt.Errorf("create %s transport for %s: %w", tt.Name, ch.path(), err)
	}
	if backend == nil {
		return nil, fmt.Errorf("create %s transport: %w", tt.Name, types.ErrAllocationFailed)
	}
	if ch.cset.earlyArm() && !isBounded(backend) {
		backend.Destroy()
		return nil, fmt.Errorf("self-timed %s needs a bounded transport, %s is not: %w", ch.path(), tt.Name, types.ErrProtocolViolation)
	}
	bi.backend = backend

	if err := r.attach(bi, ch.handle, leaf); err != nil {
		backend.Destroy()
		return nil, err
	}

	tt.refs.instance(1)
	return bi, nil
}

func (r *Registry) attach(bi *BufferInstance, parent Handle, leaf string) error {
	h, err := r.env.Directory.Register(parent, leaf, bi)
	if err != nil {
		return fmt.Errorf("register %s/%s: %w", parent.Path(), leaf, err)
	}
	if err := r.env.Attributes.CreateView(h, bi.attrs); err != nil {
		r.env.Directory.Unregister(h)
		return fmt.Errorf("attributes of %s: %w", h.Path(), err)
	}
	bi.handle = h
	return nil
}

func (r *Registry) detach(bi *BufferInstance) {
	if bi == nil || bi.handle == nil {
		return
	}
	r.env.Attributes.RemoveView(bi.handle)
	r.env.Directory.Unregister(bi.handle)
	bi.handle = nil
}

// destroyBufferInstance drains the instance through its free hook.
func (r *Registry) destroyBufferInstance(bi *BufferInstance) {
	bi.disabled.Store(true)
	r.detach(bi)
	if b := bi.ch.slot.Peek(); b != nil && b.owner == bi {
		bi.ch.slot.revert(b)
		bi.free(b)
	}
	bi.backend.Destroy()
	bi.typ.refs.instance(-1)
}

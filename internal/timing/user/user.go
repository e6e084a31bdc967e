// Package user is the default timing: input cycles run when a consumer asks
// for data and output cycles run once every enabled channel holds a block.
package user

import (
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"go.uber.org/zap"
)

const Name = "user"

// DefaultPostSamples is the block length of a fresh instance.
const DefaultPostSamples = 16

func Type(owner core.ModuleRef) *core.TimingType {
	return &core.TimingType{
		Name:      Name,
		Owner:     owner,
		Driver:    driver{},
		Attrs:     core.NewAttrSet(core.StandardTimingAttrs(0, DefaultPostSamples)...),
		ArmOnPush: true,
	}
}

type driver struct{}

func (driver) Create(ti *core.TimingInstance) (core.TimingBackend, error) {
	return &backend{ti: ti}, nil
}

type backend struct {
	ti *core.TimingInstance
}

func (b *backend) PushBlock(*core.Channel, *core.Block) error { return nil }
func (b *backend) Abort()                                     {}
func (b *backend) Destroy()                                   {}

// PullBlock runs one input cycle for the waiting consumer.
func (b *backend) PullBlock(ch *core.Channel) {
	if err := b.ti.Arm(); err != nil {
		b.ti.Logger().Debug("Pull ignored", zap.Int("channel", ch.Index()), zap.Error(err))
	}
}

package devices

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/modbus"
	"github.com/KevinKickass/OpenAcqCore/internal/simulator"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

const (
	DriverSimulator = "simulator"
	DriverModbus    = "modbus"
)

// Factory builds the hardware driver of a descriptor.
type Factory func(desc *types.DeviceDescriptor, logger *zap.Logger) (core.Hardware, error)

// Composer turns descriptors into device templates and drivers.
type Composer struct {
	factories map[string]Factory
	logger    *zap.Logger
}

func NewComposer(modbusTimeout time.Duration, logger *zap.Logger) *Composer {
	return &Composer{
		factories: map[string]Factory{
			DriverSimulator: simulatorFactory,
			DriverModbus:    modbusFactory(modbusTimeout),
		},
		logger: logger,
	}
}

// RegisterFactory adds or replaces the factory for a driver name.
func (c *Composer) RegisterFactory(driver string, f Factory) {
	c.factories[driver] = f
}

func (c *Composer) Drivers() []string {
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (c *Composer) Hardware(desc *types.DeviceDescriptor) (core.Hardware, error) {
	f, ok := c.factories[desc.Driver]
	if !ok {
		return nil, fmt.Errorf("driver %q: %w", desc.Driver, types.ErrNotFound)
	}
	return f(desc, c.logger.With(zap.String("device", desc.Name), zap.String("driver", desc.Driver)))
}

// Template builds the registration template of desc.
func (c *Composer) Template(desc *types.DeviceDescriptor, owner core.ModuleRef) (core.DeviceTemplate, error) {
	tmpl := core.DeviceTemplate{
		Name:               desc.Name,
		Owner:              owner,
		PreferredTransport: desc.PreferredTransport,
		PreferredTiming:    desc.PreferredTiming,
		NBits:              desc.NBits,
		Attrs:              attrList(desc.Attrs),
	}

	for i, set := range desc.ChannelSets {
		dir, ok := core.ParseDirection(set.Direction)
		if !ok {
			return core.DeviceTemplate{}, fmt.Errorf("cset %d: direction %q: %w", i, set.Direction, types.ErrProtocolViolation)
		}
		ct := core.CSetTemplate{
			Direction:        dir,
			SelfTimed:        set.SelfTimed,
			SampleSize:       set.SampleSize,
			NBits:            set.NBits,
			DefaultTransport: set.DefaultTransport,
			DefaultTiming:    set.DefaultTiming,
			Attrs:            attrList(set.Attrs),
			Channels:         make([]core.ChanTemplate, len(set.Channels)),
		}
		for j, ch := range set.Channels {
			ct.Channels[j] = core.ChanTemplate{
				NBits:    ch.NBits,
				Disabled: ch.Disabled,
				Attrs:    attrList(ch.Attrs),
			}
		}
		tmpl.CSets = append(tmpl.CSets, ct)
	}
	return tmpl, nil
}

func attrList(m map[string]uint32) []core.Attr {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]core.Attr, len(names))
	for i, name := range names {
		out[i] = core.Attr{Name: name, Value: m[name]}
	}
	return out
}

func simulatorFactory(desc *types.DeviceDescriptor, logger *zap.Logger) (core.Hardware, error) {
	cfg := simulator.Config{}
	if s := desc.Simulator; s != nil {
		w, err := simulator.ParseWaveform(s.Waveform)
		if err != nil {
			return nil, err
		}
		cfg.Waveform = w
		cfg.Period = s.Period
		cfg.Latency = time.Duration(s.LatencyMs) * time.Millisecond
	}
	return simulator.New(cfg, logger), nil
}

func modbusFactory(defaultTimeout time.Duration) Factory {
	return func(desc *types.DeviceDescriptor, logger *zap.Logger) (core.Hardware, error) {
		mb := desc.Modbus
		if mb == nil {
			return nil, fmt.Errorf("modbus device %s without connection: %w", desc.Name, types.ErrProtocolViolation)
		}

		timeout := defaultTimeout
		if mb.TimeoutMs > 0 {
			timeout = time.Duration(mb.TimeoutMs) * time.Millisecond
		}

		regs := make([][]modbus.Register, len(desc.ChannelSets))
		for i, set := range desc.ChannelSets {
			if set.SampleSize != 2 {
				return nil, fmt.Errorf("modbus cset %d: sample size %d, need 2: %w", i, set.SampleSize, types.ErrProtocolViolation)
			}
			regs[i] = make([]modbus.Register, len(set.Channels))
			for j, ch := range set.Channels {
				if ch.Register == nil {
					return nil, fmt.Errorf("modbus cset %d channel %d without register: %w", i, j, types.ErrProtocolViolation)
				}
				regs[i][j] = modbus.Register{Address: ch.Register.Address, Type: ch.Register.Type}
			}
		}

		drv, err := modbus.NewDriver(modbus.Config{
			Address:   net.JoinHostPort(mb.Host, strconv.Itoa(mb.Port)),
			UnitID:    uint8(mb.UnitID),
			Timeout:   timeout,
			Registers: regs,
		}, logger)
		if err != nil {
			return nil, err
		}
		return drv, nil
	}
}

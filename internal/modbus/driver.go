package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

// Register is the first register of a channel's window.
type Register struct {
	Address uint16
	Type    types.RegisterType
}

type Config struct {
	Address string
	UnitID  uint8
	Timeout time.Duration
	// Registers is indexed by channel set, then channel.
	Registers [][]Register
}

// Driver acquires channel sets from a Modbus TCP slave. An input cycle
// reads one register per sample starting at the channel's address; an
// output cycle writes the first sample of the block as a single register.
type Driver struct {
	cfg    Config
	client *Client
	logger *zap.Logger

	mu     sync.Mutex
	reads  int
	writes int
}

func NewDriver(cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("modbus driver without address: %w", types.ErrProtocolViolation)
	}
	for i, set := range cfg.Registers {
		for j, r := range set {
			switch r.Type {
			case "", types.RegisterTypeHoldingRegister, types.RegisterTypeInputRegister:
			default:
				return nil, fmt.Errorf("cset %d channel %d: unsupported register type %q: %w", i, j, r.Type, types.ErrProtocolViolation)
			}
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		client: NewClient(cfg.Address, cfg.Timeout),
		logger: logger.With(zap.String("address", cfg.Address)),
	}, nil
}

func (d *Driver) Client() *Client { return d.client }

func (d *Driver) register(cset, ch int) (Register, error) {
	if cset >= len(d.cfg.Registers) || ch >= len(d.cfg.Registers[cset]) {
		return Register{}, fmt.Errorf("no register for cset %d channel %d: %w", cset, ch, types.ErrNotFound)
	}
	return d.cfg.Registers[cset][ch], nil
}

func (d *Driver) RawIO(cs *core.ChannelSet) error {
	if cs.SampleSize() != 2 {
		return fmt.Errorf("modbus needs 2 byte samples, cset %d has %d: %w", cs.Index(), cs.SampleSize(), types.ErrProtocolViolation)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.client.timeout)
	defer cancel()

	for _, ch := range cs.Channels() {
		b := ch.ActiveBlock()
		if b == nil {
			continue
		}
		reg, err := d.register(cs.Index(), ch.Index())
		if err != nil {
			return err
		}
		if cs.Direction() == core.Input {
			err = d.readBlock(ctx, reg, b.Data)
		} else {
			err = d.writeBlock(ctx, reg, b.Data)
		}
		if err != nil {
			d.logger.Warn("Modbus transfer failed",
				zap.Int("cset", cs.Index()),
				zap.Int("channel", ch.Index()),
				zap.Error(err))
			return err
		}
	}
	return nil
}

func (d *Driver) readBlock(ctx context.Context, reg Register, data []byte) error {
	n := len(data) / 2
	for done := 0; done < n; {
		q := min(n-done, MaxReadQuantity)
		addr := reg.Address + uint16(done)

		var values []uint16
		var err error
		if reg.Type == types.RegisterTypeInputRegister {
			values, err = d.client.ReadInputRegisters(ctx, d.cfg.UnitID, addr, uint16(q))
		} else {
			values, err = d.client.ReadHoldingRegisters(ctx, d.cfg.UnitID, addr, uint16(q))
		}
		if err != nil {
			return fmt.Errorf("read %d registers at %d: %w", q, addr, err)
		}
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[2*(done+i):], v)
		}
		done += q
	}

	d.mu.Lock()
	d.reads++
	d.mu.Unlock()
	return nil
}

func (d *Driver) writeBlock(ctx context.Context, reg Register, data []byte) error {
	if reg.Type == types.RegisterTypeInputRegister {
		return fmt.Errorf("input register %d is read-only: %w", reg.Address, types.ErrProtocolViolation)
	}
	value := binary.LittleEndian.Uint16(data)
	if err := d.client.WriteSingleRegister(ctx, d.cfg.UnitID, reg.Address, value); err != nil {
		return fmt.Errorf("write register %d: %w", reg.Address, err)
	}

	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
	return nil
}

// Stats returns the number of completed block reads and writes.
func (d *Driver) Stats() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

func (d *Driver) Close() error {
	return d.client.Close()
}

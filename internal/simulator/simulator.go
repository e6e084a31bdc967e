// Package simulator is a hardware driver that synthesizes input waveforms
// and records what output sets write.
package simulator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

type Waveform string

const (
	WaveCounter Waveform = "counter"
	WaveRamp    Waveform = "ramp"
	WaveSine    Waveform = "sine"
)

// ParseWaveform accepts the names used in device descriptors. The empty
// string selects the counter.
func ParseWaveform(s string) (Waveform, error) {
	switch Waveform(s) {
	case "", WaveCounter:
		return WaveCounter, nil
	case WaveRamp, WaveSine:
		return Waveform(s), nil
	}
	return "", fmt.Errorf("unknown waveform %q: %w", s, types.ErrProtocolViolation)
}

type Config struct {
	Waveform Waveform
	// Period is the waveform length in samples.
	Period int
	// Latency above zero completes transfers asynchronously.
	Latency time.Duration
}

// Write is one output block seen by the driver.
type Write struct {
	Addr core.Address
	Data []byte
}

type pending struct {
	stop chan struct{}
	done chan struct{}
}

type Driver struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	pos     map[*core.Channel]uint64
	cycles  int
	written []Write
	pending map[*core.ChannelSet]*pending
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger) *Driver {
	if cfg.Waveform == "" {
		cfg.Waveform = WaveCounter
	}
	if cfg.Period <= 1 {
		cfg.Period = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:     cfg,
		logger:  logger,
		pos:     make(map[*core.Channel]uint64),
		pending: make(map[*core.ChannelSet]*pending),
	}
}

func (d *Driver) Config() Config { return d.cfg }

// RawIO fills or records the active block of every channel. With a latency
// configured the cycle completes later on the timing instance that started it.
func (d *Driver) RawIO(cs *core.ChannelSet) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("simulator closed: %w", types.ErrBusy)
	}
	d.cycles++
	for _, ch := range cs.Channels() {
		b := ch.ActiveBlock()
		if b == nil {
			continue
		}
		if cs.Direction() == core.Input {
			d.fillLocked(ch, b)
			continue
		}
		d.written = append(d.written, Write{Addr: b.Ctrl.Addr, Data: bytes.Clone(b.Data)})
	}
	if d.cfg.Latency <= 0 {
		d.mu.Unlock()
		return nil
	}

	ti := cs.Timing()
	p := &pending{stop: make(chan struct{}), done: make(chan struct{})}
	d.pending[cs] = p
	d.wg.Add(1)
	d.mu.Unlock()

	go d.complete(cs, ti, p)
	return core.ErrIOPending
}

func (d *Driver) complete(cs *core.ChannelSet, ti *core.TimingInstance, p *pending) {
	defer d.wg.Done()
	defer close(p.done)

	timer := time.NewTimer(d.cfg.Latency)
	defer timer.Stop()

	select {
	case <-p.stop:
		return
	case <-timer.C:
	}

	d.mu.Lock()
	if d.pending[cs] == p {
		delete(d.pending, cs)
	}
	d.mu.Unlock()
	ti.DataDone()
}

// StopIO cancels the pending transfer of cs and waits for its goroutine.
func (d *Driver) StopIO(cs *core.ChannelSet) {
	d.mu.Lock()
	p := d.pending[cs]
	delete(d.pending, cs)
	d.mu.Unlock()
	if p == nil {
		return
	}
	close(p.stop)
	<-p.done
	d.logger.Debug("Transfer cancelled", zap.String("device", cs.Device().Name()), zap.Int("cset", cs.Index()))
}

// Close cancels every pending transfer. Later cycles fail with Busy.
func (d *Driver) Close() {
	d.mu.Lock()
	d.closed = true
	list := make([]*pending, 0, len(d.pending))
	for cs, p := range d.pending {
		list = append(list, p)
		delete(d.pending, cs)
	}
	d.mu.Unlock()

	for _, p := range list {
		close(p.stop)
	}
	d.wg.Wait()
}

func (d *Driver) Cycles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

func (d *Driver) Written() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Write, len(d.written))
	copy(out, d.written)
	return out
}

func (d *Driver) fillLocked(ch *core.Channel, b *core.Block) {
	ssize := int(b.Ctrl.SSize)
	if ssize == 0 {
		return
	}
	n := len(b.Data) / ssize
	pos := d.pos[ch]
	for i := 0; i < n; i++ {
		v := d.sample(pos+uint64(i), ch.Index(), ch.NBits())
		encode(b.Data[i*ssize:(i+1)*ssize], v)
	}
	d.pos[ch] = pos + uint64(n)
}

// sample returns the value at position pos. Channels are phase shifted by a
// quarter period per index.
func (d *Driver) sample(pos uint64, index int, nbits uint32) uint64 {
	maxVal := uint64(math.MaxUint64)
	if nbits < 64 {
		maxVal = 1<<nbits - 1
	}
	period := uint64(d.cfg.Period)
	pos += uint64(index) * period / 4

	switch d.cfg.Waveform {
	case WaveRamp:
		return (pos % period) * maxVal / (period - 1)
	case WaveSine:
		phase := 2 * math.Pi * float64(pos%period) / float64(period)
		mid := float64(maxVal) / 2
		return uint64(math.Round(mid + mid*math.Sin(phase)))
	default:
		if nbits >= 64 {
			return pos
		}
		return pos & maxVal
	}
}

func encode(dst []byte, v uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(dst, v)
	default:
		for i := range dst {
			dst[i] = byte(v >> (8 * i))
		}
	}
}

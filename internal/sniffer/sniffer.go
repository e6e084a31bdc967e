// Package sniffer keeps the most recent block descriptors in a byte ring.
package sniffer

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/smallnest/ringbuffer"
)

// RecordSize is the encoded size of one record. Layout, little endian:
//
//	0  seq       u32
//	4  nsamples  u32
//	8  ssize     u32
//	12 nbits     u32
//	16 cset      u16
//	18 chan      u16
//	20 kind      u8  (1 acquired, 2 written)
//	21 reserved  3 bytes
//	24 timestamp i64 unix nanoseconds
//	32 offset    u64 memory offset
//	40 device    24 bytes, zero padded
const RecordSize = 64

const deviceLen = 24

const (
	kindAcquired = 1
	kindWritten  = 2
)

// Record is one decoded descriptor.
type Record struct {
	Kind      core.EventKind `json:"kind"`
	Device    string         `json:"device"`
	CSet      int            `json:"cset"`
	Chan      int            `json:"chan"`
	Seq       uint32         `json:"seq"`
	NSamples  uint32         `json:"nsamples"`
	SSize     uint32         `json:"ssize"`
	NBits     uint32         `json:"nbits"`
	MemOffset uint64         `json:"mem_offset"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sniffer is a core.Observer. When full, the oldest record is overwritten.
type Sniffer struct {
	mu          sync.Mutex
	rb          *ringbuffer.RingBuffer
	capacity    int
	overwritten atomic.Uint64
}

func New(capacity int) *Sniffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Sniffer{
		rb:       ringbuffer.New(capacity * RecordSize),
		capacity: capacity,
	}
}

func (s *Sniffer) Capacity() int { return s.capacity }

// Overwritten counts records lost to wrap-around.
func (s *Sniffer) Overwritten() uint64 { return s.overwritten.Load() }

func (s *Sniffer) OnEvent(ev core.Event) {
	var kind byte
	switch ev.Kind {
	case core.EventBlockAcquired:
		kind = kindAcquired
	case core.EventBlockWritten:
		kind = kindWritten
	default:
		return
	}
	if ev.Ctrl == nil {
		return
	}
	rec := encode(kind, ev.Ctrl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rb.Free() < RecordSize {
		var old [RecordSize]byte
		s.rb.Read(old[:])
		s.overwritten.Add(1)
	}
	s.rb.Write(rec[:])
}

// Len is the number of stored records.
func (s *Sniffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rb.Length() / RecordSize
}

// Recent returns up to n records, oldest first, without consuming them.
// n <= 0 returns all of them.
func (s *Sniffer) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.rb.Length() / RecordSize
	if total == 0 {
		return nil
	}
	buf := make([]byte, total*RecordSize)
	s.rb.Read(buf)
	s.rb.Write(buf)

	if n <= 0 || n > total {
		n = total
	}
	out := make([]Record, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, decode(buf[i*RecordSize:(i+1)*RecordSize]))
	}
	return out
}

func (s *Sniffer) Reset() {
	s.mu.Lock()
	s.rb.Reset()
	s.mu.Unlock()
}

func encode(kind byte, c *core.Control) [RecordSize]byte {
	var rec [RecordSize]byte
	binary.LittleEndian.PutUint32(rec[0:], c.Seq)
	binary.LittleEndian.PutUint32(rec[4:], c.NSamples)
	binary.LittleEndian.PutUint32(rec[8:], c.SSize)
	binary.LittleEndian.PutUint32(rec[12:], c.NBits)
	binary.LittleEndian.PutUint16(rec[16:], uint16(c.Addr.CSet))
	binary.LittleEndian.PutUint16(rec[18:], uint16(c.Addr.Chan))
	rec[20] = kind
	binary.LittleEndian.PutUint64(rec[24:], uint64(c.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint64(rec[32:], uint64(c.MemOffset))
	copy(rec[40:40+deviceLen], c.Addr.Device)
	return rec
}

func decode(b []byte) Record {
	r := Record{
		Seq:       binary.LittleEndian.Uint32(b[0:]),
		NSamples:  binary.LittleEndian.Uint32(b[4:]),
		SSize:     binary.LittleEndian.Uint32(b[8:]),
		NBits:     binary.LittleEndian.Uint32(b[12:]),
		CSet:      int(binary.LittleEndian.Uint16(b[16:])),
		Chan:      int(binary.LittleEndian.Uint16(b[18:])),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(b[24:]))),
		MemOffset: binary.LittleEndian.Uint64(b[32:]),
		Device:    string(bytes.TrimRight(b[40:40+deviceLen], "\x00")),
	}
	switch b[20] {
	case kindAcquired:
		r.Kind = core.EventBlockAcquired
	case kindWritten:
		r.Kind = core.EventBlockWritten
	}
	return r
}

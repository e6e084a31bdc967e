package core

import "time"

// Address identifies the channel a block belongs to.
type Address struct {
	Device string `json:"device"`
	CSet   int    `json:"cset"`
	Chan   int    `json:"chan"`
}

// Control describes one block of samples.
type Control struct {
	Seq       uint32            `json:"seq"`
	NSamples  uint32            `json:"nsamples"`
	SSize     uint32            `json:"ssize"`
	NBits     uint32            `json:"nbits"`
	Addr      Address           `json:"addr"`
	MemOffset int               `json:"mem_offset"`
	Timestamp time.Time         `json:"timestamp"`
	Timing    string            `json:"timing"`
	Attrs     map[string]uint32 `json:"attrs,omitempty"`
}

// Len is the payload size in bytes.
func (c *Control) Len() int {
	return int(c.NSamples) * int(c.SSize)
}

func (c *Control) Clone() *Control {
	cp := *c
	if c.Attrs != nil {
		cp.Attrs = make(map[string]uint32, len(c.Attrs))
		for k, v := range c.Attrs {
			cp.Attrs[k] = v
		}
	}
	return &cp
}

package devices

import (
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
)

// DeviceView is the API snapshot of one device.
type DeviceView struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	Source   string            `json:"source,omitempty"`
	LoadedAt *time.Time        `json:"loaded_at,omitempty"`
	Attrs    map[string]uint32 `json:"attrs"`
	InUse    int               `json:"open_streams"`
	Sets     []SetView         `json:"channel_sets,omitempty"`
}

type SetView struct {
	Index       int               `json:"index"`
	Direction   string            `json:"direction"`
	SelfTimed   bool              `json:"self_timed"`
	SampleSize  uint32            `json:"sample_size"`
	Flags       string            `json:"flags"`
	Transport   string            `json:"transport"`
	Timing      string            `json:"timing"`
	TimingAttrs map[string]uint32 `json:"timing_attrs"`
	Channels    []ChannelView     `json:"channels"`
}

type ChannelView struct {
	Index   int          `json:"index"`
	Enabled bool         `json:"enabled"`
	NBits   uint32       `json:"nbits"`
	Queued  int          `json:"queued"`
	Control core.Control `json:"control"`
}

// Describe snapshots md. Without detail the channel sets are left out.
func Describe(md *Managed, detail bool) DeviceView {
	v := DescribeDevice(md.Device, detail)
	v.ID = md.ID.String()
	v.Driver = md.Descriptor.Driver
	v.Source = md.Source
	loaded := md.LoadedAt
	v.LoadedAt = &loaded
	return v
}

// DescribeDevice snapshots a registry device that may not be managed.
func DescribeDevice(dev *core.Device, detail bool) DeviceView {
	v := DeviceView{
		Name:  dev.Name(),
		Attrs: dev.Attrs().Map(),
		InUse: dev.InUse(),
	}
	if !detail {
		return v
	}
	for _, cs := range dev.Sets() {
		sv := SetView{
			Index:      cs.Index(),
			Direction:  cs.Direction().String(),
			SelfTimed:  cs.SelfTimed(),
			SampleSize: cs.SampleSize(),
			Flags:      cs.Flags().String(),
			Channels:   make([]ChannelView, 0, len(cs.Channels())),
		}
		if tt := cs.TransportType(); tt != nil {
			sv.Transport = tt.Name
		}
		if ti := cs.Timing(); ti != nil {
			sv.Timing = ti.Type().Name
			sv.TimingAttrs = ti.Attrs().Map()
		}
		for _, ch := range cs.Channels() {
			cv := ChannelView{
				Index:   ch.Index(),
				Enabled: ch.Enabled(),
				NBits:   ch.NBits(),
				Control: ch.Control(),
			}
			if bi := ch.Transport(); bi != nil {
				cv.Queued = bi.Backend().Len()
			}
			sv.Channels = append(sv.Channels, cv)
		}
		v.Sets = append(v.Sets, sv)
	}
	return v
}

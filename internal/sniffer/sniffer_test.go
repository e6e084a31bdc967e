package sniffer

import (
	"testing"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquired(seq uint32) core.Event {
	return core.Event{
		Kind: core.EventBlockAcquired,
		Ctrl: &core.Control{
			Seq:       seq,
			NSamples:  16,
			SSize:     2,
			NBits:     12,
			Addr:      core.Address{Device: "scope", CSet: 1, Chan: 3},
			MemOffset: 4096,
			Timestamp: time.Unix(1700000000, 123),
		},
	}
}

func TestRecordsKeepDescriptorFields(t *testing.T) {
	s := New(4)
	s.OnEvent(acquired(7))
	s.OnEvent(core.Event{Kind: core.EventBlockWritten, Ctrl: &core.Control{Seq: 1, Addr: core.Address{Device: "a-very-long-device-name-x"}}})

	recs := s.Recent(0)
	require.Len(t, recs, 2)
	assert.Equal(t, Record{
		Kind:      core.EventBlockAcquired,
		Device:    "scope",
		CSet:      1,
		Chan:      3,
		Seq:       7,
		NSamples:  16,
		SSize:     2,
		NBits:     12,
		MemOffset: 4096,
		Timestamp: time.Unix(1700000000, 123),
	}, recs[0])
	assert.Equal(t, core.EventBlockWritten, recs[1].Kind)
	assert.Len(t, recs[1].Device, deviceLen, "names are truncated")
}

func TestIgnoresOtherEvents(t *testing.T) {
	s := New(2)
	s.OnEvent(core.Event{Kind: core.EventTransportChanged})
	s.OnEvent(core.Event{Kind: core.EventBlockAcquired})
	assert.Zero(t, s.Len())
}

func TestOverwritesOldest(t *testing.T) {
	s := New(3)
	for i := uint32(0); i < 5; i++ {
		s.OnEvent(acquired(i))
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, uint64(2), s.Overwritten())

	recs := s.Recent(0)
	require.Len(t, recs, 3)
	assert.Equal(t, uint32(2), recs[0].Seq)
	assert.Equal(t, uint32(4), recs[2].Seq)

	// reading does not consume
	last := s.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, uint32(4), last[0].Seq)
	assert.Equal(t, 3, s.Len())

	s.Reset()
	assert.Nil(t, s.Recent(0))
}

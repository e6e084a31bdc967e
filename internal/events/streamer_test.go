package events

import (
	"testing"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilteredDelivery(t *testing.T) {
	s := NewStreamer()
	_, all := s.Subscribe(Filter{})
	_, scope := s.Subscribe(Filter{Device: "scope", Kinds: []core.EventKind{core.EventTransportChanged}})

	s.OnEvent(core.Event{Kind: core.EventTransportChanged, Device: "scope"})
	s.OnEvent(core.Event{Kind: core.EventTransportChanged, Device: "plc"})
	s.OnEvent(core.Event{Kind: core.EventBlockAcquired, Device: "scope"})

	assert.Len(t, all, 3)
	require.Len(t, scope, 1)
	ev := <-scope
	assert.Equal(t, "scope", ev.Device)
}

func TestSlowSubscriberDrops(t *testing.T) {
	s := NewStreamer()
	_, ch := s.Subscribe(Filter{})
	for i := 0; i < subscriberBuffer+5; i++ {
		s.OnEvent(core.Event{Kind: core.EventBlockAcquired})
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, uint64(5), s.Dropped())
}

func TestUnsubscribeAndClose(t *testing.T) {
	s := NewStreamer()
	id, ch := s.Subscribe(Filter{})
	_, other := s.Subscribe(Filter{})
	assert.Equal(t, 2, s.Subscribers())

	s.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	s.Unsubscribe(id)

	s.Close()
	_, ok = <-other
	assert.False(t, ok)
	assert.Zero(t, s.Subscribers())

	_, late := s.Subscribe(Filter{})
	_, ok = <-late
	assert.False(t, ok)
}

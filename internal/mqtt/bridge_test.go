package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: p.err}
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{Enabled: true, TopicPrefix: "lab", QoS: 1}
}

func TestBridgePublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBridge(pub, testConfig(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- b.Run(ctx) }()

	b.OnEvent(core.Event{Kind: core.EventTransportChanged, Device: "scope", CSet: 1, Target: core.TargetTransport, From: "heap", To: "ringbuf"})
	b.OnEvent(core.Event{Kind: core.EventBlockAcquired, Device: "scope"})
	b.OnEvent(core.Event{Kind: core.EventDeviceRemoved})

	require.Eventually(t, func() bool { return len(pub.messages()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msgs := pub.messages()
	assert.Equal(t, "lab/scope/transport_changed", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	var ev core.Event
	require.NoError(t, json.Unmarshal(msgs[0].payload, &ev))
	assert.Equal(t, "ringbuf", ev.To)
	assert.Equal(t, 1, ev.CSet)

	assert.Equal(t, "lab/system/device_removed", msgs[1].topic)

	// closed bridges ignore events
	b.OnEvent(core.Event{Kind: core.EventTimingChanged, Device: "scope"})
	assert.Len(t, pub.messages(), 2)
}

func TestBridgeIncludesBlocksWhenAsked(t *testing.T) {
	cfg := testConfig()
	cfg.IncludeBlocks = true
	pub := &fakePublisher{err: errors.New("broker gone")}
	b := NewBridge(pub, cfg, zaptest.NewLogger(t))

	b.OnEvent(core.Event{Kind: core.EventBlockAcquired, Device: "scope"})
	b.OnEvent(core.Event{Kind: core.EventBlockWritten, Device: "scope"})
	b.Close()

	// Run drains what was queued before Close, failures are only logged
	require.NoError(t, b.Run(context.Background()))
	msgs := pub.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "lab/scope/block_written", msgs[1].topic)
}

func TestBridgeDropsWhenFull(t *testing.T) {
	b := NewBridge(&fakePublisher{}, testConfig(), zaptest.NewLogger(t))
	for i := 0; i < bridgeQueue+3; i++ {
		b.OnEvent(core.Event{Kind: core.EventTimingChanged, Device: "scope"})
	}
	assert.Equal(t, uint64(3), b.Dropped())
	b.Close()
}

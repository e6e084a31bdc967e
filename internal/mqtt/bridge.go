// Package mqtt republishes core events on an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	bridgeQueue    = 256
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Publisher is the part of paho.Client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

// Bridge is a core.Observer that publishes events as JSON from a single
// goroutine. Block events are skipped unless IncludeBlocks is set.
type Bridge struct {
	pub    Publisher
	cfg    config.MQTTConfig
	logger *zap.Logger

	queue   chan core.Event
	dropped atomic.Uint64
	mu      sync.RWMutex
	closed  bool

	disconnect func()
}

func NewBridge(pub Publisher, cfg config.MQTTConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		pub:        pub,
		cfg:        cfg,
		logger:     logger,
		queue:      make(chan core.Event, bridgeQueue),
		disconnect: func() {},
	}
}

// Connect dials the configured broker and returns a bridge publishing on it.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *zap.Logger) (*Bridge, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(connectTimeout):
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	b := NewBridge(client, cfg, logger)
	b.disconnect = func() { client.Disconnect(250) }
	return b, nil
}

// Topic is <prefix>/<device>/<kind>; events without a device use "system".
func (b *Bridge) Topic(ev core.Event) string {
	device := ev.Device
	if device == "" {
		device = "system"
	}
	return fmt.Sprintf("%s/%s/%s", b.cfg.TopicPrefix, device, ev.Kind)
}

func (b *Bridge) wants(ev core.Event) bool {
	switch ev.Kind {
	case core.EventBlockAcquired, core.EventBlockWritten:
		return b.cfg.IncludeBlocks
	}
	return true
}

func (b *Bridge) OnEvent(ev core.Event) {
	if !b.wants(ev) {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped counts events lost to a full queue.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Run publishes queued events until ctx ends or Close is called, flushes
// the rest and disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.disconnect()
	for {
		select {
		case ev, ok := <-b.queue:
			if !ok {
				return nil
			}
			b.publish(ev)
		case <-ctx.Done():
			b.Close()
			for ev := range b.queue {
				b.publish(ev)
			}
			return nil
		}
	}
}

// Close stops accepting events. Run drains the queue and returns.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
}

func (b *Bridge) publish(ev core.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}

	topic := b.Topic(ev)
	token := b.pub.Publish(topic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("MQTT publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

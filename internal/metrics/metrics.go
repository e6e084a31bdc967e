// Package metrics exports acquisition events as Prometheus metrics.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a core.Observer and a prometheus.Collector.
type Metrics struct {
	Devices      prometheus.Gauge
	Blocks       *prometheus.CounterVec
	BlockBytes   prometheus.Histogram
	Reconfigs    *prometheus.CounterVec
	LastSequence *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oacq_devices",
			Help: "Number of registered acquisition devices",
		}),
		Blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oacq_blocks_total",
			Help: "Blocks acquired, dropped or written per channel set",
		}, []string{"device", "cset", "event"}),
		BlockBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oacq_block_bytes",
			Help:    "Payload size of transferred blocks in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		}),
		Reconfigs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oacq_reconfigurations_total",
			Help: "Transport and timing swaps by outcome",
		}, []string{"device", "kind", "result"}),
		LastSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oacq_last_sequence",
			Help: "Sequence number of the last block per channel",
		}, []string{"device", "cset", "chan"}),
	}
	if err := reg.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register acquisition metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) OnEvent(ev core.Event) {
	cset := strconv.Itoa(ev.CSet)
	switch ev.Kind {
	case core.EventDeviceRegistered:
		m.Devices.Inc()
	case core.EventDeviceRemoved:
		m.Devices.Dec()
		m.Blocks.DeletePartialMatch(prometheus.Labels{"device": ev.Device})
		m.LastSequence.DeletePartialMatch(prometheus.Labels{"device": ev.Device})
	case core.EventBlockAcquired, core.EventBlockWritten:
		m.Blocks.WithLabelValues(ev.Device, cset, string(ev.Kind)).Inc()
		if ev.Ctrl != nil {
			m.BlockBytes.Observe(float64(ev.Ctrl.Len()))
			m.LastSequence.WithLabelValues(ev.Device, cset, strconv.Itoa(ev.Chan)).Set(float64(ev.Ctrl.Seq))
		}
	case core.EventBlockDropped:
		m.Blocks.WithLabelValues(ev.Device, cset, string(ev.Kind)).Inc()
	case core.EventTransportChanged, core.EventTimingChanged:
		m.Reconfigs.WithLabelValues(ev.Device, ev.Target, "ok").Inc()
	case core.EventReconfigFailed:
		m.Reconfigs.WithLabelValues(ev.Device, ev.Target, "failed").Inc()
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.Devices.Desc()
	m.Blocks.Describe(ch)
	ch <- m.BlockBytes.Desc()
	m.Reconfigs.Describe(ch)
	m.LastSequence.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.Devices
	m.Blocks.Collect(ch)
	ch <- m.BlockBytes
	m.Reconfigs.Collect(ch)
	m.LastSequence.Collect(ch)
}

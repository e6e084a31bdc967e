// Package timer arms its channel set periodically.
package timer

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"go.uber.org/zap"
)

const (
	Name = "timer"

	// AttrPeriodUS is the arm period in microseconds.
	AttrPeriodUS = "period-us"

	minPeriod = 100 * time.Microsecond
)

func Type(owner core.ModuleRef, period time.Duration) *core.TimingType {
	attrs := core.StandardTimingAttrs(0, 16)
	attrs = append(attrs, core.Attr{Name: AttrPeriodUS, Value: uint32(period / time.Microsecond)})
	return &core.TimingType{
		Name:   Name,
		Owner:  owner,
		Driver: driver{},
		Attrs:  core.NewAttrSet(attrs...),
	}
}

type driver struct{}

func (driver) Create(ti *core.TimingInstance) (core.TimingBackend, error) {
	b := &backend{
		ti:       ti,
		stopChan: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.tickLoop()
	return b, nil
}

type backend struct {
	ti       *core.TimingInstance
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (b *backend) period() time.Duration {
	p := time.Duration(b.ti.Attrs().GetOr(AttrPeriodUS, 0)) * time.Microsecond
	if p < minPeriod {
		return minPeriod
	}
	return p
}

func (b *backend) tickLoop() {
	defer b.wg.Done()

	current := b.period()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if b.ti.Flags().Enabled() {
				if err := b.ti.Arm(); err != nil {
					b.ti.Logger().Debug("Tick skipped", zap.Error(err))
				}
			}
			// period-us may change at runtime
			if p := b.period(); p != current {
				current = p
				ticker.Reset(p)
			}
		}
	}
}

func (b *backend) PushBlock(*core.Channel, *core.Block) error { return nil }

func (b *backend) Abort() {}

// Destroy stops the ticker goroutine and waits for it.
func (b *backend) Destroy() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
}

package telemetry

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"
)

// DeviceDialer hands out a connected device for an endpoint, reconnecting
// when the previous handle was dropped.
type DeviceDialer interface {
	Get(ctx context.Context, endpoint string) (*Device, error)
}

// Poller turns a device endpoint into a Source by querying a fixed set of
// parameters at a steady interval. Samples are keyed by DeviceKey.
type Poller struct {
	feed
	devices  DeviceDialer
	endpoint string
	queries  []string
	interval time.Duration
}

func NewPoller(devices DeviceDialer, endpoint string, queries []string, interval time.Duration, logger *log.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		feed:     feed{log: loggerOr(logger)},
		devices:  devices,
		endpoint: endpoint,
		queries:  queries,
		interval: interval,
	}
}

func (p *Poller) Observe(ctx context.Context) (<-chan Sample, error) {
	out, err := p.start(ctx)
	if err != nil {
		return nil, err
	}
	go p.run(ctx)
	return out, nil
}

func (p *Poller) run(ctx context.Context) {
	defer p.close()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	dev, err := p.devices.Get(ctx, p.endpoint)
	if err != nil {
		if p.Connected() {
			p.log.Warnf("device %s: %v, retrying every %v", p.endpoint, err, p.interval)
		}
		p.setConnected(false)
		return
	}
	for _, q := range p.queries {
		if ctx.Err() != nil {
			return
		}
		raw := dev.GetParam(ctx, q)
		if raw == "" {
			continue
		}
		p.deliver(DeviceKey(p.endpoint, q), []byte(raw))
	}
	p.setConnected(dev.Connected() && ctx.Err() == nil)
}

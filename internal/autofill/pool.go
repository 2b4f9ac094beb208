package autofill

import (
	"context"
	"errors"
	"logbook/internal/telemetry"
	"sync"

	"github.com/labstack/gommon/log"
)

// DevicePool keeps one open handle per device endpoint, so autofilling many
// columns bound to the same instrument reuses a single connection. A handle
// that has lost its connection is replaced on the next Get.
type DevicePool struct {
	mu      sync.Mutex
	cfg     telemetry.DeviceConfig
	log     *log.Logger
	devices map[string]*telemetry.Device
}

func NewDevicePool(cfg telemetry.DeviceConfig, logger *log.Logger) *DevicePool {
	return &DevicePool{
		cfg:     cfg,
		log:     logger,
		devices: make(map[string]*telemetry.Device),
	}
}

// Get returns a connected handle for endpoint ("host:port").
func (p *DevicePool) Get(ctx context.Context, endpoint string) (*telemetry.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dev, ok := p.devices[endpoint]; ok {
		if dev.Connected() {
			return dev, nil
		}
		dev.Close()
		delete(p.devices, endpoint)
	}

	dev, err := telemetry.DialDevice(ctx, endpoint, p.cfg, p.log)
	if err != nil {
		return nil, err
	}
	p.devices[endpoint] = dev
	return dev, nil
}

// Len returns the number of open handles.
func (p *DevicePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// Close disconnects every device.
func (p *DevicePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for endpoint, dev := range p.devices {
		errs = append(errs, dev.Close())
		delete(p.devices, endpoint)
	}
	return errors.Join(errs...)
}

// Connected reports whether a live handle for endpoint is held.
func (p *DevicePool) Connected(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[endpoint]
	return ok && dev.Connected()
}

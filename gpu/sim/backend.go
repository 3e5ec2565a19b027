// Package sim implements a software GPU. A goroutine per device plays the
// role of the hardware queue: it executes submitted command lists in order,
// validates resource state transitions and binding state for every draw, and
// advances fences once all prior work has been executed.
package sim

import (
	"sync"
	"time"

	"github.com/vkngwrapper/mtquad/gpu"
	"github.com/vkngwrapper/mtquad/log"
)

var logger = log.New("sim")

type Options struct {
	// Time the simulated GPU spends on every submission.
	Latency time.Duration

	// Remove the first device opened by the backend when the GPU reaches
	// this submission. Zero disables fault injection.
	RemoveAfter int
}

// Backend opens simulated devices.
type Backend struct {
	opts Options

	mu      sync.Mutex
	devices []*Device
}

func NewBackend(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) Name() string {
	return "sim"
}

func (b *Backend) Open(cfg gpu.DeviceConfig) (gpu.Device, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.BufferCount < 1 {
		return nil, gpu.Failf("Backend.Open", gpu.ResultInvalidCall, "invalid device config %+v", cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removeAfter := 0
	if len(b.devices) == 0 {
		removeAfter = b.opts.RemoveAfter
	}

	dev := newDevice(cfg, b.opts.Latency, removeAfter)
	b.devices = append(b.devices, dev)
	logger.Debugf("opened device %s (%dx%d, %d buffers)", dev.id, cfg.Width, cfg.Height, cfg.BufferCount)
	return dev, nil
}

// Devices returns every device opened so far in creation order.
func (b *Backend) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Device(nil), b.devices...)
}

// Package rules evaluates boolean conditions over current device values
// and fires actions, including rules written in the textual rule DSL.
package rules

import (
	"strings"
	"sync"

	"github.com/neotalk/neotalk/internal/bus"
)

// ValueProvider caches the last numeric value per (device, metric),
// updated from device-metric events.
type ValueProvider struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewValueProvider creates an empty provider.
func NewValueProvider() *ValueProvider {
	return &ValueProvider{values: make(map[string]float64)}
}

func valueKey(deviceID, metric string) string {
	return deviceID + "\x00" + metric
}

// Observe records a metric event's numeric view, if it has one.
func (p *ValueProvider) Observe(event bus.DeviceMetricEvent) {
	f, ok := event.Value.AsFloat()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[valueKey(event.DeviceID, event.Metric)] = f
}

// Get returns the cached value for a device metric.
func (p *ValueProvider) Get(deviceID, metric string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[valueKey(deviceID, metric)]
	return v, ok
}

// DeviceValues returns all cached metrics for one device.
func (p *ValueProvider) DeviceValues(deviceID string) map[string]float64 {
	prefix := deviceID + "\x00"
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64)
	for key, v := range p.values {
		if strings.HasPrefix(key, prefix) {
			out[key[len(prefix):]] = v
		}
	}
	return out
}

package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

// registration pairs a channel with its enabled flag.
type registration struct {
	channel Channel
	enabled bool

	sent     int64
	failures int64
}

// Registry holds the configured delivery channels with dynamic
// registration, per-type statistics, and test pings.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*registration
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*registration)}
}

// Register adds a channel, enabled by default. Registering an existing
// name replaces the channel.
func (r *Registry) Register(channel Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel.Name()] = &registration{channel: channel, enabled: true}
}

// Unregister removes a channel.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return false
	}
	delete(r.channels, name)
	return true
}

// SetEnabled toggles a channel.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, name)
	}
	reg.enabled = enabled
	return nil
}

// Send delivers the message through the named channels, or every enabled
// channel when names is empty. It returns one error per failed delivery.
func (r *Registry) Send(ctx context.Context, msg *models.Message, names []string) []error {
	r.mu.RLock()
	var targets []*registration
	if len(names) == 0 {
		for _, reg := range r.channels {
			if reg.enabled {
				targets = append(targets, reg)
			}
		}
	} else {
		for _, name := range names {
			if reg, ok := r.channels[name]; ok && reg.enabled {
				targets = append(targets, reg)
			}
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, reg := range targets {
		err := reg.channel.Send(ctx, msg)
		r.mu.Lock()
		if err != nil {
			reg.failures++
			errs = append(errs, fmt.Errorf("channel %s: %w", reg.channel.Name(), err))
		} else {
			reg.sent++
		}
		r.mu.Unlock()
	}
	return errs
}

// Ping sends a test message through one channel.
func (r *Registry) Ping(ctx context.Context, name string) error {
	r.mu.RLock()
	reg, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, name)
	}
	msg := models.NewMessage(models.SeverityInfo, "test ping", "channel connectivity check")
	msg.SourceType = "ping"
	msg.CreatedAt = time.Now()
	return reg.channel.Send(ctx, msg)
}

// ChannelStats summarises one channel's registration.
type ChannelStats struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Enabled  bool   `json:"enabled"`
	Sent     int64  `json:"sent"`
	Failures int64  `json:"failures"`
}

// Stats returns per-channel statistics sorted by name.
type Stats struct {
	Channels     []ChannelStats `json:"channels"`
	ByType       map[string]int `json:"by_type"`
	EnabledCount int            `json:"enabled_count"`
}

// Stats reports the registry's statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{ByType: make(map[string]int)}
	for _, reg := range r.channels {
		stats.Channels = append(stats.Channels, ChannelStats{
			Name:     reg.channel.Name(),
			Type:     reg.channel.Type(),
			Enabled:  reg.enabled,
			Sent:     reg.sent,
			Failures: reg.failures,
		})
		stats.ByType[reg.channel.Type()]++
		if reg.enabled {
			stats.EnabledCount++
		}
	}
	sort.Slice(stats.Channels, func(i, j int) bool { return stats.Channels[i].Name < stats.Channels[j].Name })
	return stats
}

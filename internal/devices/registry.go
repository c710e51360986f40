// Package devices provides the device registry and the protocol-adaptation
// layer that resolves abstract capabilities to transport addresses and
// payload codecs.
package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

var (
	// ErrNotFound is returned when a device is not registered.
	ErrNotFound = errors.New("device not found")

	// ErrDuplicateID is returned when registering an already-known device.
	ErrDuplicateID = errors.New("duplicate device id")
)

// Registry is the authoritative device index for a node. All mutations are
// serialised; reads take a shared lock.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	types   map[string]*models.DeviceTypeDefinition
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices: make(map[string]*models.Device),
		types:   make(map[string]*models.DeviceTypeDefinition),
		logger:  logger.With("component", "devices"),
	}
}

// Register adds a new device. Device IDs are case-sensitive and unique.
func (r *Registry) Register(device *models.Device) error {
	if device == nil || device.ID == "" {
		return errors.New("device id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[device.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, device.ID)
	}
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	r.devices[device.ID] = device
	r.logger.Info("device registered", "device_id", device.ID, "type", device.DeviceType)
	return nil
}

// Reregister replaces an existing device definition, the only path that may
// shrink a capability set.
func (r *Registry) Reregister(device *models.Device) error {
	if device == nil || device.ID == "" {
		return errors.New("device id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.devices[device.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, device.ID)
	}
	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = time.Now()
	r.devices[device.ID] = device
	return nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copy := *device
	return &copy, nil
}

// AddCapability appends a capability to a device. Capability sets are
// append-only outside explicit re-registration.
func (r *Registry) AddCapability(id string, cap models.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, existing := range device.Capabilities {
		if existing.Name == cap.Name {
			return fmt.Errorf("capability %s already declared on %s", cap.Name, id)
		}
	}
	device.Capabilities = append(device.Capabilities, cap)
	device.UpdatedAt = time.Now()
	return nil
}

// MarkSeen records liveness for a device.
func (r *Registry) MarkSeen(id string, at int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device, ok := r.devices[id]; ok {
		device.State.Online = true
		device.State.LastSeen = at
	}
}

// MarkOffline flags a device as offline.
func (r *Registry) MarkOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device, ok := r.devices[id]; ok {
		device.State.Online = false
	}
}

// Remove deletes a device.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.devices, id)
	return nil
}

// List returns all devices sorted by ID.
func (r *Registry) List() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		copy := *d
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByType returns devices of the given device type.
func (r *Registry) FindByType(deviceType string) []*models.Device {
	return r.filter(func(d *models.Device) bool { return d.DeviceType == deviceType })
}

// FindByLocation returns devices at the given location (case-insensitive).
func (r *Registry) FindByLocation(location string) []*models.Device {
	want := strings.ToLower(location)
	return r.filter(func(d *models.Device) bool { return strings.ToLower(d.Location) == want })
}

// FindByCapability returns devices declaring the named capability.
func (r *Registry) FindByCapability(name string) []*models.Device {
	return r.filter(func(d *models.Device) bool {
		_, ok := d.Capability(name)
		return ok
	})
}

// Search matches the query case-insensitively against name, aliases,
// keywords, location, and capability names.
func (r *Registry) Search(query string) []*models.Device {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	return r.filter(func(d *models.Device) bool {
		if strings.Contains(strings.ToLower(d.Name), q) ||
			strings.Contains(strings.ToLower(d.ID), q) ||
			strings.Contains(strings.ToLower(d.Location), q) {
			return true
		}
		for _, a := range d.Aliases {
			if strings.Contains(strings.ToLower(a), q) {
				return true
			}
		}
		for _, k := range d.Keywords {
			if strings.Contains(strings.ToLower(k), q) {
				return true
			}
		}
		for _, c := range d.Capabilities {
			if strings.Contains(strings.ToLower(c.Name), q) {
				return true
			}
		}
		return false
	})
}

func (r *Registry) filter(pred func(*models.Device) bool) []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Device
	for _, d := range r.devices {
		if pred(d) {
			copy := *d
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterType installs a device-type definition, replacing any previous
// definition for the same type.
func (r *Registry) RegisterType(def *models.DeviceTypeDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[def.DeviceType] = def
}

// TypeDefinition returns the definition for a device type.
func (r *Registry) TypeDefinition(deviceType string) (*models.DeviceTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[deviceType]
	return def, ok
}

// ListTypes returns all registered device-type definitions sorted by type.
func (r *Registry) ListTypes() []*models.DeviceTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DeviceTypeDefinition, 0, len(r.types))
	for _, def := range r.types {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceType < out[j].DeviceType })
	return out
}

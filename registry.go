package fleetq

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/fleetq/internal/ring"
)

// DeviceStatus is the liveness state of a registered device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// DefaultRole is assigned to devices that register without one.
const DefaultRole = "worker"

// DefaultHistorySize bounds the in-memory heartbeat history.
const DefaultHistorySize = 1000

// Registration is the payload a device sends to join the cluster.
type Registration struct {
	DeviceID     string       `json:"device_id"`
	Role         string       `json:"role,omitempty"`
	Platform     string       `json:"platform,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	IPAddress    string       `json:"ip_address,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	Description  string       `json:"description,omitempty"`
}

// Device is the registry's record of one device.
type Device struct {
	ID               string         `json:"device_id"`
	Role             string         `json:"role"`
	Platform         string         `json:"platform"`
	Status           DeviceStatus   `json:"status"`
	Capabilities     Capabilities   `json:"capabilities"`
	IPAddress        string         `json:"ip_address,omitempty"`
	Hostname         string         `json:"hostname,omitempty"`
	Description      string         `json:"description,omitempty"`
	LastHeartbeat    time.Time      `json:"last_heartbeat"`
	RegistrationTime time.Time      `json:"registration_time"`
	LastUpdated      time.Time      `json:"last_updated"`
	LastMetrics      map[string]any `json:"last_metrics,omitempty"`
}

func (d *Device) clone() Device {
	c := *d
	c.Capabilities = d.Capabilities.Clone()
	c.LastMetrics = maps.Clone(d.LastMetrics)
	return c
}

// Heartbeat is one entry of the heartbeat history.
type Heartbeat struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// RegistryStats is a consistent view of the device population.
type RegistryStats struct {
	TotalDevices      int            `json:"total_devices"`
	OnlineDevices     int            `json:"online_devices"`
	OfflineDevices    int            `json:"offline_devices"`
	HealthPercentage  float64        `json:"health_percentage"`
	TotalCPUCores     int            `json:"total_cpu_cores"`
	TotalMemoryGB     float64        `json:"total_memory_gb"`
	TotalStorageGB    float64        `json:"total_storage_gb"`
	GPUDevices        int            `json:"gpu_devices"`
	DevicesByRole     map[string]int `json:"devices_by_role"`
	DevicesByPlatform map[string]int `json:"devices_by_platform"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// HistorySize bounds the heartbeat ring buffer. Default DefaultHistorySize.
	HistorySize int
	Logger      Logger
}

// Registry tracks devices and their liveness. One RWMutex guards the device
// map and the heartbeat history; queries return copies.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	history *ring.Buffer[Heartbeat]
	log     Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Registry{
		devices: make(map[string]*Device),
		history: ring.New[Heartbeat](size),
		log:     orDefault(cfg.Logger),
		now:     time.Now,
	}
}

// Register upserts a device. Re-registration keeps the original
// registration time; either way the device comes back online with a fresh
// heartbeat.
func (r *Registry) Register(reg Registration) error {
	id := strings.TrimSpace(reg.DeviceID)
	if id == "" {
		return fmt.Errorf("%w: missing device_id", ErrRegistration)
	}
	role := reg.Role
	if role == "" {
		role = DefaultRole
	}
	caps := reg.Capabilities.Clone()
	if reg.Platform != "" {
		caps.Platform = reg.Platform
	}
	platform := caps.Platform
	caps.Role = role

	now := r.now()
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		d = &Device{ID: id, RegistrationTime: now}
		r.devices[id] = d
	}
	d.Role = role
	d.Platform = platform
	d.Capabilities = caps
	d.IPAddress = reg.IPAddress
	d.Hostname = reg.Hostname
	d.Description = reg.Description
	d.Status = DeviceOnline
	d.LastHeartbeat = now
	d.LastUpdated = now
	r.mu.Unlock()

	if exists {
		r.log.Infof("device re-registered: id=%s role=%s platform=%s", id, role, platform)
	} else {
		r.log.Infof("device registered: id=%s role=%s platform=%s cpu=%d mem=%.1fGB", id, role, platform, caps.CPUCount, caps.MemoryTotalGB)
	}
	return nil
}

// Heartbeat refreshes liveness for a known device and records the metrics.
// It returns false for unknown devices.
func (r *Registry) Heartbeat(deviceID string, metrics map[string]any) bool {
	now := r.now()
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		r.log.Warnf("heartbeat from unknown device: id=%s", deviceID)
		return false
	}
	wasOffline := d.Status == DeviceOffline
	m := maps.Clone(metrics)
	d.LastHeartbeat = now
	d.LastUpdated = now
	d.Status = DeviceOnline
	if m != nil {
		d.LastMetrics = m
	}
	r.history.Push(Heartbeat{DeviceID: deviceID, Timestamp: now, Metrics: maps.Clone(m)})
	r.mu.Unlock()

	if wasOffline {
		r.log.Infof("device back online: id=%s", deviceID)
	}
	return true
}

// MarkOfflineDevices flips every online device whose last heartbeat is older
// than timeout to offline and returns how many changed.
func (r *Registry) MarkOfflineDevices(timeout time.Duration) int {
	cutoff := r.now().Add(-timeout)
	var stale []string
	r.mu.Lock()
	for id, d := range r.devices {
		if d.Status == DeviceOnline && d.LastHeartbeat.Before(cutoff) {
			d.Status = DeviceOffline
			d.LastUpdated = r.now()
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.log.Warnf("device offline: id=%s no heartbeat for %s", id, timeout)
	}
	return len(stale)
}

// Remove deletes a device and its heartbeat history.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
		r.history.Retain(func(h Heartbeat) bool { return h.DeviceID != deviceID })
	}
	r.mu.Unlock()
	if ok {
		r.log.Infof("device removed: id=%s", deviceID)
	}
	return ok
}

// Get returns a copy of one device.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// ListAll returns every device sorted by id.
func (r *Registry) ListAll() []Device {
	return r.list(func(*Device) bool { return true })
}

// ListOnline returns online devices, optionally restricted to one role.
func (r *Registry) ListOnline(role string) []Device {
	return r.list(func(d *Device) bool {
		return d.Status == DeviceOnline && (role == "" || d.Role == role)
	})
}

// ListByTag returns devices that carry tag.
func (r *Registry) ListByTag(tag string) []Device {
	return r.list(func(d *Device) bool { return slices.Contains(d.Capabilities.Tags, tag) })
}

// ListByCapability returns devices whose named capability list contains value.
// The kind "tags" searches Capabilities.Tags; any other kind searches Features.
func (r *Registry) ListByCapability(kind, value string) []Device {
	if kind == "tags" {
		return r.ListByTag(value)
	}
	return r.list(func(d *Device) bool { return slices.Contains(d.Capabilities.Features[kind], value) })
}

func (r *Registry) list(keep func(*Device) bool) []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, d.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecentHeartbeats returns up to limit heartbeats, newest first. An empty
// deviceID returns heartbeats of all devices.
func (r *Registry) RecentHeartbeats(deviceID string, limit int) []Heartbeat {
	r.mu.RLock()
	all := r.history.Items()
	r.mu.RUnlock()

	out := make([]Heartbeat, 0, min(len(all), max(limit, 0)))
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if deviceID == "" || all[i].DeviceID == deviceID {
			h := all[i]
			h.Metrics = maps.Clone(h.Metrics)
			out = append(out, h)
		}
	}
	return out
}

// Stats aggregates the device population inside one critical section.
func (r *Registry) Stats() RegistryStats {
	st := RegistryStats{
		DevicesByRole:     make(map[string]int),
		DevicesByPlatform: make(map[string]int),
	}
	r.mu.RLock()
	for _, d := range r.devices {
		st.TotalDevices++
		st.DevicesByRole[d.Role]++
		st.DevicesByPlatform[d.Platform]++
		if d.Status != DeviceOnline {
			continue
		}
		st.OnlineDevices++
		st.TotalCPUCores += d.Capabilities.CPUCount
		st.TotalMemoryGB += d.Capabilities.MemoryTotalGB
		st.TotalStorageGB += d.Capabilities.StorageTotalGB
		if d.Capabilities.HasGPU {
			st.GPUDevices++
		}
	}
	r.mu.RUnlock()
	st.OfflineDevices = st.TotalDevices - st.OnlineDevices
	if st.TotalDevices > 0 {
		st.HealthPercentage = float64(st.OnlineDevices) / float64(st.TotalDevices) * 100
	}
	return st
}

// RegistrySnapshot is the persisted form of the registry.
type RegistrySnapshot struct {
	Devices    []Device    `json:"devices"`
	Heartbeats []Heartbeat `json:"heartbeats"`
	SavedAt    time.Time   `json:"saved_at"`
}

// Snapshot captures every device and the last heartbeats entries of history
// (oldest first). heartbeats <= 0 keeps the whole history.
func (r *Registry) Snapshot(heartbeats int) RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RegistrySnapshot{SavedAt: r.now()}
	for _, d := range r.devices {
		s.Devices = append(s.Devices, d.clone())
	}
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].ID < s.Devices[j].ID })
	if heartbeats > 0 {
		s.Heartbeats = r.history.Last(heartbeats)
	} else {
		s.Heartbeats = r.history.Items()
	}
	return s
}

// Restore replaces the registry contents with s. Device statuses are kept as
// saved; the next offline sweep corrects stale ones.
func (r *Registry) Restore(s RegistrySnapshot) {
	r.mu.Lock()
	r.devices = make(map[string]*Device, len(s.Devices))
	for i := range s.Devices {
		d := s.Devices[i].clone()
		if d.ID == "" {
			continue
		}
		r.devices[d.ID] = &d
	}
	r.history = ring.New[Heartbeat](r.history.Cap())
	for _, h := range s.Heartbeats {
		r.history.Push(h)
	}
	n := len(r.devices)
	r.mu.Unlock()
	r.log.Infof("registry restored: devices=%d heartbeats=%d saved_at=%s", n, len(s.Heartbeats), s.SavedAt.Format(time.RFC3339))
}

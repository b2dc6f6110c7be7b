package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/DoubleLatte/ntp/models"
)

// DefaultStaleAfter is how long a device stays online in the registry
// without being seen again.
const DefaultStaleAfter = 45 * time.Second

// Registry tracks devices seen on the LAN, keyed by advertised name.
//
// The first address seen for a name wins: a later sighting of the same name
// from a different address is ignored, so a spoofed announcement cannot
// displace a device that is already present. Sightings from the bound
// address refresh the entry's liveness and advertised fields.
type Registry struct {
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	devices map[string]registryEntry
}

type registryEntry struct {
	device   models.Device
	lastSeen time.Time
}

// NewRegistry creates a registry. A staleAfter of zero uses DefaultStaleAfter.
func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{
		staleAfter: staleAfter,
		now:        time.Now,
		devices:    make(map[string]registryEntry),
	}
}

// Observe records a sighting. It returns true when the sighting was applied
// and false when it was dropped because the name is already bound to a
// different address. A repeat sighting from the bound address refreshes
// lastSeen and the advertised fields (the version is kept when the new
// sighting omits it).
func (r *Registry) Observe(device models.Device) bool {
	if device.Name == "" || device.Address == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, seen := r.devices[device.Name]
	if seen && existing.device.Address != device.Address {
		return false
	}

	if device.AdvertisedVersion == "" && seen {
		device.AdvertisedVersion = existing.device.AdvertisedVersion
	}
	device.Status = models.StatusOnline
	r.devices[device.Name] = registryEntry{device: device, lastSeen: r.now()}
	return true
}

// Lookup returns the registered device for a name.
func (r *Registry) Lookup(name string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.devices[name]
	if !ok {
		return models.Device{}, false
	}
	return r.deviceWithStatus(entry), true
}

// LookupByAddress returns the registered device for an address.
func (r *Registry) LookupByAddress(address string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.devices {
		if entry.device.Address == address {
			return r.deviceWithStatus(entry), true
		}
	}
	return models.Device{}, false
}

// Snapshot returns all known devices ordered by name. Devices not seen
// within the stale window are reported offline rather than dropped.
func (r *Registry) Snapshot() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Device, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, r.deviceWithStatus(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) deviceWithStatus(entry registryEntry) models.Device {
	device := entry.device
	if r.now().Sub(entry.lastSeen) > r.staleAfter {
		device.Status = models.StatusOffline
	}
	return device
}

package discovery

import (
	"testing"
	"time"

	"github.com/DoubleLatte/ntp/models"
)

func TestRegistryFirstSeenWins(t *testing.T) {
	registry := NewRegistry(time.Minute)

	if !registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000}) {
		t.Fatalf("expected first sighting to be applied")
	}
	if registry.Observe(models.Device{Name: "desk", Address: "10.0.0.99", Port: 8000}) {
		t.Fatalf("expected conflicting address to be dropped")
	}

	device, ok := registry.Lookup("desk")
	if !ok {
		t.Fatalf("expected device to be registered")
	}
	if device.Address != "10.0.0.2" {
		t.Fatalf("got address %q want 10.0.0.2", device.Address)
	}
}

func TestRegistryRepeatSightingRefreshesMetadata(t *testing.T) {
	registry := NewRegistry(time.Minute)

	registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000, AdvertisedVersion: "1.0.0"})
	if !registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000, AdvertisedVersion: "1.1.0"}) {
		t.Fatalf("expected same-address sighting to be applied")
	}

	device, _ := registry.Lookup("desk")
	if device.AdvertisedVersion != "1.1.0" {
		t.Fatalf("got version %q want 1.1.0", device.AdvertisedVersion)
	}

	// A sighting without a version keeps the last known one.
	registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000})
	device, _ = registry.Lookup("desk")
	if device.AdvertisedVersion != "1.1.0" {
		t.Fatalf("version lost on bare sighting: %q", device.AdvertisedVersion)
	}
}

func TestRegistrySnapshotMarksStaleDevicesOffline(t *testing.T) {
	registry := NewRegistry(30 * time.Second)

	current := time.Unix(1_700_000_000, 0)
	registry.now = func() time.Time { return current }

	registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000})
	current = current.Add(10 * time.Second)
	registry.Observe(models.Device{Name: "laptop", Address: "10.0.0.3", Port: 8000})

	current = current.Add(25 * time.Second)
	snapshot := registry.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("got %d devices want 2", len(snapshot))
	}
	if snapshot[0].Name != "desk" || snapshot[0].Status != models.StatusOffline {
		t.Fatalf("expected stale desk to be offline, got %+v", snapshot[0])
	}
	if snapshot[1].Name != "laptop" || snapshot[1].Status != models.StatusOnline {
		t.Fatalf("expected fresh laptop to be online, got %+v", snapshot[1])
	}
}

func TestRegistryLookupByAddress(t *testing.T) {
	registry := NewRegistry(time.Minute)

	registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000})

	device, ok := registry.LookupByAddress("10.0.0.2")
	if !ok || device.Name != "desk" {
		t.Fatalf("lookup by address failed: %v %+v", ok, device)
	}
	if _, ok := registry.LookupByAddress("10.0.0.50"); ok {
		t.Fatalf("expected unknown address to miss")
	}
}

func TestRegistryRejectsIncompleteSightings(t *testing.T) {
	registry := NewRegistry(time.Minute)

	if registry.Observe(models.Device{Address: "10.0.0.2"}) {
		t.Fatalf("expected sighting without name to be dropped")
	}
	if registry.Observe(models.Device{Name: "desk"}) {
		t.Fatalf("expected sighting without address to be dropped")
	}
	if len(registry.Snapshot()) != 0 {
		t.Fatalf("expected empty registry")
	}
}

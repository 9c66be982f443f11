package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

const devicePrefix = "devices"

// DeviceCollection is the tenant-scoped collection of device records,
// kept in memory and written through to the backing store.
type DeviceCollection struct {
	store interfaces.Store
	log   *slog.Logger

	mu      sync.RWMutex
	devices map[string]*interfaces.Device
}

// NewDeviceCollection creates a collection over the given store. Call Load
// before use.
func NewDeviceCollection(store interfaces.Store, log *slog.Logger) *DeviceCollection {
	return &DeviceCollection{
		store:   store,
		log:     log,
		devices: make(map[string]*interfaces.Device),
	}
}

// Load reads every persisted device record.
func (c *DeviceCollection) Load(ctx context.Context) error {
	keys, err := c.store.List(ctx, devicePrefix+"/")
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.devices = make(map[string]*interfaces.Device, len(keys))
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("loading device %s: %w", key, err)
		}
		var device interfaces.Device
		if err := json.Unmarshal(data, &device); err != nil {
			return fmt.Errorf("decoding device %s: %w", key, err)
		}
		c.devices[device.ID] = &device
	}

	c.log.Info("Loaded devices", slog.Int("count", len(c.devices)))
	return nil
}

// Insert adds a new device record. A missing ID is generated; a missing
// tenant defaults to the scope's tenant. Returns the device ID.
func (c *DeviceCollection) Insert(ctx context.Context, scope interfaces.Scope, device *interfaces.Device) (string, error) {
	stored := device.Copy()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Tenant == "" {
		stored.Tenant = scope.Tenant
	}
	if !scopeCoversWrite(scope, stored.Tenant) {
		return "", fmt.Errorf("%w: device %s", interfaces.ErrTenantMismatch, stored.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[stored.ID]; ok {
		return "", fmt.Errorf("%w: device %s", interfaces.ErrAlreadyExists, stored.ID)
	}
	if err := c.persist(ctx, stored); err != nil {
		return "", err
	}
	c.devices[stored.ID] = stored

	c.log.Info("Inserted device",
		slog.String("id", stored.ID),
		slog.String("mac", stored.Identity.MAC),
		slog.String("tenant", stored.Tenant))
	return stored.ID, nil
}

// Update replaces an existing device record.
func (c *DeviceCollection) Update(ctx context.Context, scope interfaces.Scope, device *interfaces.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.devices[device.ID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrDeviceNotFound, device.ID)
	}
	if !scopeCoversWrite(scope, old.Tenant) {
		return fmt.Errorf("%w: device %s", interfaces.ErrTenantMismatch, device.ID)
	}

	stored := device.Copy()
	if stored.Tenant == "" {
		stored.Tenant = old.Tenant
	}
	if err := c.persist(ctx, stored); err != nil {
		return err
	}
	c.devices[stored.ID] = stored
	return nil
}

// Delete removes a device record. Cleaning up the device's transient
// config document is the caller's concern.
func (c *DeviceCollection) Delete(ctx context.Context, scope interfaces.Scope, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	device, ok := c.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrDeviceNotFound, id)
	}
	if !scopeCoversWrite(scope, device.Tenant) {
		return fmt.Errorf("%w: device %s", interfaces.ErrTenantMismatch, id)
	}

	if err := c.store.Delete(ctx, deviceKey(id)); err != nil {
		return err
	}
	delete(c.devices, id)

	c.log.Info("Deleted device", slog.String("id", id))
	return nil
}

// Get returns the device with the given ID within the scope.
func (c *DeviceCollection) Get(ctx context.Context, scope interfaces.Scope, id string) (*interfaces.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	device, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDeviceNotFound, id)
	}
	if !scope.Covers(device.Tenant) {
		return nil, fmt.Errorf("%w: device %s", interfaces.ErrTenantMismatch, id)
	}
	return device.Copy(), nil
}

// List returns the devices visible to the scope, ordered by ID.
func (c *DeviceCollection) List(ctx context.Context, scope interfaces.Scope) []*interfaces.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*interfaces.Device
	for _, device := range c.devices {
		if scope.Recurse || device.Tenant == scope.Tenant {
			out = append(out, device.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByIdentity returns the device matching the fingerprint, or nil.
// Lookup precedence: MAC address, then serial number, then the
// vendor/model/IP combination; the strong identifiers are unambiguous,
// the weak ones only match when they select exactly one candidate.
func (c *DeviceCollection) FindByIdentity(ctx context.Context, scope interfaces.Scope, identity interfaces.DeviceIdentity) *interfaces.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if identity.MAC != "" {
		if device := c.findOneLocked(scope, func(d *interfaces.Device) bool {
			return d.Identity.MAC == identity.MAC
		}); device != nil {
			return device
		}
	}
	if identity.SerialNumber != "" {
		if device := c.findOneLocked(scope, func(d *interfaces.Device) bool {
			return d.Identity.SerialNumber == identity.SerialNumber
		}); device != nil {
			return device
		}
	}
	if identity.IP == "" {
		return nil
	}

	// Weak match: same IP, and no conflicting vendor or model. More than
	// one candidate is ambiguous and treated as no match.
	var candidates []*interfaces.Device
	for _, device := range c.devices {
		if !scope.Covers(device.Tenant) || device.Identity.IP != identity.IP {
			continue
		}
		if conflicting(device.Identity.Vendor, identity.Vendor) ||
			conflicting(device.Identity.Model, identity.Model) {
			continue
		}
		candidates = append(candidates, device)
	}
	if len(candidates) == 1 {
		return candidates[0].Copy()
	}
	if len(candidates) > 1 {
		c.log.Warn("Multiple devices match IP fingerprint",
			slog.String("ip", identity.IP),
			slog.Int("candidates", len(candidates)))
	}
	return nil
}

func (c *DeviceCollection) findOneLocked(scope interfaces.Scope, match func(*interfaces.Device) bool) *interfaces.Device {
	for _, device := range c.devices {
		if scope.Covers(device.Tenant) && match(device) {
			return device.Copy()
		}
	}
	return nil
}

// CountByConfig returns how many devices reference the given config
// document.
func (c *DeviceCollection) CountByConfig(configID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, device := range c.devices {
		if device.ConfigID == configID {
			count++
		}
	}
	return count
}

// FindByPlugin returns the IDs of devices assigned to the given plugin.
func (c *DeviceCollection) FindByPlugin(pluginID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, device := range c.devices {
		if device.PluginID == pluginID {
			ids = append(ids, device.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// FindByConfigIn returns the IDs of devices whose config document is in
// the given set.
func (c *DeviceCollection) FindByConfigIn(configIDs map[string]struct{}) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, device := range c.devices {
		if _, ok := configIDs[device.ConfigID]; ok {
			ids = append(ids, device.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *DeviceCollection) persist(ctx context.Context, device *interfaces.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encoding device %s: %w", device.ID, err)
	}
	return c.store.Put(ctx, deviceKey(device.ID), data)
}

func deviceKey(id string) string {
	return devicePrefix + "/" + id
}

func conflicting(a, b string) bool {
	return a != "" && b != "" && a != b
}

// Package identifier maps an incoming provisioning request to a device
// record and the plugin responsible for it.
//
// Identification proceeds in two steps. The device fingerprint carried by the
// request (mac, serial number, then vendor-filtered ip) is looked up in the
// device collection first; a known device keeps its stored plugin. Unknown
// fingerprints fall through to the plugin rule match, and a match may
// autocreate the device record together with a transient per-device config
// document chained to the autocreate-role document.
package identifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/provlab/phone-provisioning-backend/interfaces"
	"github.com/provlab/phone-provisioning-backend/metrics"
	"github.com/provlab/phone-provisioning-backend/registry"
	"github.com/provlab/phone-provisioning-backend/storage"
)

// Identifier resolves requests to (device, plugin) pairs.
type Identifier struct {
	devices   *storage.DeviceCollection
	documents *storage.DocumentCollection
	registry  *registry.PluginRegistry
	metrics   *metrics.Metrics
	log       *slog.Logger

	// creates serializes lookup and autocreation per fingerprint, so a
	// retransmission burst from an unrecognized phone yields one device
	// record instead of one per request.
	creates singleflight.Group
}

// New creates an Identifier over the given collections and plugin registry.
func New(devices *storage.DeviceCollection, documents *storage.DocumentCollection, registry *registry.PluginRegistry, m *metrics.Metrics, log *slog.Logger) *Identifier {
	return &Identifier{
		devices:   devices,
		documents: documents,
		registry:  registry,
		metrics:   m,
		log:       log,
	}
}

// Identify returns the device record and plugin descriptor for a request.
//
// A device already known by fingerprint uses its stored plugin; if that
// plugin has been uninstalled the request fails with ErrPluginUnavailable
// rather than guessing a replacement. A known device without a plugin picks
// one up from the first matching identification rule.
//
// An unknown fingerprint is autocreated when an autocreate-role document
// exists for the request's tenant: the new device gets a fresh transient
// config document chained to the autocreate document and is_new set. Without
// a matching plugin the autocreated device is not yet provisionable and the
// request still fails with ErrUnknownDevice.
func (i *Identifier) Identify(ctx context.Context, req interfaces.Request) (*interfaces.Device, interfaces.PluginDescriptor, error) {
	scope := interfaces.Scope{Tenant: req.TenantOrDefault(), Recurse: true}
	identity := req.Identity()

	device := i.devices.FindByIdentity(ctx, scope, identity)
	if device == nil {
		created, err := i.findOrCreate(ctx, scope, req, identity)
		if err != nil {
			return nil, interfaces.PluginDescriptor{}, err
		}
		device = created
	} else {
		i.refreshIdentity(ctx, scope, device, identity)
	}

	if device.PluginID != "" {
		plugin, err := i.registry.Get(device.PluginID)
		if err != nil {
			return nil, interfaces.PluginDescriptor{}, fmt.Errorf("device %s plugin %s: %w", device.ID, device.PluginID, interfaces.ErrPluginUnavailable)
		}
		return device, plugin, nil
	}

	plugin, ok := i.registry.Match(req)
	if !ok {
		return nil, interfaces.PluginDescriptor{}, fmt.Errorf("device %s: %w", device.ID, interfaces.ErrUnknownDevice)
	}
	device.PluginID = plugin.ID
	if err := i.devices.Update(ctx, scope, device); err != nil {
		return nil, interfaces.PluginDescriptor{}, fmt.Errorf("associating plugin %s with device %s: %w", plugin.ID, device.ID, err)
	}
	i.log.Info("associated plugin with device",
		slog.String("device", device.ID),
		slog.String("plugin", plugin.ID))
	return device, plugin, nil
}

// findOrCreate resolves an unrecognized fingerprint to a device record,
// autocreating one when needed. Concurrent requests for the same
// fingerprint coalesce onto a single lookup and creation, and the creation
// outlives the leading request's cancellation so coalesced waiters still
// get the record.
func (i *Identifier) findOrCreate(ctx context.Context, scope interfaces.Scope, req interfaces.Request, identity interfaces.DeviceIdentity) (*interfaces.Device, error) {
	v, err, _ := i.creates.Do(createKey(scope.Tenant, identity), func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		if existing := i.devices.FindByIdentity(flightCtx, scope, identity); existing != nil {
			return existing, nil
		}
		plugin, _ := i.registry.Match(req)
		return i.autocreate(flightCtx, scope, req, identity, plugin.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*interfaces.Device).Copy(), nil
}

// createKey derives the coalescing key for a fingerprint: the strongest
// identifier present, scoped by tenant.
func createKey(tenant string, identity interfaces.DeviceIdentity) string {
	key := identity.MAC
	if key == "" {
		key = identity.SerialNumber
	}
	if key == "" {
		key = identity.IP
	}
	return tenant + "\x00" + key
}

// refreshIdentity keeps the mutable fingerprint fields of a known device in
// sync with what the phone last reported. Refresh failures are logged and
// otherwise ignored; the stale record still identifies the device.
func (i *Identifier) refreshIdentity(ctx context.Context, scope interfaces.Scope, device *interfaces.Device, identity interfaces.DeviceIdentity) {
	changed := false
	if identity.IP != "" && identity.IP != device.Identity.IP {
		device.Identity.IP = identity.IP
		changed = true
	}
	if identity.Vendor != "" && identity.Vendor != device.Identity.Vendor {
		device.Identity.Vendor = identity.Vendor
		changed = true
	}
	if identity.Model != "" && identity.Model != device.Identity.Model {
		device.Identity.Model = identity.Model
		changed = true
	}
	if identity.SerialNumber != "" && device.Identity.SerialNumber == "" {
		device.Identity.SerialNumber = identity.SerialNumber
		changed = true
	}
	if !changed {
		return
	}
	if err := i.devices.Update(ctx, scope, device); err != nil {
		i.log.Warn("failed to refresh device identity", slog.String("device", device.ID), "err", err)
	}
}

// autocreate synthesizes a device record for an unrecognized fingerprint.
// It requires an autocreate-role document visible to the request's tenant;
// without one the request fails with ErrUnknownDevice and nothing is created.
func (i *Identifier) autocreate(ctx context.Context, scope interfaces.Scope, req interfaces.Request, identity interfaces.DeviceIdentity, pluginID string) (*interfaces.Device, error) {
	autocreateDoc := i.documents.FindByKind(ctx, scope, interfaces.KindAutocreate)
	if autocreateDoc == nil {
		return nil, fmt.Errorf("no autocreate document for tenant %s: %w", scope.Tenant, interfaces.ErrUnknownDevice)
	}

	configID := autocreateConfigID(autocreateDoc.ID)
	configDoc := &interfaces.ConfigDocument{
		ID:        configID,
		Kind:      interfaces.KindDevice,
		ParentIDs: []string{autocreateDoc.ID},
		RawConfig: interfaces.RawConfig{},
		Deletable: true,
		Transient: true,
		Tenant:    scope.Tenant,
	}
	if _, err := i.documents.Insert(ctx, scope, configDoc); err != nil {
		return nil, fmt.Errorf("creating autocreate config for %s: %w", identity.MAC, err)
	}

	device := &interfaces.Device{
		ID:       uuid.NewString(),
		Identity: identity,
		ConfigID: configID,
		PluginID: pluginID,
		IsNew:    true,
		Tenant:   scope.Tenant,
		AddedBy:  "autocreate",
	}
	if _, err := i.devices.Insert(ctx, scope, device); err != nil {
		if derr := i.documents.DeleteTransient(ctx, configID); derr != nil {
			i.log.Warn("failed to clean up autocreate config", slog.String("config", configID), "err", derr)
		}
		return nil, fmt.Errorf("autocreating device %s: %w", identity.MAC, err)
	}

	i.metrics.DevicesAutocreated.Inc()
	i.log.Info("autocreated device",
		slog.String("device", device.ID),
		slog.String("mac", identity.MAC),
		slog.String("config", configID),
		slog.String("plugin", pluginID),
		slog.String("tenant", scope.Tenant))
	return device, nil
}

// autocreateConfigID derives a fresh per-device config document ID from the
// autocreate document it chains to.
func autocreateConfigID(autocreateID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return autocreateID + "-" + suffix
}

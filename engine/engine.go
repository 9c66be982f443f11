// Package engine orchestrates provisioning requests: identify the device,
// resolve its effective configuration, and render the requested file through
// the responsible plugin.
//
// Rendered artifacts are cached per (device, configuration hash, plugin,
// file). Concurrent requests for the same key coalesce onto a single render,
// and any write touching a document, device, or plugin eagerly drops the
// affected entries. The engine is also the application layer the management
// API goes through, so every mutation path performs its own invalidation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/provlab/phone-provisioning-backend/identifier"
	"github.com/provlab/phone-provisioning-backend/interfaces"
	"github.com/provlab/phone-provisioning-backend/metrics"
	"github.com/provlab/phone-provisioning-backend/registry"
	"github.com/provlab/phone-provisioning-backend/resolver"
	"github.com/provlab/phone-provisioning-backend/storage"
)

type cacheKey struct {
	deviceID   string
	configHash string
	pluginID   string
	file       string
}

type cacheEntry struct {
	content     []byte
	contentType string
}

// Engine wires the resolver, identifier, and plugin registry behind a single
// request entry point plus the CRUD surface the management API uses.
type Engine struct {
	documents *storage.DocumentCollection
	devices   *storage.DeviceCollection
	resolver  *resolver.Resolver
	ident     *identifier.Identifier
	registry  *registry.PluginRegistry
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu     sync.RWMutex
	cache  map[string]map[cacheKey]cacheEntry
	flight singleflight.Group
}

// New creates an Engine and subscribes it to plugin uninstall notifications
// so cached artifacts of affected devices are dropped.
func New(documents *storage.DocumentCollection, devices *storage.DeviceCollection, res *resolver.Resolver, ident *identifier.Identifier, reg *registry.PluginRegistry, m *metrics.Metrics, log *slog.Logger) *Engine {
	e := &Engine{
		documents: documents,
		devices:   devices,
		resolver:  res,
		ident:     ident,
		registry:  reg,
		metrics:   m,
		log:       log,
		cache:     make(map[string]map[cacheKey]cacheEntry),
	}
	reg.OnUninstall(e.pluginUninstalled)
	return e
}

// Handle processes one provisioning request end to end. Requests for paths
// the plugin does not serve return StatusNotFound without an error; all other
// failures are reported through the error for transport-level status mapping.
func (e *Engine) Handle(ctx context.Context, req interfaces.Request) (interfaces.Response, error) {
	resp, err := e.handle(ctx, req)
	e.metrics.RequestsTotal.WithLabelValues(string(req.Transport), requestOutcome(resp, err)).Inc()
	return resp, err
}

func (e *Engine) handle(ctx context.Context, req interfaces.Request) (interfaces.Response, error) {
	if req.Transport == interfaces.TransportDHCP {
		return e.handleDHCPInfo(ctx, req)
	}

	device, plugin, err := e.ident.Identify(ctx, req)
	if err != nil {
		return interfaces.Response{}, err
	}

	file, ok := plugin.Files(req.RequestedPath, *device)
	if !ok {
		e.log.Debug("no served file for path",
			slog.String("device", device.ID),
			slog.String("plugin", plugin.ID),
			slog.String("path", req.RequestedPath))
		return interfaces.Response{Status: interfaces.StatusNotFound}, nil
	}
	if file.Static != nil {
		return interfaces.Response{
			Status:       interfaces.StatusOK,
			ContentBytes: file.Static,
			ContentType:  file.ContentType,
		}, nil
	}

	configID := device.ConfigID
	if configID == "" {
		scope := interfaces.Scope{Tenant: device.Tenant, Recurse: true}
		defaultDoc := e.documents.FindByKind(ctx, scope, interfaces.KindTemplateDefault)
		if defaultDoc == nil {
			return interfaces.Response{}, fmt.Errorf("device %s has no config and no default template exists: %w", device.ID, interfaces.ErrConfigNotFound)
		}
		configID = defaultDoc.ID
	}

	cfg, err := e.resolver.Resolve(ctx, configID)
	if err != nil {
		return interfaces.Response{}, fmt.Errorf("device %s: %w", device.ID, err)
	}

	key := cacheKey{deviceID: device.ID, configHash: cfg.Hash, pluginID: plugin.ID, file: file.Name}
	if entry, ok := e.cacheGet(key); ok {
		e.metrics.CacheHits.Inc()
		return interfaces.Response{
			Status:       interfaces.StatusOK,
			ContentBytes: entry.content,
			ContentType:  entry.contentType,
		}, nil
	}

	entry, err := e.renderCoalesced(ctx, key, file, *device, cfg)
	if err != nil {
		return interfaces.Response{}, err
	}
	return interfaces.Response{
		Status:       interfaces.StatusOK,
		ContentBytes: entry.content,
		ContentType:  entry.contentType,
	}, nil
}

// handleDHCPInfo records the identity carried by a DHCP exchange. No bytes
// are served; a device that cannot be matched to a plugin is still captured
// for later association.
func (e *Engine) handleDHCPInfo(ctx context.Context, req interfaces.Request) (interfaces.Response, error) {
	_, _, err := e.ident.Identify(ctx, req)
	if err != nil && !errors.Is(err, interfaces.ErrUnknownDevice) && !errors.Is(err, interfaces.ErrPluginUnavailable) {
		return interfaces.Response{}, err
	}
	return interfaces.Response{Status: interfaces.StatusOK}, nil
}

// renderCoalesced runs the render for a cache key, coalescing concurrent
// callers onto one execution. The render itself is detached from the
// caller's context: waiters for the shared result may outlive the request
// that started it.
func (e *Engine) renderCoalesced(ctx context.Context, key cacheKey, file interfaces.ServedFile, device interfaces.Device, cfg interfaces.EffectiveConfig) (cacheEntry, error) {
	flightKey := key.deviceID + "\x00" + key.configHash + "\x00" + key.pluginID + "\x00" + key.file
	result, err, _ := e.flight.Do(flightKey, func() (any, error) {
		if entry, ok := e.cacheGet(key); ok {
			e.metrics.CacheHits.Inc()
			return entry, nil
		}

		render := file.Render
		if render == nil {
			render = func(d interfaces.Device, c interfaces.EffectiveConfig) ([]byte, error) {
				return nil, fmt.Errorf("file %s has no renderer: %w", file.Name, interfaces.ErrRenderFailed)
			}
		}

		e.metrics.RendersTotal.Inc()
		content, err := render(device, cfg)
		if err != nil {
			e.metrics.RenderFailures.Inc()
			if !errors.Is(err, interfaces.ErrRenderFailed) {
				err = fmt.Errorf("%w: %s for device %s: %s", interfaces.ErrRenderFailed, file.Name, device.ID, err)
			}
			return cacheEntry{}, err
		}

		entry := cacheEntry{content: content, contentType: file.ContentType}
		e.cachePut(key, entry)
		e.markProvisioned(context.WithoutCancel(ctx), device)
		return entry, nil
	})
	if err != nil {
		return cacheEntry{}, err
	}
	return result.(cacheEntry), nil
}

// markProvisioned flips is_new after the first successful render. Failure to
// persist the flip is logged; the next successful render retries it.
func (e *Engine) markProvisioned(ctx context.Context, device interfaces.Device) {
	if !device.IsNew {
		return
	}
	current, err := e.devices.Get(ctx, interfaces.SystemScope, device.ID)
	if err != nil || !current.IsNew {
		return
	}
	current.IsNew = false
	if err := e.devices.Update(ctx, interfaces.SystemScope, current); err != nil {
		e.log.Warn("failed to clear is_new", slog.String("device", device.ID), "err", err)
	}
}

func (e *Engine) cacheGet(key cacheKey) (cacheEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[key.deviceID][key]
	return entry, ok
}

func (e *Engine) cachePut(key cacheKey, entry cacheEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byDevice, ok := e.cache[key.deviceID]
	if !ok {
		byDevice = make(map[cacheKey]cacheEntry)
		e.cache[key.deviceID] = byDevice
	}
	byDevice[key] = entry
}

// InvalidateDevice drops every cached artifact for a device.
func (e *Engine) InvalidateDevice(deviceID string) {
	e.mu.Lock()
	dropped := len(e.cache[deviceID])
	delete(e.cache, deviceID)
	e.mu.Unlock()

	if dropped > 0 {
		e.metrics.CacheInvalidations.Add(float64(dropped))
		e.log.Debug("invalidated render cache", slog.String("device", deviceID), slog.Int("entries", dropped))
	}
}

// documentTouched invalidates the cache of every device whose config chain
// reaches the written document.
func (e *Engine) documentTouched(id string) {
	affected := e.documents.Descendants(id)
	affected[id] = struct{}{}
	for _, deviceID := range e.devices.FindByConfigIn(affected) {
		e.InvalidateDevice(deviceID)
	}
}

// pluginUninstalled runs on registry uninstall notifications.
func (e *Engine) pluginUninstalled(pluginID string) {
	for _, deviceID := range e.devices.FindByPlugin(pluginID) {
		e.InvalidateDevice(deviceID)
	}
}

func requestOutcome(resp interfaces.Response, err error) string {
	switch {
	case err != nil:
		return "error"
	case resp.Status == interfaces.StatusNotFound:
		return "not_found"
	default:
		return "ok"
	}
}

// Package registry maintains the set of installed provisioning plugins.
//
// A plugin bundles device identification rules, a renderer, and the file map
// a device family requests during provisioning. The registry keeps plugins in
// installation order so identification walks them deterministically, and it
// notifies observers when a plugin is removed so cached artifacts derived from
// it can be dropped.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// UninstallObserver is invoked after a plugin has been removed from the
// registry. It runs synchronously under no registry lock.
type UninstallObserver func(pluginID string)

// PluginRegistry holds installed plugin descriptors keyed by ID, preserving
// installation order for rule matching.
type PluginRegistry struct {
	mu        sync.RWMutex
	plugins   map[string]interfaces.PluginDescriptor
	order     []string
	observers []UninstallObserver

	log *slog.Logger
}

// NewPluginRegistry returns an empty registry.
func NewPluginRegistry(log *slog.Logger) *PluginRegistry {
	return &PluginRegistry{
		plugins: make(map[string]interfaces.PluginDescriptor),
		log:     log,
	}
}

// OnUninstall registers an observer called whenever a plugin is uninstalled.
// Observers must be registered before the registry is shared across
// goroutines.
func (r *PluginRegistry) OnUninstall(fn UninstallObserver) {
	r.observers = append(r.observers, fn)
}

// Install validates and adds a plugin descriptor. Installing an already
// present ID returns interfaces.ErrAlreadyExists; reinstalling requires an
// explicit Uninstall first so observers see the old version go away.
func (r *PluginRegistry) Install(plugin interfaces.PluginDescriptor) error {
	if err := plugin.Validate(); err != nil {
		return fmt.Errorf("invalid plugin %s: %w", plugin.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[plugin.ID]; ok {
		return fmt.Errorf("plugin %s: %w", plugin.ID, interfaces.ErrAlreadyExists)
	}

	r.plugins[plugin.ID] = plugin
	r.order = append(r.order, plugin.ID)
	r.log.Info("plugin installed", slog.String("plugin", plugin.ID), slog.String("version", plugin.Version))
	return nil
}

// Uninstall removes a plugin and notifies observers. Removing an unknown ID
// returns interfaces.ErrPluginNotFound.
func (r *PluginRegistry) Uninstall(pluginID string) error {
	r.mu.Lock()
	if _, ok := r.plugins[pluginID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s: %w", pluginID, interfaces.ErrPluginNotFound)
	}

	delete(r.plugins, pluginID)
	for i, id := range r.order {
		if id == pluginID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	observers := r.observers
	r.mu.Unlock()

	r.log.Info("plugin uninstalled", slog.String("plugin", pluginID))
	for _, fn := range observers {
		fn(pluginID)
	}
	return nil
}

// Get returns the descriptor for pluginID, or interfaces.ErrPluginNotFound.
func (r *PluginRegistry) Get(pluginID string) (interfaces.PluginDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugin, ok := r.plugins[pluginID]
	if !ok {
		return interfaces.PluginDescriptor{}, fmt.Errorf("plugin %s: %w", pluginID, interfaces.ErrPluginNotFound)
	}
	return plugin, nil
}

// List returns installed descriptors in installation order.
func (r *PluginRegistry) List() []interfaces.PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.PluginDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}

// Match walks installed plugins in installation order and returns the first
// whose identification rules accept the request.
func (r *PluginRegistry) Match(req interfaces.Request) (interfaces.PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		plugin := r.plugins[id]
		if plugin.MatchesRequest(req) {
			return plugin, true
		}
	}
	return interfaces.PluginDescriptor{}, false
}

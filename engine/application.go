package engine

import (
	"context"
	"log/slog"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// The methods below are the mutation surface the management API goes
// through. Routing writes through the engine keeps render-cache invalidation
// and transient-document cleanup in one place.

// InsertDocument stores a new config document.
func (e *Engine) InsertDocument(ctx context.Context, scope interfaces.Scope, doc *interfaces.ConfigDocument) (string, error) {
	id, err := e.documents.Insert(ctx, scope, doc)
	if err != nil {
		return "", err
	}
	e.documentTouched(id)
	return id, nil
}

// UpdateDocument replaces a config document and invalidates every device
// whose config chain reaches it.
func (e *Engine) UpdateDocument(ctx context.Context, scope interfaces.Scope, doc *interfaces.ConfigDocument) error {
	// Devices chained through parents the update removes still need their
	// cache dropped, so collect descendants before and after.
	e.documentTouched(doc.ID)
	if err := e.documents.Update(ctx, scope, doc); err != nil {
		return err
	}
	e.documentTouched(doc.ID)
	return nil
}

// DeleteDocument removes a config document.
func (e *Engine) DeleteDocument(ctx context.Context, scope interfaces.Scope, id string) error {
	e.documentTouched(id)
	return e.documents.Delete(ctx, scope, id)
}

// GetDocument returns one config document within the scope.
func (e *Engine) GetDocument(ctx context.Context, scope interfaces.Scope, id string) (*interfaces.ConfigDocument, error) {
	return e.documents.Get(ctx, scope, id)
}

// ListDocuments returns the config documents visible to the scope.
func (e *Engine) ListDocuments(ctx context.Context, scope interfaces.Scope) []*interfaces.ConfigDocument {
	return e.documents.List(ctx, scope)
}

// ResolveDocument returns the effective configuration of a document. Exposed
// so operators can inspect what a device would receive.
func (e *Engine) ResolveDocument(ctx context.Context, scope interfaces.Scope, id string) (interfaces.EffectiveConfig, error) {
	if _, err := e.documents.Get(ctx, scope, id); err != nil {
		return interfaces.EffectiveConfig{}, err
	}
	return e.resolver.Resolve(ctx, id)
}

// InsertDevice stores a new device record.
func (e *Engine) InsertDevice(ctx context.Context, scope interfaces.Scope, device *interfaces.Device) (string, error) {
	return e.devices.Insert(ctx, scope, device)
}

// UpdateDevice replaces a device record, dropping cached artifacts when the
// config or plugin binding changed and cleaning up an orphaned transient
// config document.
func (e *Engine) UpdateDevice(ctx context.Context, scope interfaces.Scope, device *interfaces.Device) error {
	old, err := e.devices.Get(ctx, scope, device.ID)
	if err != nil {
		return err
	}
	if err := e.devices.Update(ctx, scope, device); err != nil {
		return err
	}
	if old.ConfigID != device.ConfigID || old.PluginID != device.PluginID {
		e.InvalidateDevice(device.ID)
	}
	if old.ConfigID != "" && old.ConfigID != device.ConfigID {
		e.collectTransient(ctx, old.ConfigID)
	}
	return nil
}

// DeleteDevice removes a device record together with its cached artifacts
// and, when nothing else references it, its transient config document.
func (e *Engine) DeleteDevice(ctx context.Context, scope interfaces.Scope, id string) error {
	old, err := e.devices.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if err := e.devices.Delete(ctx, scope, id); err != nil {
		return err
	}
	e.InvalidateDevice(id)
	if old.ConfigID != "" {
		e.collectTransient(ctx, old.ConfigID)
	}
	return nil
}

// GetDevice returns one device record within the scope.
func (e *Engine) GetDevice(ctx context.Context, scope interfaces.Scope, id string) (*interfaces.Device, error) {
	return e.devices.Get(ctx, scope, id)
}

// ListDevices returns the device records visible to the scope.
func (e *Engine) ListDevices(ctx context.Context, scope interfaces.Scope) []*interfaces.Device {
	return e.devices.List(ctx, scope)
}

// collectTransient removes a transient config document once no device uses
// it. The collection skips documents that are not transient or still have
// children.
func (e *Engine) collectTransient(ctx context.Context, configID string) {
	if e.devices.CountByConfig(configID) > 0 {
		return
	}
	if err := e.documents.DeleteTransient(ctx, configID); err != nil {
		e.log.Warn("failed to collect transient config", slog.String("config", configID), "err", err)
	}
}

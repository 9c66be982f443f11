package interfaces

import "errors"

// Error taxonomy of the provisioning engine. Components wrap these
// sentinels with context; callers classify with errors.Is.
var (
	// ErrConfigNotFound is returned when a document, or a parent named by
	// a document's ancestor chain, does not exist.
	ErrConfigNotFound = errors.New("config document not found")

	// ErrConfigCycle is returned when a document's ancestor chain reaches
	// back to itself. Resolution fails fast rather than truncating the
	// cycle silently.
	ErrConfigCycle = errors.New("config document cycle")

	// ErrDeviceNotFound is returned on lookups of unknown device IDs.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnknownDevice is returned when a request matches no plugin
	// identification rule, no stored device record, and no autocreate
	// document exists. Distinct from transient errors so tooling can tell
	// "no config yet" from "retry later".
	ErrUnknownDevice = errors.New("device not provisionable")

	// ErrPluginNotFound is returned by registry lookups of uninstalled
	// plugin IDs.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginUnavailable is returned when a device's stored plugin is no
	// longer installed. The engine reports it rather than guessing a
	// replacement.
	ErrPluginUnavailable = errors.New("plugin unavailable")

	// ErrRenderFailed is returned when a plugin renderer rejects the
	// effective configuration or fails. Failed renders are never cached.
	ErrRenderFailed = errors.New("render failed")

	// ErrStoreUnavailable is returned when the document store cannot be
	// reached. Transient; the engine does not retry internally.
	ErrStoreUnavailable = errors.New("document store unavailable")

	// ErrDocumentNotDeletable is returned on attempts to delete
	// system-seeded documents.
	ErrDocumentNotDeletable = errors.New("document is not deletable")

	// ErrTenantMismatch is returned when a tenant-scoped read or write
	// names a resource owned by another tenant.
	ErrTenantMismatch = errors.New("resource belongs to another tenant")

	// ErrAlreadyExists is returned when inserting a document or device
	// whose ID is already taken.
	ErrAlreadyExists = errors.New("id already exists")
)

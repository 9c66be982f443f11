package interfaces

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RenderFunc produces the bytes served back to a phone from the device
// record and its effective configuration. Renderers must be pure with
// respect to their inputs: the engine caches results keyed by the effective
// configuration's content hash.
type RenderFunc func(device Device, cfg EffectiveConfig) ([]byte, error)

// ServedFile describes how one requested path is served. Exactly one of
// Static and Render is set.
type ServedFile struct {
	// Name is a stable identifier for the file, used in cache keys. Two
	// paths mapping to the same Name share rendered artifacts.
	Name string

	// ContentType is handed back to the transport adapter for framing.
	ContentType string

	// Static is served as-is, without resolving the device configuration.
	// Used for firmware pointers, ringtones and other fixed assets.
	Static []byte

	// Render produces the device-specific file. Overrides the
	// descriptor's default renderer when set.
	Render RenderFunc
}

// FileMapper decides which requested path maps to which render invocation
// for a plugin. Returning false means the plugin does not serve the path.
type FileMapper func(path string, device Device) (ServedFile, bool)

// IdentRule is a predicate over request metadata. All set fields must
// match; a descriptor's rule list matches when any rule does.
type IdentRule struct {
	// VendorPrefix matches case-insensitively against the request's
	// vendor hint.
	VendorPrefix string

	// ModelToken matches case-insensitively against the model hint.
	ModelToken string

	// MACPrefix matches the normalized MAC address, typically an OUI
	// prefix such as "00:15:65".
	MACPrefix string

	// PathPattern matches against the requested path.
	PathPattern *regexp.Regexp
}

// Matches reports whether the request satisfies every set field of the
// rule. A rule with no fields set never matches: it would otherwise claim
// every device.
func (r IdentRule) Matches(req Request) bool {
	matched := false
	if r.VendorPrefix != "" {
		if !strings.HasPrefix(strings.ToLower(req.VendorHint), strings.ToLower(r.VendorPrefix)) {
			return false
		}
		matched = true
	}
	if r.ModelToken != "" {
		if !strings.Contains(strings.ToLower(req.ModelHint), strings.ToLower(r.ModelToken)) {
			return false
		}
		matched = true
	}
	if r.MACPrefix != "" {
		mac := req.Identity().MAC
		if mac == "" || !strings.HasPrefix(mac, strings.ToLower(r.MACPrefix)) {
			return false
		}
		matched = true
	}
	if r.PathPattern != nil {
		if !r.PathPattern.MatchString(req.RequestedPath) {
			return false
		}
		matched = true
	}
	return matched
}

// PluginDescriptor is the capability contract a provisioning plugin
// supplies. Descriptors are owned exclusively by the plugin registry;
// every other component refers to plugins by ID so install and uninstall
// are observed consistently.
type PluginDescriptor struct {
	// ID is the unique plugin identifier.
	ID string

	// Version is informational.
	Version string

	// Rules are the identification predicates evaluated against inbound
	// request metadata, in order.
	Rules []IdentRule

	// Renderer is the default render invocation for device-specific
	// files.
	Renderer RenderFunc

	// Files maps requested paths to render invocations or static assets.
	Files FileMapper
}

// Validate checks the descriptor is complete enough to install. Install
// rejects malformed descriptors synchronously, leaving the prior registry
// state intact.
func (d *PluginDescriptor) Validate() error {
	if d == nil {
		return errors.New("nil plugin descriptor")
	}
	if d.ID == "" {
		return errors.New("plugin id must not be empty")
	}
	if d.Renderer == nil {
		return fmt.Errorf("plugin %s: renderer must not be nil", d.ID)
	}
	if d.Files == nil {
		return fmt.Errorf("plugin %s: file map must not be nil", d.ID)
	}
	return nil
}

// MatchesRequest reports whether any identification rule of the descriptor
// matches the request.
func (d *PluginDescriptor) MatchesRequest(req Request) bool {
	for _, rule := range d.Rules {
		if rule.Matches(req) {
			return true
		}
	}
	return false
}

package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// DocumentKind classifies a ConfigDocument. The kind controls merge
// eligibility and default lookups: the engine consults the single
// autocreate-kind document when provisioning an unrecognized device.
type DocumentKind string

const (
	KindRegistrar       DocumentKind = "registrar"
	KindInternal        DocumentKind = "internal"
	KindDevice          DocumentKind = "device"
	KindTemplateDefault DocumentKind = "template-default"
	KindAutocreate      DocumentKind = "autocreate"
)

// Valid reports whether the kind is one of the known document kinds.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindRegistrar, KindInternal, KindDevice, KindTemplateDefault, KindAutocreate:
		return true
	}
	return false
}

// SystemTenant is the tenant owning seeded documents. Documents in the
// system tenant are readable from every tenant scope, since per-device
// documents of any tenant chain to the seeded base document.
const SystemTenant = "system"

// RawConfig is the override payload a ConfigDocument contributes: a mapping
// of configuration keys to scalars, nested mappings or sequences, with the
// same restrictions as a JSON object.
type RawConfig map[string]any

// Copy returns a deep copy of the raw config. Nested mappings and sequences
// are copied recursively so mutations of the copy never leak into the
// original.
func (rc RawConfig) Copy() RawConfig {
	if rc == nil {
		return nil
	}
	out := make(RawConfig, len(rc))
	for k, v := range rc {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies a single configuration value.
func CopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, nested := range tv {
			out[k] = CopyValue(nested)
		}
		return out
	case RawConfig:
		return map[string]any(tv.Copy())
	case []any:
		out := make([]any, len(tv))
		for i, nested := range tv {
			out[i] = CopyValue(nested)
		}
		return out
	default:
		return v
	}
}

// ConfigDocument is a node in the configuration inheritance graph.
//
// The parent graph induced by ParentIDs across all documents must stay
// acyclic; resolving a document on a cycle fails with ErrConfigCycle rather
// than looping.
type ConfigDocument struct {
	// ID is the unique document key.
	ID string `json:"id"`

	// Kind classifies the document (registrar, internal, device,
	// template-default, autocreate).
	Kind DocumentKind `json:"kind"`

	// ParentIDs is the ordered sequence of document IDs this document
	// inherits from. Later entries override earlier siblings during
	// resolution.
	ParentIDs []string `json:"parent_ids"`

	// RawConfig is the override payload this document contributes.
	RawConfig RawConfig `json:"raw_config"`

	// Deletable is false for system-seeded documents, preventing their
	// accidental removal.
	Deletable bool `json:"deletable"`

	// Transient marks autocreated per-device documents; a transient
	// document is removed when the last device referencing it is deleted.
	Transient bool `json:"transient"`

	// DisplayName is a human label with no semantic effect.
	DisplayName string `json:"displayname,omitempty"`

	// Tenant scopes the document for multi-tenant isolation.
	Tenant string `json:"tenant"`
}

// Validate checks the structural invariants of the document.
func (d *ConfigDocument) Validate() error {
	if d.ID == "" {
		return errors.New("document id must not be empty")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("invalid document kind %q", d.Kind)
	}
	if d.ParentIDs == nil {
		return errors.New("parent_ids must not be nil; use an empty list")
	}
	for _, parentID := range d.ParentIDs {
		if parentID == "" {
			return errors.New("parent id must not be empty")
		}
	}
	if d.RawConfig == nil {
		return errors.New("raw_config must not be nil; use an empty mapping")
	}
	return nil
}

// Copy returns a deep copy of the document. An empty parent list stays
// empty rather than turning nil, so a copy of a valid document always
// validates.
func (d *ConfigDocument) Copy() *ConfigDocument {
	out := *d
	if d.ParentIDs != nil {
		out.ParentIDs = make([]string, len(d.ParentIDs))
		copy(out.ParentIDs, d.ParentIDs)
	}
	out.RawConfig = d.RawConfig.Copy()
	return &out
}

var macRegexp = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// NormalizeMAC converts a MAC address to the canonical lowercase
// colon-separated form used as device fingerprint, accepting the usual
// vendor spellings (dashes, dots, no separator, uppercase).
func NormalizeMAC(mac string) (string, error) {
	cleaned := strings.ToLower(mac)
	cleaned = strings.NewReplacer("-", "", ":", "", ".", "").Replace(cleaned)
	if len(cleaned) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	var parts []string
	for i := 0; i < 12; i += 2 {
		parts = append(parts, cleaned[i:i+2])
	}
	normalized := strings.Join(parts, ":")
	if !macRegexp.MatchString(normalized) {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	return normalized, nil
}

// DeviceIdentity is the fingerprint extracted from provisioning requests.
// MAC and SerialNumber identify a device on their own; vendor, model and IP
// only narrow a search.
type DeviceIdentity struct {
	Vendor       string `json:"vendor,omitempty"`
	Model        string `json:"model,omitempty"`
	MAC          string `json:"mac,omitempty"`
	SerialNumber string `json:"sn,omitempty"`
	IP           string `json:"ip,omitempty"`
}

// Device is one physical or logical endpoint known to the engine.
type Device struct {
	// ID is the unique device key.
	ID string `json:"id"`

	// Identity is the fingerprint extracted from the provisioning request.
	Identity DeviceIdentity `json:"identity"`

	// ConfigID is the ConfigDocument this device is tied to, usually a
	// per-device document holding line and credential overrides.
	ConfigID string `json:"config_id,omitempty"`

	// PluginID names the plugin currently responsible for this device.
	// A device whose plugin has been uninstalled reports
	// ErrPluginUnavailable on its next provisioning attempt.
	PluginID string `json:"plugin_id,omitempty"`

	// IsNew is true until the device has completed at least one
	// provisioning exchange. Read-only signal to external tooling.
	IsNew bool `json:"is_new"`

	// Tenant scopes the device for multi-tenant isolation.
	Tenant string `json:"tenant"`

	// AddedBy records how the device record came to exist: "api" for
	// explicit creation, "auto" for autocreation on first contact.
	AddedBy string `json:"added_by,omitempty"`
}

// Copy returns a shallow copy of the device; Device holds no reference
// types besides strings, so a value copy is a full copy.
func (d *Device) Copy() *Device {
	out := *d
	return &out
}

// EffectiveConfig is the fully merged, ancestor-resolved configuration for
// one device. It is derived, never stored; the render cache keys on its
// content hash.
type EffectiveConfig struct {
	// Values is the flattened key to value mapping with no remaining
	// reference to parent IDs.
	Values RawConfig

	// Ancestors is the set of document IDs merged into Values, including
	// the root document itself. The engine uses it for cache invalidation
	// bookkeeping.
	Ancestors map[string]struct{}

	// Hash is a deterministic content hash of Values.
	Hash string
}

// HashRawConfig computes the deterministic content hash of a raw config.
// encoding/json sorts map keys, so equal mappings always hash equally.
func HashRawConfig(rc RawConfig) (string, error) {
	data, err := json.Marshal(rc)
	if err != nil {
		return "", fmt.Errorf("hashing raw config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Transport identifies which listener delivered a provisioning request.
type Transport string

const (
	TransportTFTP Transport = "tftp"
	TransportHTTP Transport = "http"
	TransportDHCP Transport = "dhcp"
)

// Request is the normalized inbound request shape handed to the engine by a
// transport adapter. The engine never parses raw TFTP, HTTP or DHCP wire
// formats.
type Request struct {
	Transport     Transport
	ClientAddress string
	RequestedPath string
	VendorHint    string
	ModelHint     string
	MACHint       string
	SerialHint    string
	// Tenant is the tenant context the transport listener is serving.
	// Empty means the system tenant.
	Tenant string
}

// TenantOrDefault returns the request tenant, defaulting to the system
// tenant when the adapter supplied none.
func (r Request) TenantOrDefault() string {
	if r.Tenant == "" {
		return SystemTenant
	}
	return r.Tenant
}

// Identity derives the device fingerprint carried by the request hints.
func (r Request) Identity() DeviceIdentity {
	identity := DeviceIdentity{
		Vendor:       r.VendorHint,
		Model:        r.ModelHint,
		SerialNumber: r.SerialHint,
	}
	if host, _, err := net.SplitHostPort(r.ClientAddress); err == nil {
		identity.IP = host
	} else {
		identity.IP = r.ClientAddress
	}
	if r.MACHint != "" {
		if mac, err := NormalizeMAC(r.MACHint); err == nil {
			identity.MAC = mac
		}
	}
	return identity
}

// ResponseStatus is the coarse outcome of a provisioning request, mapped by
// adapters onto transport-specific framing.
type ResponseStatus int

const (
	// StatusOK means ContentBytes carry the rendered configuration file.
	StatusOK ResponseStatus = iota

	// StatusNotFound means the device or the requested path is not
	// provisionable; "no config yet" rather than a transient error.
	StatusNotFound

	// StatusError means a transient or internal failure; the client's own
	// retransmission logic decides whether to retry.
	StatusError
)

// Response is the normalized outbound shape handed back to the adapter for
// wire-format framing.
type Response struct {
	Status       ResponseStatus
	ContentBytes []byte
	ContentType  string
}

// Package interfaces defines core interfaces and types for the phone
// provisioning backend, separating interface definitions from
// implementations.
//
// The package provides the contracts between the key components of the
// system:
//
// # Data Model
//
// ConfigDocument: A node in the configuration inheritance graph. Documents
// form a directed acyclic graph through their ParentIDs; merging a document
// with its ancestor chain yields the effective configuration for a device.
//
// Device: One physical or logical endpoint, tied to a per-device
// ConfigDocument and to the plugin responsible for rendering its
// configuration files.
//
// PluginDescriptor: The capability contract a provisioning plugin supplies:
// identification rules, a renderer and a served-file map. Descriptors are
// owned exclusively by the plugin registry; other components hold plugin
// IDs, never copies.
//
// # Storage Interfaces
//
// Store: A narrow key-value contract for durable document storage, with
// backends for memory, local files, S3 and Vault created through a
// URI-scheme factory.
//
// # Request Processing
//
// Request/Response: The normalized shapes exchanged with transport adapters.
// Adapters translate wire-level TFTP, HTTP and DHCP requests into Requests
// and frame Responses back into wire format; the engine never parses wire
// formats itself.
package interfaces

package interfaces

import "context"

// Store is the narrow key-value contract the engine requires from a
// persistence backend. Keys are resource IDs under a collection namespace;
// values are JSON documents. Backends signal transient unavailability by
// wrapping ErrStoreUnavailable.
type Store interface {
	// Get returns the value stored under key, or an error wrapping
	// ErrConfigNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores the value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given namespace prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Name identifies the backend type for logging.
	Name() string

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}

// DocumentReader is the read-side view of the document collection the
// config graph resolver traverses. Reads are cross-tenant: resolution
// follows ancestor chains across tenant boundaries (per-device documents
// chain to system-seeded ones).
type DocumentReader interface {
	// Document returns the document with the given ID, or an error
	// wrapping ErrConfigNotFound.
	Document(ctx context.Context, id string) (*ConfigDocument, error)
}

// Scope carries the tenant context of a management operation. Every read
// and write is implicitly filtered by Tenant unless Recurse grants
// explicit cross-tenant access.
type Scope struct {
	Tenant  string
	Recurse bool
}

// SystemScope is the cross-tenant scope used by the engine internals.
var SystemScope = Scope{Tenant: SystemTenant, Recurse: true}

// Covers reports whether the scope may touch a resource owned by the given
// tenant. System-tenant resources are readable from every scope; seeded
// documents must stay visible to the devices chaining to them.
func (s Scope) Covers(tenant string) bool {
	if s.Recurse {
		return true
	}
	return tenant == s.Tenant || tenant == SystemTenant
}

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

const documentPrefix = "documents"

// DocumentCollection is the tenant-scoped collection of configuration
// documents. It keeps the full set in memory, writes through to the
// backing store, and maintains the parent and child indexes of the
// inheritance graph so ancestor and descendant queries are set operations
// over IDs.
type DocumentCollection struct {
	store interfaces.Store
	log   *slog.Logger

	mu       sync.RWMutex
	docs     map[string]*interfaces.ConfigDocument
	childIdx map[string]map[string]struct{}
}

// NewDocumentCollection creates a collection over the given store. Call
// Load before use.
func NewDocumentCollection(store interfaces.Store, log *slog.Logger) *DocumentCollection {
	return &DocumentCollection{
		store:    store,
		log:      log,
		docs:     make(map[string]*interfaces.ConfigDocument),
		childIdx: make(map[string]map[string]struct{}),
	}
}

// Load reads every persisted document and builds the parent and child
// indexes.
func (c *DocumentCollection) Load(ctx context.Context) error {
	keys, err := c.store.List(ctx, documentPrefix+"/")
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs = make(map[string]*interfaces.ConfigDocument, len(keys))
	c.childIdx = make(map[string]map[string]struct{})

	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("loading document %s: %w", key, err)
		}
		var doc interfaces.ConfigDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decoding document %s: %w", key, err)
		}
		c.docs[doc.ID] = &doc
		c.indexLocked(&doc)
	}

	c.log.Info("Loaded config documents", slog.Int("count", len(c.docs)))
	return nil
}

// Insert adds a new document. A missing ID is generated; a missing tenant
// defaults to the scope's tenant. Returns the document ID.
func (c *DocumentCollection) Insert(ctx context.Context, scope interfaces.Scope, doc *interfaces.ConfigDocument) (string, error) {
	stored := doc.Copy()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Tenant == "" {
		stored.Tenant = scope.Tenant
	}
	if err := stored.Validate(); err != nil {
		return "", err
	}
	if !scopeCoversWrite(scope, stored.Tenant) {
		return "", fmt.Errorf("%w: document %s", interfaces.ErrTenantMismatch, stored.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[stored.ID]; ok {
		return "", fmt.Errorf("%w: document %s", interfaces.ErrAlreadyExists, stored.ID)
	}
	if err := c.persist(ctx, stored); err != nil {
		return "", err
	}
	c.docs[stored.ID] = stored
	c.indexLocked(stored)

	c.log.Info("Inserted config document",
		slog.String("id", stored.ID),
		slog.String("kind", string(stored.Kind)),
		slog.String("tenant", stored.Tenant))
	return stored.ID, nil
}

// Update replaces an existing document.
func (c *DocumentCollection) Update(ctx context.Context, scope interfaces.Scope, doc *interfaces.ConfigDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.docs[doc.ID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, doc.ID)
	}
	if !scopeCoversWrite(scope, old.Tenant) {
		return fmt.Errorf("%w: document %s", interfaces.ErrTenantMismatch, doc.ID)
	}

	stored := doc.Copy()
	if stored.Tenant == "" {
		stored.Tenant = old.Tenant
	}
	if err := c.persist(ctx, stored); err != nil {
		return err
	}
	c.unindexLocked(old)
	c.docs[stored.ID] = stored
	c.indexLocked(stored)

	c.log.Info("Updated config document", slog.String("id", stored.ID))
	return nil
}

// Delete removes a document. System-seeded documents are not deletable.
// References from other documents' parent lists are left in place and
// surface as ErrConfigNotFound on their next resolution.
func (c *DocumentCollection) Delete(ctx context.Context, scope interfaces.Scope, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(ctx, scope, id)
}

func (c *DocumentCollection) deleteLocked(ctx context.Context, scope interfaces.Scope, id string) error {
	doc, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, id)
	}
	if !doc.Deletable {
		return fmt.Errorf("%w: %s", interfaces.ErrDocumentNotDeletable, id)
	}
	if !scopeCoversWrite(scope, doc.Tenant) {
		return fmt.Errorf("%w: document %s", interfaces.ErrTenantMismatch, id)
	}

	if err := c.store.Delete(ctx, documentKey(id)); err != nil {
		return err
	}
	c.unindexLocked(doc)
	delete(c.docs, id)

	c.log.Info("Deleted config document", slog.String("id", id))
	return nil
}

// DeleteTransient removes a transient document if no other document lists
// it as parent. Used when the last device referencing an autocreated
// per-device document goes away. Not an error if the document is absent or
// still referenced.
func (c *DocumentCollection) DeleteTransient(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok || !doc.Transient {
		return nil
	}
	if children := c.childIdx[id]; len(children) > 0 {
		return nil
	}

	if err := c.store.Delete(ctx, documentKey(id)); err != nil {
		return err
	}
	c.unindexLocked(doc)
	delete(c.docs, id)

	c.log.Info("Removed transient config document", slog.String("id", id))
	return nil
}

// Get returns the document with the given ID within the scope.
func (c *DocumentCollection) Get(ctx context.Context, scope interfaces.Scope, id string) (*interfaces.ConfigDocument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, id)
	}
	if !scope.Covers(doc.Tenant) {
		return nil, fmt.Errorf("%w: document %s", interfaces.ErrTenantMismatch, id)
	}
	return doc.Copy(), nil
}

// Document implements interfaces.DocumentReader for the config graph
// resolver. Resolution follows ancestor chains across tenants, so reads
// are unscoped.
func (c *DocumentCollection) Document(ctx context.Context, id string) (*interfaces.ConfigDocument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, id)
	}
	return doc.Copy(), nil
}

// List returns the documents visible to the scope, ordered by ID.
func (c *DocumentCollection) List(ctx context.Context, scope interfaces.Scope) []*interfaces.ConfigDocument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*interfaces.ConfigDocument
	for _, doc := range c.docs {
		if scope.Recurse || doc.Tenant == scope.Tenant {
			out = append(out, doc.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByKind returns the first document of the given kind visible to the
// scope, preferring the scope's own tenant over system documents, or nil.
func (c *DocumentCollection) FindByKind(ctx context.Context, scope interfaces.Scope, kind interfaces.DocumentKind) *interfaces.ConfigDocument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var fallback *interfaces.ConfigDocument
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		doc := c.docs[id]
		if doc.Kind != kind || !scope.Covers(doc.Tenant) {
			continue
		}
		if doc.Tenant == scope.Tenant {
			return doc.Copy()
		}
		if fallback == nil {
			fallback = doc
		}
	}
	if fallback != nil {
		return fallback.Copy()
	}
	return nil
}

// Ancestors returns the set of document IDs the given document depends on,
// directly or indirectly. Unknown IDs yield an empty set.
func (c *DocumentCollection) Ancestors(id string) map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := make(map[string]struct{})
	var walk func(cur string)
	walk = func(cur string) {
		doc, ok := c.docs[cur]
		if !ok {
			return
		}
		for _, parentID := range doc.ParentIDs {
			if _, seen := visited[parentID]; !seen {
				visited[parentID] = struct{}{}
				walk(parentID)
			}
		}
	}
	walk(id)
	return visited
}

// Descendants returns the set of document IDs depending on the given
// document, directly or indirectly. Unknown IDs yield an empty set.
func (c *DocumentCollection) Descendants(id string) map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := make(map[string]struct{})
	var walk func(cur string)
	walk = func(cur string) {
		for childID := range c.childIdx[cur] {
			if _, seen := visited[childID]; !seen {
				visited[childID] = struct{}{}
				walk(childID)
			}
		}
	}
	walk(id)
	return visited
}

func (c *DocumentCollection) persist(ctx context.Context, doc *interfaces.ConfigDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	return c.store.Put(ctx, documentKey(doc.ID), data)
}

func (c *DocumentCollection) indexLocked(doc *interfaces.ConfigDocument) {
	for _, parentID := range doc.ParentIDs {
		children, ok := c.childIdx[parentID]
		if !ok {
			children = make(map[string]struct{})
			c.childIdx[parentID] = children
		}
		children[doc.ID] = struct{}{}
	}
}

func (c *DocumentCollection) unindexLocked(doc *interfaces.ConfigDocument) {
	for _, parentID := range doc.ParentIDs {
		children := c.childIdx[parentID]
		delete(children, doc.ID)
		if len(children) == 0 {
			delete(c.childIdx, parentID)
		}
	}
}

func documentKey(id string) string {
	return documentPrefix + "/" + id
}

// scopeCoversWrite is stricter than Scope.Covers: writing a resource of
// another tenant, including the system tenant, requires recurse access.
func scopeCoversWrite(scope interfaces.Scope, tenant string) bool {
	return scope.Recurse || tenant == scope.Tenant
}

// Package resolver implements the config graph resolver: it merges a
// configuration document with its full ancestor chain into one effective
// configuration.
//
// The traversal is deterministic and farthest-ancestor-first: a document's
// parents are fully merged, in listed order, before the document's own
// overrides apply. Later parents override earlier siblings; the document
// itself has final precedence. Nested mappings merge recursively while
// sequences and scalars are replaced wholesale by the more specific
// document.
//
// The resolver holds no cache: re-resolving after any edit reflects the
// edit immediately, and caching of rendered artifacts is the provisioning
// engine's concern.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// Resolver merges configuration documents over a DocumentReader.
type Resolver struct {
	documents interfaces.DocumentReader
	log       *slog.Logger
}

// New creates a resolver reading documents from the given reader.
func New(documents interfaces.DocumentReader, log *slog.Logger) *Resolver {
	return &Resolver{documents: documents, log: log}
}

// Resolve merges the document with the given ID and its ancestor chain
// into an effective configuration.
//
// Returns an error wrapping interfaces.ErrConfigNotFound if the document
// or any ancestor is missing, and interfaces.ErrConfigCycle, naming the
// offending ID, if the ancestor chain reaches back on itself. A cycle is
// always an error, never a silent truncation.
func (r *Resolver) Resolve(ctx context.Context, documentID string) (interfaces.EffectiveConfig, error) {
	merged := interfaces.RawConfig{}
	done := make(map[string]struct{})
	visiting := make(map[string]struct{})

	var visit func(id string) error
	visit = func(id string) error {
		if _, onStack := visiting[id]; onStack {
			return fmt.Errorf("%w: %s", interfaces.ErrConfigCycle, id)
		}
		if _, ok := done[id]; ok {
			// Diamond dependency: already merged via another path.
			return nil
		}

		doc, err := r.documents.Document(ctx, id)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", documentID, err)
		}

		visiting[id] = struct{}{}
		defer delete(visiting, id)

		for _, parentID := range doc.ParentIDs {
			if err := visit(parentID); err != nil {
				return err
			}
		}

		mergeInto(merged, doc.RawConfig)
		done[id] = struct{}{}
		return nil
	}

	if err := visit(documentID); err != nil {
		return interfaces.EffectiveConfig{}, err
	}

	hash, err := interfaces.HashRawConfig(merged)
	if err != nil {
		return interfaces.EffectiveConfig{}, err
	}

	r.log.Debug("Resolved config document",
		slog.String("id", documentID),
		slog.Int("ancestors", len(done)-1),
		slog.String("hash", hash[:12]))

	return interfaces.EffectiveConfig{
		Values:    merged,
		Ancestors: done,
		Hash:      hash,
	}, nil
}

// mergeInto merges overlay into base. Nested mappings merge recursively;
// every other value, sequences included, replaces the base value
// wholesale. Overlay values are deep-copied so the merged result never
// aliases a stored document.
func mergeInto(base interfaces.RawConfig, overlay interfaces.RawConfig) {
	for key, value := range overlay {
		overlayMap, overlayIsMap := asMap(value)
		if !overlayIsMap {
			base[key] = interfaces.CopyValue(value)
			continue
		}

		baseMap, baseIsMap := asMap(base[key])
		if !baseIsMap {
			baseMap = interfaces.RawConfig{}
			base[key] = map[string]any(baseMap)
		}
		mergeInto(baseMap, overlayMap)
	}
}

func asMap(value any) (interfaces.RawConfig, bool) {
	switch tv := value.(type) {
	case map[string]any:
		return interfaces.RawConfig(tv), true
	case interfaces.RawConfig:
		return tv, true
	default:
		return nil, false
	}
}

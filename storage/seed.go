package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// Seed installs the system documents every deployment starts from:
//
//   - base: the root every other document chains to, carrying
//     server-level parameters injected at startup.
//   - default: the template applied to devices without an assigned
//     config document.
//   - autoprov: the autocreate-role document; its presence enables
//     autocreation of devices on first contact.
//
// Seeding is idempotent: existing documents are left untouched so operator
// edits survive restarts.
func Seed(ctx context.Context, documents *DocumentCollection, baseRawConfig interfaces.RawConfig) error {
	if baseRawConfig == nil {
		baseRawConfig = interfaces.RawConfig{}
	}

	seeded := []*interfaces.ConfigDocument{
		{
			ID:          "base",
			Kind:        interfaces.KindInternal,
			ParentIDs:   []string{},
			RawConfig:   baseRawConfig,
			Deletable:   false,
			DisplayName: "Base configuration",
			Tenant:      interfaces.SystemTenant,
		},
		{
			ID:          "default",
			Kind:        interfaces.KindTemplateDefault,
			ParentIDs:   []string{"base"},
			RawConfig:   interfaces.RawConfig{},
			Deletable:   false,
			DisplayName: "Default device template",
			Tenant:      interfaces.SystemTenant,
		},
		{
			ID:          "autoprov",
			Kind:        interfaces.KindAutocreate,
			ParentIDs:   []string{"base"},
			RawConfig:   interfaces.RawConfig{},
			Deletable:   false,
			DisplayName: "Autoprovisioning template",
			Tenant:      interfaces.SystemTenant,
		},
	}

	for _, doc := range seeded {
		_, err := documents.Insert(ctx, interfaces.SystemScope, doc)
		if err != nil && !errors.Is(err, interfaces.ErrAlreadyExists) {
			return fmt.Errorf("seeding document %s: %w", doc.ID, err)
		}
	}
	return nil
}

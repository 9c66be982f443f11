package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDocuments(t *testing.T, store interfaces.Store) *DocumentCollection {
	t.Helper()
	c := NewDocumentCollection(store, testLogger())
	require.NoError(t, c.Load(context.Background()))
	return c
}

func newDevices(t *testing.T, store interfaces.Store) *DeviceCollection {
	t.Helper()
	c := NewDeviceCollection(store, testLogger())
	require.NoError(t, c.Load(context.Background()))
	return c
}

func doc(id string, parents []string, cfg interfaces.RawConfig) *interfaces.ConfigDocument {
	if parents == nil {
		parents = []string{}
	}
	if cfg == nil {
		cfg = interfaces.RawConfig{}
	}
	return &interfaces.ConfigDocument{
		ID:        id,
		Kind:      interfaces.KindInternal,
		ParentIDs: parents,
		RawConfig: cfg,
		Deletable: true,
	}
}

func TestDocumentRoundTripAcrossLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newDocuments(t, store)

	_, err := c.Insert(ctx, interfaces.SystemScope, doc("base", nil, interfaces.RawConfig{"k": "v"}))
	require.NoError(t, err)
	_, err = c.Insert(ctx, interfaces.SystemScope, doc("child", []string{"base"}, nil))
	require.NoError(t, err)

	// A fresh collection over the same store sees the same graph.
	reloaded := newDocuments(t, store)
	got, err := reloaded.Get(ctx, interfaces.SystemScope, "child")
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, got.ParentIDs)
	assert.Contains(t, reloaded.Descendants("base"), "child")
}

func TestDocumentInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())

	_, err := c.Insert(ctx, interfaces.SystemScope, doc("a", nil, nil))
	require.NoError(t, err)
	_, err = c.Insert(ctx, interfaces.SystemScope, doc("a", nil, nil))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)
}

func TestDocumentTenantScoping(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())

	scopeA := interfaces.Scope{Tenant: "tenant-a"}
	scopeB := interfaces.Scope{Tenant: "tenant-b"}

	_, err := c.Insert(ctx, scopeA, doc("x", nil, nil))
	require.NoError(t, err)

	// Reads: own tenant yes, sibling tenant only with recurse.
	_, err = c.Get(ctx, scopeA, "x")
	assert.NoError(t, err)
	_, err = c.Get(ctx, scopeB, "x")
	assert.ErrorIs(t, err, interfaces.ErrTenantMismatch)
	_, err = c.Get(ctx, interfaces.Scope{Tenant: "tenant-b", Recurse: true}, "x")
	assert.NoError(t, err)

	// Writes: sibling tenant without recurse cannot touch it.
	assert.ErrorIs(t, c.Delete(ctx, scopeB, "x"), interfaces.ErrTenantMismatch)
	assert.NoError(t, c.Delete(ctx, scopeA, "x"))
}

func TestDocumentSystemDocsVisibleToAllTenants(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())
	require.NoError(t, Seed(ctx, c, nil))

	_, err := c.Get(ctx, interfaces.Scope{Tenant: "tenant-a"}, "base")
	assert.NoError(t, err)
}

func TestAncestorsAndDescendants(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())

	for _, d := range []*interfaces.ConfigDocument{
		doc("root", nil, nil),
		doc("mid", []string{"root"}, nil),
		doc("leaf", []string{"mid"}, nil),
		doc("other", nil, nil),
	} {
		_, err := c.Insert(ctx, interfaces.SystemScope, d)
		require.NoError(t, err)
	}

	ancestors := c.Ancestors("leaf")
	assert.Contains(t, ancestors, "root")
	assert.Contains(t, ancestors, "mid")
	assert.NotContains(t, ancestors, "other")

	descendants := c.Descendants("root")
	assert.Contains(t, descendants, "mid")
	assert.Contains(t, descendants, "leaf")
	assert.NotContains(t, descendants, "other")
}

func TestDeleteTransient(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())

	transient := doc("auto-1", nil, nil)
	transient.Transient = true
	_, err := c.Insert(ctx, interfaces.SystemScope, transient)
	require.NoError(t, err)
	_, err = c.Insert(ctx, interfaces.SystemScope, doc("child", []string{"auto-1"}, nil))
	require.NoError(t, err)

	// Still referenced: stays.
	require.NoError(t, c.DeleteTransient(ctx, "auto-1"))
	_, err = c.Get(ctx, interfaces.SystemScope, "auto-1")
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, interfaces.SystemScope, "child"))
	require.NoError(t, c.DeleteTransient(ctx, "auto-1"))
	_, err = c.Get(ctx, interfaces.SystemScope, "auto-1")
	assert.ErrorIs(t, err, interfaces.ErrConfigNotFound)

	// Non-transient documents are never collected.
	_, err = c.Insert(ctx, interfaces.SystemScope, doc("keep", nil, nil))
	require.NoError(t, err)
	require.NoError(t, c.DeleteTransient(ctx, "keep"))
	_, err = c.Get(ctx, interfaces.SystemScope, "keep")
	assert.NoError(t, err)
}

func TestSeedIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())

	require.NoError(t, Seed(ctx, c, interfaces.RawConfig{"ntp_enabled": true}))

	// Operator edits survive a re-seed on restart.
	base, err := c.Get(ctx, interfaces.SystemScope, "base")
	require.NoError(t, err)
	base.RawConfig["ntp_enabled"] = false
	require.NoError(t, c.Update(ctx, interfaces.SystemScope, base))

	require.NoError(t, Seed(ctx, c, interfaces.RawConfig{"ntp_enabled": true}))
	base, err = c.Get(ctx, interfaces.SystemScope, "base")
	require.NoError(t, err)
	assert.Equal(t, false, base.RawConfig["ntp_enabled"])

	assert.ErrorIs(t, c.Delete(ctx, interfaces.SystemScope, "base"), interfaces.ErrDocumentNotDeletable)
}

func TestFindByKindPrefersTenant(t *testing.T) {
	ctx := context.Background()
	c := newDocuments(t, NewMemoryStore())
	require.NoError(t, Seed(ctx, c, nil))

	custom := doc("tenant-autoprov", nil, nil)
	custom.Kind = interfaces.KindAutocreate
	custom.Tenant = "tenant-a"
	_, err := c.Insert(ctx, interfaces.Scope{Tenant: "tenant-a"}, custom)
	require.NoError(t, err)

	got := c.FindByKind(ctx, interfaces.Scope{Tenant: "tenant-a", Recurse: true}, interfaces.KindAutocreate)
	require.NotNil(t, got)
	assert.Equal(t, "tenant-autoprov", got.ID)

	// Other tenants fall back to the system document.
	got = c.FindByKind(ctx, interfaces.Scope{Tenant: "tenant-b", Recurse: true}, interfaces.KindAutocreate)
	require.NotNil(t, got)
	assert.Equal(t, "autoprov", got.ID)
}

func device(id, mac string) *interfaces.Device {
	return &interfaces.Device{
		ID:       id,
		Identity: interfaces.DeviceIdentity{MAC: mac},
	}
}

func TestDeviceFindByIdentity(t *testing.T) {
	ctx := context.Background()
	c := newDevices(t, NewMemoryStore())

	byMAC := device("d1", "aa:bb:cc:00:00:01")
	bySerial := &interfaces.Device{
		ID:       "d2",
		Identity: interfaces.DeviceIdentity{SerialNumber: "SN123"},
	}
	byIP := &interfaces.Device{
		ID:       "d3",
		Identity: interfaces.DeviceIdentity{IP: "10.0.0.7", Vendor: "Zentel"},
	}
	for _, d := range []*interfaces.Device{byMAC, bySerial, byIP} {
		_, err := c.Insert(ctx, interfaces.SystemScope, d)
		require.NoError(t, err)
	}

	got := c.FindByIdentity(ctx, interfaces.SystemScope, interfaces.DeviceIdentity{MAC: "aa:bb:cc:00:00:01"})
	require.NotNil(t, got)
	assert.Equal(t, "d1", got.ID)

	got = c.FindByIdentity(ctx, interfaces.SystemScope, interfaces.DeviceIdentity{SerialNumber: "SN123"})
	require.NotNil(t, got)
	assert.Equal(t, "d2", got.ID)

	// IP matching is weak: it holds only when vendor and model do not
	// conflict.
	got = c.FindByIdentity(ctx, interfaces.SystemScope, interfaces.DeviceIdentity{IP: "10.0.0.7", Vendor: "Zentel"})
	require.NotNil(t, got)
	assert.Equal(t, "d3", got.ID)

	got = c.FindByIdentity(ctx, interfaces.SystemScope, interfaces.DeviceIdentity{IP: "10.0.0.7", Vendor: "Polaris"})
	assert.Nil(t, got)

	got = c.FindByIdentity(ctx, interfaces.SystemScope, interfaces.DeviceIdentity{MAC: "ff:ff:ff:ff:ff:ff"})
	assert.Nil(t, got)
}

func TestDeviceFindByIdentityAmbiguousIP(t *testing.T) {
	ctx := context.Background()
	c := newDevices(t, NewMemoryStore())

	for _, d := range []*interfaces.Device{
		{ID: "d1", Identity: interfaces.DeviceIdentity{IP: "10.0.0.7"}},
		{ID: "d2", Identity: interfaces.DeviceIdentity{IP: "10.0.0.7"}},
	} {
		_, err := c.Insert(ctx, interfaces.SystemScope, d)
		require.NoError(t, err)
	}

	got := c.FindByIdentity(ctx, interfaces.SystemScope, interfaces.DeviceIdentity{IP: "10.0.0.7"})
	assert.Nil(t, got, "ambiguous IP match must not pick a device")
}

func TestDeviceIndexQueries(t *testing.T) {
	ctx := context.Background()
	c := newDevices(t, NewMemoryStore())

	d1 := device("d1", "aa:bb:cc:00:00:01")
	d1.ConfigID = "cfg-1"
	d1.PluginID = "zentel-v2"
	d2 := device("d2", "aa:bb:cc:00:00:02")
	d2.ConfigID = "cfg-1"
	d3 := device("d3", "aa:bb:cc:00:00:03")
	d3.ConfigID = "cfg-2"
	d3.PluginID = "zentel-v2"
	for _, d := range []*interfaces.Device{d1, d2, d3} {
		_, err := c.Insert(ctx, interfaces.SystemScope, d)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.CountByConfig("cfg-1"))
	assert.Equal(t, 0, c.CountByConfig("cfg-9"))
	assert.Equal(t, []string{"d1", "d3"}, c.FindByPlugin("zentel-v2"))
	assert.Equal(t, []string{"d1", "d2"}, c.FindByConfigIn(map[string]struct{}{"cfg-1": {}}))
}

func TestDeviceTenantScoping(t *testing.T) {
	ctx := context.Background()
	c := newDevices(t, NewMemoryStore())

	_, err := c.Insert(ctx, interfaces.Scope{Tenant: "tenant-a"}, device("d1", "aa:bb:cc:00:00:01"))
	require.NoError(t, err)

	assert.Len(t, c.List(ctx, interfaces.Scope{Tenant: "tenant-b"}), 0)
	assert.Len(t, c.List(ctx, interfaces.Scope{Tenant: "tenant-b", Recurse: true}), 1)
	assert.Len(t, c.List(ctx, interfaces.Scope{Tenant: "tenant-a"}), 1)

	err = c.Delete(ctx, interfaces.Scope{Tenant: "tenant-b"}, "d1")
	assert.ErrorIs(t, err, interfaces.ErrTenantMismatch)
}

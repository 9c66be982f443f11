package identifier

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provlab/phone-provisioning-backend/interfaces"
	"github.com/provlab/phone-provisioning-backend/metrics"
	"github.com/provlab/phone-provisioning-backend/registry"
	"github.com/provlab/phone-provisioning-backend/storage"
)

type fixture struct {
	devices   *storage.DeviceCollection
	documents *storage.DocumentCollection
	registry  *registry.PluginRegistry
	ident     *Identifier
}

func newFixture(t *testing.T, seed bool) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	documents := storage.NewDocumentCollection(storage.NewMemoryStore(), log)
	devices := storage.NewDeviceCollection(storage.NewMemoryStore(), log)
	require.NoError(t, documents.Load(ctx))
	require.NoError(t, devices.Load(ctx))
	if seed {
		require.NoError(t, storage.Seed(ctx, documents, interfaces.RawConfig{"ntp_enabled": true}))
	}

	reg := registry.NewPluginRegistry(log)
	m, err := metrics.New("provd_test", "")
	require.NoError(t, err)
	return &fixture{
		devices:   devices,
		documents: documents,
		registry:  reg,
		ident:     New(devices, documents, reg, m.Metrics, log),
	}
}

func acmePlugin(id string) interfaces.PluginDescriptor {
	return interfaces.PluginDescriptor{
		ID:      id,
		Version: "1.0",
		Rules:   []interfaces.IdentRule{{VendorPrefix: "Acme"}},
		Renderer: func(device interfaces.Device, cfg interfaces.EffectiveConfig) ([]byte, error) {
			return nil, nil
		},
		Files: func(path string, device interfaces.Device) (interfaces.ServedFile, bool) {
			return interfaces.ServedFile{Name: path}, true
		},
	}
}

func acmeRequest(mac string) interfaces.Request {
	return interfaces.Request{
		Transport:     interfaces.TransportHTTP,
		ClientAddress: "10.0.0.5:40000",
		RequestedPath: "/provisioning/cfg.xml",
		VendorHint:    "Acme T46",
		ModelHint:     "T46",
		MACHint:       mac,
	}
}

func TestIdentifyAutocreatesDevice(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))

	ctx := context.Background()
	device, plugin, err := f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	assert.Equal(t, "acme-sip", plugin.ID)

	assert.True(t, device.IsNew)
	assert.Equal(t, "autocreate", device.AddedBy)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", device.Identity.MAC)
	assert.True(t, strings.HasPrefix(device.ConfigID, "autoprov-"))

	doc, err := f.documents.Get(ctx, interfaces.SystemScope, device.ConfigID)
	require.NoError(t, err)
	assert.True(t, doc.Transient)
	assert.Equal(t, []string{"autoprov"}, doc.ParentIDs)

	// A second request for the same fingerprint reuses the record.
	again, _, err := f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	assert.Equal(t, device.ID, again.ID)
	assert.Equal(t, device.ConfigID, again.ConfigID)
}

func TestIdentifyConcurrentFirstContactCreatesOneDevice(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))

	// A retransmission burst: many requests for the same unrecognized
	// fingerprint arrive at once. Exactly one device record and one
	// transient config document may come out of it.
	const workers = 64
	ctx := context.Background()
	start := make(chan struct{})
	errs := make(chan error, workers)
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		go func() {
			<-start
			device, _, err := f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:99"))
			if err != nil {
				errs <- err
				return
			}
			errs <- nil
			ids <- device.ID
		}()
	}
	close(start)

	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	devices := f.devices.List(ctx, interfaces.SystemScope)
	require.Len(t, devices, 1)
	for len(ids) > 0 {
		assert.Equal(t, devices[0].ID, <-ids)
	}

	transient := 0
	for _, doc := range f.documents.List(ctx, interfaces.SystemScope) {
		if doc.Transient {
			transient++
		}
	}
	assert.Equal(t, 1, transient)
}

func TestIdentifyNoMatchNoAutocreateDoc(t *testing.T) {
	f := newFixture(t, false)

	_, _, err := f.ident.Identify(context.Background(), acmeRequest("aa:bb:cc:dd:ee:02"))
	assert.ErrorIs(t, err, interfaces.ErrUnknownDevice)
	assert.Empty(t, f.devices.List(context.Background(), interfaces.SystemScope))
}

func TestIdentifyNoMatchStillAutocreates(t *testing.T) {
	f := newFixture(t, true)

	_, _, err := f.ident.Identify(context.Background(), acmeRequest("aa:bb:cc:dd:ee:03"))
	assert.ErrorIs(t, err, interfaces.ErrUnknownDevice)

	// The device record exists so an operator can assign a plugin later.
	devices := f.devices.List(context.Background(), interfaces.SystemScope)
	require.Len(t, devices, 1)
	assert.Empty(t, devices[0].PluginID)
	assert.True(t, devices[0].IsNew)
}

func TestIdentifyStoredPluginWins(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip-v2")))

	ctx := context.Background()
	_, err := f.devices.Insert(ctx, interfaces.SystemScope, &interfaces.Device{
		ID:       "dev1",
		Identity: interfaces.DeviceIdentity{MAC: "aa:bb:cc:dd:ee:04"},
		PluginID: "acme-sip-v2",
	})
	require.NoError(t, err)

	_, plugin, err := f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:04"))
	require.NoError(t, err)
	assert.Equal(t, "acme-sip-v2", plugin.ID)
}

func TestIdentifyUninstalledStoredPlugin(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))

	ctx := context.Background()
	_, err := f.devices.Insert(ctx, interfaces.SystemScope, &interfaces.Device{
		ID:       "dev1",
		Identity: interfaces.DeviceIdentity{MAC: "aa:bb:cc:dd:ee:05"},
		PluginID: "gone-sip",
	})
	require.NoError(t, err)

	_, _, err = f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:05"))
	assert.ErrorIs(t, err, interfaces.ErrPluginUnavailable)
}

func TestIdentifyAssociatesPluginWithBareDevice(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))

	ctx := context.Background()
	_, err := f.devices.Insert(ctx, interfaces.SystemScope, &interfaces.Device{
		ID:       "dev1",
		Identity: interfaces.DeviceIdentity{MAC: "aa:bb:cc:dd:ee:06"},
	})
	require.NoError(t, err)

	_, plugin, err := f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:06"))
	require.NoError(t, err)
	assert.Equal(t, "acme-sip", plugin.ID)

	stored, err := f.devices.Get(ctx, interfaces.SystemScope, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "acme-sip", stored.PluginID)
}

func TestIdentifyRefreshesIdentity(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))

	ctx := context.Background()
	_, err := f.devices.Insert(ctx, interfaces.SystemScope, &interfaces.Device{
		ID: "dev1",
		Identity: interfaces.DeviceIdentity{
			MAC: "aa:bb:cc:dd:ee:07",
			IP:  "10.0.0.99",
		},
		PluginID: "acme-sip",
	})
	require.NoError(t, err)

	_, _, err = f.ident.Identify(ctx, acmeRequest("aa:bb:cc:dd:ee:07"))
	require.NoError(t, err)

	stored, err := f.devices.Get(ctx, interfaces.SystemScope, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", stored.Identity.IP)
	assert.Equal(t, "Acme T46", stored.Identity.Vendor)
	assert.Equal(t, "T46", stored.Identity.Model)
}

func TestIdentifyTenantScoped(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.registry.Install(acmePlugin("acme-sip")))

	req := acmeRequest("aa:bb:cc:dd:ee:08")
	req.Tenant = "tenant-a"

	device, _, err := f.ident.Identify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", device.Tenant)

	doc, err := f.documents.Get(context.Background(), interfaces.SystemScope, device.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", doc.Tenant)
}

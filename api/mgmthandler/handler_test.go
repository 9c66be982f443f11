package mgmthandler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provlab/phone-provisioning-backend/engine"
	"github.com/provlab/phone-provisioning-backend/identifier"
	"github.com/provlab/phone-provisioning-backend/interfaces"
	"github.com/provlab/phone-provisioning-backend/metrics"
	"github.com/provlab/phone-provisioning-backend/plugins"
	"github.com/provlab/phone-provisioning-backend/registry"
	"github.com/provlab/phone-provisioning-backend/resolver"
	"github.com/provlab/phone-provisioning-backend/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.PluginRegistry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	documents := storage.NewDocumentCollection(storage.NewMemoryStore(), log)
	devices := storage.NewDeviceCollection(storage.NewMemoryStore(), log)
	require.NoError(t, documents.Load(ctx))
	require.NoError(t, devices.Load(ctx))
	require.NoError(t, storage.Seed(ctx, documents, interfaces.RawConfig{"ntp_enabled": true}))

	reg := registry.NewPluginRegistry(log)
	m, err := metrics.New("provd_test", "")
	require.NoError(t, err)
	ident := identifier.New(devices, documents, reg, m.Metrics, log)
	eng := engine.New(documents, devices, resolver.New(documents, log), ident, reg, m.Metrics, log)

	available := make(map[string]interfaces.PluginDescriptor)
	for _, plugin := range plugins.Builtins() {
		available[plugin.ID] = plugin
	}

	mux := chi.NewRouter()
	NewHandler(eng, reg, available, log).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func doJSON(t *testing.T, method, url, tenant string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDocumentCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", "", interfaces.ConfigDocument{
		ID:        "site",
		Kind:      interfaces.KindInternal,
		ParentIDs: []string{"base"},
		RawConfig: interfaces.RawConfig{"sip_registrar": "sip.example.org"},
		Deletable: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/documents/site", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc interfaces.ConfigDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, []string{"base"}, doc.ParentIDs)

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/documents/site", "", interfaces.ConfigDocument{
		Kind:      interfaces.KindInternal,
		ParentIDs: []string{"base"},
		RawConfig: interfaces.RawConfig{"sip_registrar": "sip2.example.org"},
		Deletable: true,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/documents/site", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/documents/site", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSeededDocumentForbidden(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/documents/base", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestResolveDocumentEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/documents/autoprov/resolved", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		RawConfig interfaces.RawConfig `json:"raw_config"`
		Hash      string               `json:"hash"`
		Ancestors []string             `json:"ancestors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body.RawConfig["ntp_enabled"])
	assert.NotEmpty(t, body.Hash)
	assert.ElementsMatch(t, []string{"base", "autoprov"}, body.Ancestors)
}

func TestTenantScopedListing(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", "tenant-a", interfaces.ConfigDocument{
		ID:        "x",
		Kind:      interfaces.KindInternal,
		ParentIDs: []string{"base"},
		RawConfig: interfaces.RawConfig{},
		Deletable: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listIDs := func(tenant string, recurse bool) []string {
		url := srv.URL + "/api/v1/documents"
		if recurse {
			url += "?recurse=true"
		}
		resp := doJSON(t, http.MethodGet, url, tenant, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var docs []interfaces.ConfigDocument
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))
		var ids []string
		for _, doc := range docs {
			ids = append(ids, doc.ID)
		}
		return ids
	}

	assert.NotContains(t, listIDs("tenant-b", false), "x")
	assert.Contains(t, listIDs("tenant-b", true), "x")
	assert.Contains(t, listIDs("tenant-a", false), "x")
}

func TestDeviceCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/devices", "", interfaces.Device{
		Identity: interfaces.DeviceIdentity{MAC: "aa:bb:cc:dd:ee:ff"},
		PluginID: "zentel-v2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"]
	require.NotEmpty(t, id)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/devices/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var device interfaces.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&device))
	assert.Equal(t, "api", device.AddedBy)

	device.PluginID = "polaris-sip"
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/devices/"+id, "", device)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/devices/"+id, "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/devices/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPluginLifecycle(t *testing.T) {
	srv, reg := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/plugins/zentel-v2/install", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err := reg.Get("zentel-v2")
	require.NoError(t, err)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/plugins/zentel-v2/install", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/plugins", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var installed []PluginInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&installed))
	require.Len(t, installed, 1)
	assert.Equal(t, "zentel-v2", installed[0].ID)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/plugins/zentel-v2", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/plugins/zentel-v2", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/plugins/unknown/install", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

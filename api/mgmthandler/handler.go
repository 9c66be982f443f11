// Package mgmthandler implements the management REST API: CRUD over config
// documents and devices, plugin install and uninstall, and effective
// configuration inspection.
//
// Tenant scoping comes from the X-Tenant request header; listing across
// child tenants requires the recurse query parameter. All request and
// response bodies are JSON.
package mgmthandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/provlab/phone-provisioning-backend/engine"
	"github.com/provlab/phone-provisioning-backend/interfaces"
	"github.com/provlab/phone-provisioning-backend/registry"
)

const (
	// TenantHeader carries the tenant scope of a management request.
	// Absent means the system tenant.
	TenantHeader = "X-Tenant"

	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024
)

// Handler processes management API requests against the provisioning
// engine and plugin registry.
type Handler struct {
	engine    *engine.Engine
	registry  *registry.PluginRegistry
	available map[string]interfaces.PluginDescriptor
	log       *slog.Logger
}

// NewHandler creates a management handler.
//
// Parameters:
//   - eng: the provisioning engine, used as the application layer for all
//     document and device mutations
//   - reg: the plugin registry
//   - available: the installable plugin descriptors, keyed by plugin ID
//   - log: structured logger
func NewHandler(eng *engine.Engine, reg *registry.PluginRegistry, available map[string]interfaces.PluginDescriptor, log *slog.Logger) *Handler {
	return &Handler{
		engine:    eng,
		registry:  reg,
		available: available,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/documents", h.HandleListDocuments)
		r.Post("/documents", h.HandleInsertDocument)
		r.Get("/documents/{id}", h.HandleGetDocument)
		r.Put("/documents/{id}", h.HandleUpdateDocument)
		r.Delete("/documents/{id}", h.HandleDeleteDocument)
		r.Get("/documents/{id}/resolved", h.HandleResolveDocument)

		r.Get("/devices", h.HandleListDevices)
		r.Post("/devices", h.HandleInsertDevice)
		r.Get("/devices/{id}", h.HandleGetDevice)
		r.Put("/devices/{id}", h.HandleUpdateDevice)
		r.Delete("/devices/{id}", h.HandleDeleteDevice)

		r.Get("/plugins", h.HandleListPlugins)
		r.Get("/plugins/available", h.HandleListAvailablePlugins)
		r.Post("/plugins/{id}/install", h.HandleInstallPlugin)
		r.Delete("/plugins/{id}", h.HandleUninstallPlugin)
	})
}

// scopeFromRequest derives the tenant scope from the X-Tenant header and
// the recurse query parameter.
func scopeFromRequest(r *http.Request) interfaces.Scope {
	tenant := r.Header.Get(TenantHeader)
	if tenant == "" {
		tenant = interfaces.SystemTenant
	}
	return interfaces.Scope{
		Tenant:  tenant,
		Recurse: r.URL.Query().Get("recurse") == "true",
	}
}

// writeError maps component errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrConfigNotFound),
		errors.Is(err, interfaces.ErrDeviceNotFound),
		errors.Is(err, interfaces.ErrPluginNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrAlreadyExists),
		errors.Is(err, interfaces.ErrConfigCycle):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrDocumentNotDeletable),
		errors.Is(err, interfaces.ErrTenantMismatch):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.log.Error("Management request failed", "err", err)
	} else {
		h.log.Debug("Management request rejected", "err", err, slog.Int("status", status))
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleListDocuments returns the config documents visible to the scope.
//
// URL format: GET /api/v1/documents?recurse=true
func (h *Handler) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := h.engine.ListDocuments(r.Context(), scopeFromRequest(r))
	h.writeJSON(w, http.StatusOK, docs)
}

// HandleInsertDocument stores a new config document. A missing ID is
// generated server-side; the assigned ID is returned.
//
// URL format: POST /api/v1/documents
func (h *Handler) HandleInsertDocument(w http.ResponseWriter, r *http.Request) {
	var doc interfaces.ConfigDocument
	if err := decodeBody(w, r, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.engine.InsertDocument(r.Context(), scopeFromRequest(r), &doc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleGetDocument returns one config document.
//
// URL format: GET /api/v1/documents/{id}
func (h *Handler) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.GetDocument(r.Context(), scopeFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// HandleUpdateDocument replaces a config document.
//
// URL format: PUT /api/v1/documents/{id}
func (h *Handler) HandleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var doc interfaces.ConfigDocument
	if err := decodeBody(w, r, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc.ID = chi.URLParam(r, "id")
	if err := h.engine.UpdateDocument(r.Context(), scopeFromRequest(r), &doc); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteDocument removes a config document. System-seeded documents
// return 403.
//
// URL format: DELETE /api/v1/documents/{id}
func (h *Handler) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteDocument(r.Context(), scopeFromRequest(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResolveDocument returns the effective configuration of a document,
// merged with its full ancestor chain.
//
// URL format: GET /api/v1/documents/{id}/resolved
func (h *Handler) HandleResolveDocument(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.ResolveDocument(r.Context(), scopeFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	ancestors := make([]string, 0, len(cfg.Ancestors))
	for id := range cfg.Ancestors {
		ancestors = append(ancestors, id)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"raw_config": cfg.Values,
		"hash":       cfg.Hash,
		"ancestors":  ancestors,
	})
}

// HandleListDevices returns the device records visible to the scope.
//
// URL format: GET /api/v1/devices?recurse=true
func (h *Handler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.engine.ListDevices(r.Context(), scopeFromRequest(r))
	h.writeJSON(w, http.StatusOK, devices)
}

// HandleInsertDevice stores a new device record.
//
// URL format: POST /api/v1/devices
func (h *Handler) HandleInsertDevice(w http.ResponseWriter, r *http.Request) {
	var device interfaces.Device
	if err := decodeBody(w, r, &device); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if device.AddedBy == "" {
		device.AddedBy = "api"
	}
	id, err := h.engine.InsertDevice(r.Context(), scopeFromRequest(r), &device)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleGetDevice returns one device record.
//
// URL format: GET /api/v1/devices/{id}
func (h *Handler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.engine.GetDevice(r.Context(), scopeFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

// HandleUpdateDevice replaces a device record, dropping its cached
// artifacts when the config or plugin binding changed.
//
// URL format: PUT /api/v1/devices/{id}
func (h *Handler) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var device interfaces.Device
	if err := decodeBody(w, r, &device); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	device.ID = chi.URLParam(r, "id")
	if err := h.engine.UpdateDevice(r.Context(), scopeFromRequest(r), &device); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteDevice removes a device record and collects its transient
// config document.
//
// URL format: DELETE /api/v1/devices/{id}
func (h *Handler) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteDevice(r.Context(), scopeFromRequest(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PluginInfo is the JSON shape plugins are listed as.
type PluginInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// HandleListPlugins returns the installed plugins in installation order.
//
// URL format: GET /api/v1/plugins
func (h *Handler) HandleListPlugins(w http.ResponseWriter, r *http.Request) {
	installed := h.registry.List()
	out := make([]PluginInfo, 0, len(installed))
	for _, plugin := range installed {
		out = append(out, PluginInfo{ID: plugin.ID, Version: plugin.Version})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleListAvailablePlugins returns the plugins that can be installed.
//
// URL format: GET /api/v1/plugins/available
func (h *Handler) HandleListAvailablePlugins(w http.ResponseWriter, r *http.Request) {
	out := make([]PluginInfo, 0, len(h.available))
	for _, plugin := range h.available {
		out = append(out, PluginInfo{ID: plugin.ID, Version: plugin.Version})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleInstallPlugin installs an available plugin into the registry.
//
// URL format: POST /api/v1/plugins/{id}/install
func (h *Handler) HandleInstallPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plugin, ok := h.available[id]
	if !ok {
		h.writeError(w, fmt.Errorf("plugin %s: %w", id, interfaces.ErrPluginNotFound))
		return
	}
	if err := h.registry.Install(plugin); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUninstallPlugin removes a plugin from the registry. Devices bound
// to it keep their binding and fail provisioning until it is reinstalled
// or they are rebound.
//
// URL format: DELETE /api/v1/plugins/{id}
func (h *Handler) HandleUninstallPlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Uninstall(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(into); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

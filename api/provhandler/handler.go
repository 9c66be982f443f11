// Package provhandler exposes the device-facing provisioning surface over
// HTTP: phones fetch their config files from /provisioning/, and DHCP
// integrations push sighting information to /provisioning/dhcp.
package provhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/provlab/phone-provisioning-backend/engine"
	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// maxBodySize bounds the DHCP info request body.
const maxBodySize = 64 * 1024

// macInUserAgent extracts a colon-separated MAC embedded in a phone's
// User-Agent string.
var macInUserAgent = regexp.MustCompile(`(?i)\b([0-9a-f]{2}(?::[0-9a-f]{2}){5})\b`)

// macInPath extracts a bare 12-digit hex MAC from a requested file name.
var macInPath = regexp.MustCompile(`(?i)(?:^|[^0-9a-f])([0-9a-f]{12})(?:[^0-9a-f]|$)`)

// Handler serves provisioning requests delivered over HTTP.
type Handler struct {
	engine *engine.Engine
	// tenant is the tenant scope this listener serves. Empty means the
	// system tenant.
	tenant string
	log    *slog.Logger
}

// NewHandler creates a provisioning handler bound to a tenant scope.
func NewHandler(eng *engine.Engine, tenant string, log *slog.Logger) *Handler {
	return &Handler{engine: eng, tenant: tenant, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/provisioning/dhcp", h.HandleDHCPInfo)
	r.Get("/provisioning/*", h.HandleFileRequest)
}

// HandleFileRequest serves one provisioning file to a phone.
//
// URL format: GET /provisioning/{path}
//
// The device fingerprint is assembled from the User-Agent header, the
// requested file name, and the client address. Unknown devices and paths
// the responsible plugin does not serve return 404.
func (h *Handler) HandleFileRequest(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	req := h.buildRequest(r, path)

	resp, err := h.engine.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	if resp.Status == interfaces.StatusNotFound {
		http.NotFound(w, r)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(resp.ContentBytes)
}

// DHCPInfo is the sighting payload DHCP integrations post when a phone
// requests a lease.
type DHCPInfo struct {
	IP string `json:"ip"`
	// MAC is the client hardware address, any common separator format.
	MAC string `json:"mac"`
	// VendorClass is DHCP option 60, used as the vendor hint.
	VendorClass string `json:"vendor_class,omitempty"`
}

// HandleDHCPInfo records device identity gleaned from a DHCP exchange. No
// configuration is served; unknown devices may be autocreated so they show
// up in the management API before their first file request.
//
// URL format: POST /provisioning/dhcp
func (h *Handler) HandleDHCPInfo(w http.ResponseWriter, r *http.Request) {
	var info DHCPInfo
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&info); err != nil {
		http.Error(w, fmt.Sprintf("decoding request body: %s", err), http.StatusBadRequest)
		return
	}
	if info.MAC == "" {
		http.Error(w, "missing mac", http.StatusBadRequest)
		return
	}

	req := interfaces.Request{
		Transport:     interfaces.TransportDHCP,
		ClientAddress: info.IP,
		MACHint:       info.MAC,
		VendorHint:    info.VendorClass,
		Tenant:        h.tenant,
	}
	if _, err := h.engine.Handle(r.Context(), req); err != nil {
		h.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// buildRequest assembles the normalized engine request from HTTP metadata.
func (h *Handler) buildRequest(r *http.Request, path string) interfaces.Request {
	req := interfaces.Request{
		Transport:     interfaces.TransportHTTP,
		ClientAddress: r.RemoteAddr,
		RequestedPath: path,
		Tenant:        h.tenant,
	}

	userAgent := r.UserAgent()
	if userAgent != "" {
		req.VendorHint = userAgent
		// Many firmwares format the User-Agent as "Vendor Model fw mac".
		if fields := strings.Fields(userAgent); len(fields) >= 2 {
			req.ModelHint = fields[1]
		}
	}
	if m := macInUserAgent.FindStringSubmatch(userAgent); m != nil {
		req.MACHint = m[1]
	} else if m := macInPath.FindStringSubmatch(path); m != nil {
		req.MACHint = m[1]
	}
	return req
}

// writeError maps engine errors onto transport status codes: unknown
// devices and missing configs are 404, unavailable dependencies 503,
// everything else 500.
func (h *Handler) writeError(w http.ResponseWriter, req interfaces.Request, err error) {
	switch {
	case errors.Is(err, interfaces.ErrUnknownDevice),
		errors.Is(err, interfaces.ErrConfigNotFound),
		errors.Is(err, interfaces.ErrPluginNotFound):
		h.log.Debug("Provisioning request not served", "err", err, slog.String("path", req.RequestedPath))
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrPluginUnavailable),
		errors.Is(err, interfaces.ErrStoreUnavailable):
		h.log.Warn("Provisioning dependency unavailable", "err", err, slog.String("path", req.RequestedPath))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("Provisioning request failed", "err", err, slog.String("path", req.RequestedPath))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

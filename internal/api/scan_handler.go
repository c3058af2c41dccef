package api

import (
	"net/http"
	"strings"

	"github.com/scaneye/scaneye/internal/discovery"
	"github.com/scaneye/scaneye/internal/models"
)

// ScanHandler serves scan results and scan triggers.
type ScanHandler struct {
	deps *Dependencies
}

func NewScanHandler(deps *Dependencies) *ScanHandler {
	return &ScanHandler{deps: deps}
}

// ResultsResponse is the body of GET /api/results.
type ResultsResponse struct {
	Devices  []models.Device `json:"devices"`
	Scanning bool            `json:"scanning"`
}

// AdHocScanResponse is the body of GET /api/scan.
type AdHocScanResponse struct {
	Subnet  string          `json:"subnet"`
	Devices []models.Device `json:"devices"`
}

// NetworkInfoResponse is the body of GET /api/network-info.
type NetworkInfoResponse struct {
	Interfaces    []models.NetworkInterface `json:"interfaces"`
	DefaultSubnet *string                   `json:"defaultSubnet"`
	ActiveSubnet  string                    `json:"activeSubnet,omitempty"`
}

// Results handles GET /api/results. It never waits for a running scan.
func (h *ScanHandler) Results(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	sendJSON(w, http.StatusOK, ResultsResponse{
		Devices:  h.deps.Engine.LatestResults(),
		Scanning: h.deps.Engine.Scanning(),
	})
}

// Trigger handles POST /api/scan/trigger. The scan runs in the background
// and reports through the event stream.
func (h *ScanHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.deps.Engine.TriggerScanNow()
	sendJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Scan triggered",
	})
}

// AdHoc handles GET /api/scan?subnet=. It scans the given subnet, or the
// active one, and returns the devices without touching the cached results.
func (h *ScanHandler) AdHoc(w http.ResponseWriter, r *http.Request) {
	subnet := strings.TrimSpace(r.URL.Query().Get("subnet"))
	if subnet == "" {
		subnet = h.deps.Engine.ActiveSubnet(r.Context())
	}
	if subnet == "" {
		sendError(w, r, http.StatusBadRequest, "NO_SUBNET", "No subnet detected. Please configure a manual subnet.", nil)
		return
	}
	if _, err := discovery.ValidateSubnet(subnet); handleError(w, r, err) {
		return
	}

	devices, err := h.deps.Scanner.Scan(r.Context(), subnet)
	if handleError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, AdHocScanResponse{Subnet: subnet, Devices: devices})
}

// NetworkInfo handles GET /api/network-info
func (h *ScanHandler) NetworkInfo(w http.ResponseWriter, r *http.Request) {
	interfaces, err := h.deps.Network.Interfaces()
	if err != nil {
		h.deps.Logger.ErrorContext(r.Context(), "Failed to list interfaces", "error", err)
		sendError(w, r, http.StatusInternalServerError, "NETWORK_INFO_ERROR", "Failed to get network info", nil)
		return
	}
	if interfaces == nil {
		interfaces = []models.NetworkInterface{}
	}

	response := NetworkInfoResponse{
		Interfaces:   interfaces,
		ActiveSubnet: h.deps.Engine.ActiveSubnet(r.Context()),
	}
	if subnet, ok := h.deps.Network.DefaultSubnet(); ok {
		response.DefaultSubnet = &subnet
	}
	sendJSON(w, http.StatusOK, response)
}

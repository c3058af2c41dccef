package api

import (
	"net/http"
)

// ConfigHandler serves the runtime settings.
type ConfigHandler struct {
	deps *Dependencies
}

func NewConfigHandler(deps *Dependencies) *ConfigHandler {
	return &ConfigHandler{deps: deps}
}

// Get handles GET /api/config
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.deps.Engine.GetConfig(r.Context())
	if handleError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, settings)
}

// Update handles POST /api/config. Interval changes re-arm the timers; a
// manualSubnet starts a scan.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeJSON[ConfigRequest](w, r)
	if !ok {
		return
	}
	if handleError(w, r, validateStruct(input)) {
		return
	}

	settings, err := h.deps.Engine.UpdateConfig(r.Context(), input.Patch())
	if handleError(w, r, err) {
		return
	}

	h.deps.Logger.InfoContext(r.Context(), "Settings updated",
		"scan_interval_seconds", settings.ScanIntervalSeconds,
		"speed_test_interval_minutes", settings.SpeedTestIntervalMinutes,
		"manual_subnet", settings.ManualSubnet,
	)
	sendJSON(w, http.StatusOK, settings)
}

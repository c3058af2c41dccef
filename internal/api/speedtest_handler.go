package api

import "net/http"

// SpeedTestHandler runs on-demand speed tests.
type SpeedTestHandler struct {
	deps *Dependencies
}

func NewSpeedTestHandler(deps *Dependencies) *SpeedTestHandler {
	return &SpeedTestHandler{deps: deps}
}

// Run handles GET /api/speed-test. A request made while a test is running
// waits for that test's measurement.
func (h *SpeedTestHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Engine.TriggerSpeedTestNow(r.Context())
	if handleError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, result)
}

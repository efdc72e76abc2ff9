package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/services/admission"
)

// HealthHandler reports service health and capacity
type HealthHandler struct {
	admission *admission.Controller
	ws        *WebSocketHandler
	logger    arbor.ILogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(admissionCtrl *admission.Controller, ws *WebSocketHandler, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		admission: admissionCtrl,
		ws:        ws,
		logger:    logger,
	}
}

// HealthCheckHandler returns service status and live capacity counters
// GET /api/health
func (h *HealthHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"version":         common.GetVersion(),
		"active_jobs":     h.admission.ActiveJobs(),
		"active_browsers": h.admission.ActiveBrowsers(),
		"ws_clients":      h.ws.ClientCount(),
	})
}

// VersionHandler returns build information
// GET /api/version
func (h *HealthHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
	})
}

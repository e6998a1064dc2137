package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealth handles GET /api/health. A failing database ping degrades the
// status to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"database": "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuthMe handles GET /api/auth/me. Authentication is mocked; the
// configured identity is always returned.
func (s *Server) handleAuthMe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               s.cfg.User.ID,
		"email":            s.cfg.User.Email,
		"name":             s.cfg.User.Name,
		"role":             s.cfg.User.Role,
		"is_authenticated": true,
	})
}

// handleAuthLogout handles POST /api/auth/logout.
func (s *Server) handleAuthLogout(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAppSettings handles the public app-settings lookup the UI issues at
// startup.
func (s *Server) handleAppSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"appId":        r.PathValue("appId"),
		"name":         "DataFlow",
		"requiresAuth": false,
		"status":       "active",
	})
}

// handlePurgeLogs handles POST /api/admin/purge-logs. Activity logs older
// than the requested number of days (default 30) are deleted.
func (s *Server) handlePurgeLogs(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Days int `json:"days"`
	}
	// An empty body means the default retention.
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.Days <= 0 {
		in.Days = 30
	}

	deleted, err := s.store.PurgeActivityLogs(r.Context(), in.Days)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "days": in.Days})
}

// handleDataModel handles GET /api/admin/data-model.
func (s *Server) handleDataModel(w http.ResponseWriter, r *http.Request) {
	dm, err := s.store.DataModel(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dm)
}

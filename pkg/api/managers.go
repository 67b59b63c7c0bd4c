package api

import (
	"net/http"

	"github.com/openqc/fleet/pkg/managers"
)

type activateManagerRequest struct {
	Name     string   `json:"name" validate:"required"`
	Cluster  string   `json:"cluster"`
	Hostname string   `json:"hostname"`
	Tags     []string `json:"tags"`
	Programs []string `json:"programs"`
}

func (s *Server) activateManager(w http.ResponseWriter, r *http.Request) {
	var req activateManagerRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	mgr, err := managers.Activate(r.Context(), s.store, req.Name, req.Cluster, req.Hostname, req.Tags, req.Programs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mgr)
}

type heartbeatRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) heartbeatManager(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := managers.Heartbeat(r.Context(), s.store, req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

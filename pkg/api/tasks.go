package api

import (
	"net/http"

	"github.com/openqc/fleet/pkg/tasks"
	"github.com/openqc/fleet/pkg/types"
)

type claimTasksRequest struct {
	Manager  string   `json:"manager" validate:"required"`
	Tags     []string `json:"tags"`
	Programs []string `json:"programs"`
	Limit    int      `json:"limit"`
}

type claimTasksResponse struct {
	Tasks []*types.TaskRow `json:"tasks"`
}

func (s *Server) claimTasks(w http.ResponseWriter, r *http.Request) {
	var req claimTasksRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	claimed, err := tasks.Claim(r.Context(), s.store, req.Manager, req.Tags, req.Programs, req.Limit, s.cfg.API.MaxClaimLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimTasksResponse{Tasks: claimed})
}

type returnTasksRequest struct {
	Manager string             `json:"manager" validate:"required"`
	Results []types.TaskResult `json:"results" validate:"required,min=1,dive"`
}

type returnTasksResponse struct {
	Failed []types.IndexError `json:"failed,omitempty"`
}

func (s *Server) returnTasks(w http.ResponseWriter, r *http.Request) {
	var req returnTasksRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	failed, err := tasks.Return(r.Context(), s.store, req.Manager, req.Results, s.cfg.API.MaxClaimLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, returnTasksResponse{Failed: failed})
}

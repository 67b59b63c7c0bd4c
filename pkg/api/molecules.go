package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openqc/fleet/pkg/molecules"
	"github.com/openqc/fleet/pkg/types"
)

type createMoleculesRequest struct {
	Molecules []moleculeInput `json:"molecules" validate:"required,min=1,dive"`
}

type createMoleculesResponse struct {
	IDs      []string             `json:"ids"`
	Metadata types.InsertMetadata `json:"metadata"`
}

func (s *Server) createMolecules(w http.ResponseWriter, r *http.Request) {
	var req createMoleculesRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	ids, meta, err := molecules.AddMixed(r.Context(), s.store, toMoleculeInputs(req.Molecules))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createMoleculesResponse{IDs: ids, Metadata: meta})
}

func (s *Server) getMolecule(w http.ResponseWriter, r *http.Request) {
	mol, err := molecules.Get(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mol)
}

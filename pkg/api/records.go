package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/molecules"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/service/drivers"
	"github.com/openqc/fleet/pkg/specs"
	"github.com/openqc/fleet/pkg/types"
)

// serviceRecordTypes are the record types the service iterator (C5) drives
// rather than the task queue (C4).
var serviceRecordTypes = map[types.RecordType]bool{
	types.RecordTypeGridOpt:  true,
	types.RecordTypeTorsion:  true,
	types.RecordTypeReaction: true,
	types.RecordTypeNEB:      true,
	types.RecordTypeManyBody: true,
}

// specInput mirrors specs.Input with JSON-friendly field names and
// json.RawMessage for the opaque keyword/protocol maps.
type specInput struct {
	Program   string          `json:"program" validate:"required"`
	Method    string          `json:"method"`
	Basis     string          `json:"basis"`
	Driver    string          `json:"driver"`
	Keywords  json.RawMessage `json:"keywords,omitempty"`
	Protocols json.RawMessage `json:"protocols,omitempty"`

	Singlepoint  *specInput `json:"singlepoint,omitempty"`
	Optimization *specInput `json:"optimization,omitempty"`
}

func (s *specInput) toSpecsInput() *specs.Input {
	if s == nil {
		return nil
	}
	return &specs.Input{
		Program:      s.Program,
		Method:       s.Method,
		Basis:        s.Basis,
		Driver:       s.Driver,
		Keywords:     s.Keywords,
		Protocols:    s.Protocols,
		Singlepoint:  s.Singlepoint.toSpecsInput(),
		Optimization: s.Optimization.toSpecsInput(),
	}
}

// moleculeInput is a single entry of a mixed molecule batch: either an
// existing id or an inline literal (§4.2 add_mixed).
type moleculeInput struct {
	ID string `json:"id,omitempty"`

	Symbols               []string          `json:"symbols,omitempty"`
	Geometry              []float64         `json:"geometry,omitempty"`
	MolecularCharge       int               `json:"molecular_charge,omitempty"`
	MolecularMultiplicity int               `json:"molecular_multiplicity,omitempty"`
	Identifiers           map[string]string `json:"identifiers,omitempty"`
}

func (m moleculeInput) toTypesInput() types.MoleculeInput {
	if m.ID != "" {
		return types.MoleculeInput{ID: m.ID}
	}
	return types.MoleculeInput{Literal: &types.Molecule{
		Symbols:               m.Symbols,
		Geometry:              m.Geometry,
		MolecularCharge:       m.MolecularCharge,
		MolecularMultiplicity: m.MolecularMultiplicity,
		Identifiers:           m.Identifiers,
	}}
}

func toMoleculeInputs(in []moleculeInput) []types.MoleculeInput {
	out := make([]types.MoleculeInput, len(in))
	for i, m := range in {
		out[i] = m.toTypesInput()
	}
	return out
}

// createRecordRequest is the POST /v1/records/{type} body. The Scans/
// Preoptimization fields apply to gridopt/torsion record types; Legs
// applies to neb/reaction/manybody — both ignored for single/optimization.
type createRecordRequest struct {
	Specification    *specInput      `json:"specification" validate:"required"`
	Molecules        []moleculeInput `json:"molecules" validate:"required,min=1,dive"`
	Tag              string          `json:"tag"`
	Priority         types.Priority  `json:"priority"`
	RequiredPrograms []string        `json:"required_programs"`

	Scans           []drivers.ScanDimension `json:"scans,omitempty"`
	Preoptimization bool                    `json:"preoptimization,omitempty"`
	Legs            []drivers.LegSpec       `json:"legs,omitempty"`
}

type createRecordResponse struct {
	ID                  string               `json:"id"`
	SpecificationID     string               `json:"specification_id"`
	SpecificationExists bool                 `json:"specification_existed"`
	Molecules           types.InsertMetadata `json:"molecules"`
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordType := types.RecordType(chi.URLParam(r, "type"))

	var req createRecordRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	specID, specExisted, err := specs.Intern(ctx, s.store, req.Specification.toSpecsInput())
	if err != nil {
		writeError(w, err)
		return
	}

	moleculeIDs, molMeta, err := molecules.AddMixed(ctx, s.store, toMoleculeInputs(req.Molecules))
	if err != nil {
		writeError(w, err)
		return
	}

	rec := &types.Record{
		ID:              records.NewID(),
		RecordType:      recordType,
		SpecificationID: specID,
		MoleculeIDs:     moleculeIDs,
		IsService:       serviceRecordTypes[recordType],
		Tag:             req.Tag,
		Priority:        req.Priority,
	}

	var function []byte
	var requiredPrograms []string
	var serviceState []byte

	if rec.IsService {
		var err error
		serviceState, err = buildServiceState(recordType, req)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		var molID string
		if len(moleculeIDs) > 0 {
			molID = moleculeIDs[0]
		}
		function, err = json.Marshal(map[string]string{"specification_id": specID, "molecule_id": molID})
		if err != nil {
			writeError(w, err)
			return
		}
		requiredPrograms = req.RequiredPrograms
		if len(requiredPrograms) == 0 {
			requiredPrograms = []string{req.Specification.Program}
		}
	}

	if err := records.Create(ctx, s.store, rec, function, requiredPrograms, serviceState); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createRecordResponse{
		ID:                  rec.ID,
		SpecificationID:     specID,
		SpecificationExists: specExisted,
		Molecules:           molMeta,
	})
}

// buildServiceState constructs the initial service_state for a service
// record type (§4.5): gridopt/torsion start the grid-scan wave generator,
// the fan-out types (neb/reaction/manybody) start with their fixed leg
// list unsubmitted.
func buildServiceState(recordType types.RecordType, req createRecordRequest) ([]byte, error) {
	switch recordType {
	case types.RecordTypeGridOpt, types.RecordTypeTorsion:
		iteration := 0
		if req.Preoptimization {
			iteration = -2
		}
		return json.Marshal(drivers.GridoptState{Iteration: iteration, Scans: req.Scans})
	case types.RecordTypeNEB, types.RecordTypeReaction, types.RecordTypeManyBody:
		if len(req.Legs) == 0 {
			return nil, ferrors.New(ferrors.DeveloperError, "legs must not be empty for this record type")
		}
		return json.Marshal(drivers.FanOutState{Legs: req.Legs})
	default:
		return nil, ferrors.New(ferrors.DeveloperError, "unknown record type "+string(recordType))
	}
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := records.Get(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type queryRecordsRequest struct {
	IDs         []string           `json:"ids,omitempty"`
	RecordTypes []types.RecordType `json:"record_types,omitempty"`
	Statuses    []types.RecordStatus `json:"statuses,omitempty"`
	Tag         string             `json:"tag,omitempty"`
	ManagerName string             `json:"manager_name,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Skip        int                `json:"skip,omitempty"`
}

type queryRecordsResponse struct {
	Metadata types.QueryMetadata `json:"metadata"`
	Records  []*types.Record     `json:"records"`
}

func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	var req queryRecordsRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	recs, meta, err := records.Query(r.Context(), s.store, types.RecordQueryFilter{
		IDs:         req.IDs,
		RecordTypes: req.RecordTypes,
		Statuses:    req.Statuses,
		Tag:         req.Tag,
		ManagerName: req.ManagerName,
		Limit:       req.Limit,
		Skip:        req.Skip,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryRecordsResponse{Metadata: meta, Records: recs})
}

type patchRecordsRequest struct {
	IDs    []string         `json:"ids" validate:"required,min=1"`
	Action records.Action   `json:"action" validate:"required"`
	Note   string           `json:"note"`
}

type patchRecordsResponse struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

func (s *Server) patchRecords(w http.ResponseWriter, r *http.Request) {
	var req patchRecordsRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	succeeded, failed, err := records.ModifyStatus(r.Context(), s.store, req.IDs, req.Action, req.Note)
	resp := patchRecordsResponse{Succeeded: succeeded, Failed: failed}
	if err != nil && len(succeeded) == 0 {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

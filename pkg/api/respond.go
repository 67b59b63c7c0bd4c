package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
)

// errorBody is the JSON shape every failed request gets back.
type errorBody struct {
	Error string       `json:"error"`
	Kind  ferrors.Kind `json:"kind,omitempty"`
}

// decodeAndValidate reads r's body into dst and runs struct validation
// tags against it, returning a DeveloperError on either failure so callers
// can route it straight through writeError.
func decodeAndValidate(r *http.Request, validate *validator.Validate, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "malformed request body", err)
	}
	if err := validate.Struct(dst); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "request validation failed", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to encode response body")
	}
}

// writeError maps a ferrors.Kind to its HTTP status (§7) and writes the
// JSON error body. Errors without a Kind are logged and reported as 500,
// since they indicate a bug rather than a handled domain condition.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := ferrors.KindOf(err)
	if !ok {
		log.WithComponent("api").Error().Err(err).Msg("unclassified error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case ferrors.NotFound:
		status = http.StatusNotFound
	case ferrors.AlreadyExists:
		status = http.StatusConflict
	case ferrors.InvalidTransition:
		status = http.StatusConflict
	case ferrors.LimitExceeded:
		status = http.StatusBadRequest
	case ferrors.Unauthorized:
		status = http.StatusUnauthorized
	case ferrors.Forbidden:
		status = http.StatusForbidden
	case ferrors.ComputationFailed:
		status = http.StatusUnprocessableEntity
	case ferrors.DeveloperError:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

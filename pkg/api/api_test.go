package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/api"
	"github.com/openqc/fleet/pkg/config"
	"github.com/openqc/fleet/pkg/storage"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir() + "/mem.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	return api.NewServer(store, cfg).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetSingleRecord(t *testing.T) {
	h := newTestServer(t)

	createBody := map[string]any{
		"specification": map[string]any{"program": "psi4", "method": "hf", "basis": "sto-3g", "driver": "energy"},
		"molecules": []map[string]any{
			{"symbols": []string{"H", "H"}, "geometry": []float64{0, 0, 0, 0, 0, 1.4}},
		},
		"tag":      "tag1",
		"priority": "normal",
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/records/single", createBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	getRec := doJSON(t, h, http.MethodGet, "/v1/records/"+created.ID, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetRecordNotFoundMapsTo404(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/records/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimAndReturnRoundTrip(t *testing.T) {
	h := newTestServer(t)

	createBody := map[string]any{
		"specification":     map[string]any{"program": "psi4", "method": "hf", "basis": "sto-3g", "driver": "energy"},
		"molecules":         []map[string]any{{"symbols": []string{"He"}, "geometry": []float64{0, 0, 0}}},
		"required_programs": []string{"psi4"},
	}
	createResp := doJSON(t, h, http.MethodPost, "/v1/records/single", createBody)
	require.Equal(t, http.StatusCreated, createResp.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createResp.Body.Bytes(), &created))

	claimResp := doJSON(t, h, http.MethodPost, "/v1/tasks/claim", map[string]any{
		"manager":  "mgr1",
		"programs": []string{"psi4"},
		"limit":    5,
	})
	require.Equal(t, http.StatusOK, claimResp.Code)
	var claimed struct {
		Tasks []struct {
			RecordID string `json:"record_id"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(claimResp.Body.Bytes(), &claimed))
	require.Len(t, claimed.Tasks, 1)
	require.Equal(t, created.ID, claimed.Tasks[0].RecordID)

	returnResp := doJSON(t, h, http.MethodPost, "/v1/tasks/return", map[string]any{
		"manager": "mgr1",
		"results": []map[string]any{
			{"record_id": created.ID, "success": true, "stdout": "done"},
		},
	})
	require.Equal(t, http.StatusOK, returnResp.Code)

	getResp := doJSON(t, h, http.MethodGet, "/v1/records/"+created.ID, nil)
	var got struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(getResp.Body.Bytes(), &got))
	require.Equal(t, "complete", got.Status)
}

func TestManagerActivateAndHeartbeat(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/managers/activate", map[string]any{
		"name":     "mgr1",
		"tags":     []string{"*"},
		"programs": []string{"psi4"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	hb := doJSON(t, h, http.MethodPost, "/v1/managers/heartbeat", map[string]any{"name": "mgr1"})
	require.Equal(t, http.StatusOK, hb.Code)
}

func TestPatchRecordsInvalidTransitionReturnsConflict(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/records/single", map[string]any{
		"specification": map[string]any{"program": "psi4", "method": "hf", "basis": "sto-3g", "driver": "energy"},
		"molecules":     []map[string]any{{"symbols": []string{"He"}, "geometry": []float64{0, 0, 0}}},
	})
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	patch := doJSON(t, h, http.MethodPatch, "/v1/records", map[string]any{
		"ids":    []string{created.ID},
		"action": "undelete",
	})
	require.Equal(t, http.StatusConflict, patch.Code)
}

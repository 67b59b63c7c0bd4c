package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRawKeyOrderIndependence(t *testing.T) {
	a, err := NormalizeRaw(json.RawMessage(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := NormalizeRaw(json.RawMessage(`{"a":2,"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestNormalizeRawNegativeZeroCollapses(t *testing.T) {
	a, err := NormalizeRaw(json.RawMessage(`{"x":-0}`))
	require.NoError(t, err)
	b, err := NormalizeRaw(json.RawMessage(`{"x":0}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestNormalizeRawRejectsNaN(t *testing.T) {
	// NaN cannot appear in valid JSON text, but callers may build a value
	// tree directly (e.g. from float64 math) and pass it through Normalize.
	_, err := Normalize(map[string]any{"x": nanValue()})
	assert.Error(t, err)
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestNormalizeRawNestedSorting(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{
			name: "nested object key order",
			a:    `{"outer":{"z":1,"a":2},"top":true}`,
			b:    `{"top":true,"outer":{"a":2,"z":1}}`,
		},
		{
			name: "array element order preserved",
			a:    `{"xs":[3,1,2]}`,
			b:    `{"xs":[3,1,2]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NormalizeRaw(json.RawMessage(tt.a))
			require.NoError(t, err)
			b, err := NormalizeRaw(json.RawMessage(tt.b))
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b))
		})
	}
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	a, err := NormalizeRaw(json.RawMessage(`{"method":"b3lyp","basis":"6-31g"}`))
	require.NoError(t, err)
	b, err := NormalizeRaw(json.RawMessage(`{"basis":"6-31g","method":"b3lyp"}`))
	require.NoError(t, err)
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashDiffersOnContentChange(t *testing.T) {
	a, err := NormalizeRaw(json.RawMessage(`{"basis":"6-31g"}`))
	require.NoError(t, err)
	b, err := NormalizeRaw(json.RawMessage(`{"basis":"cc-pvdz"}`))
	require.NoError(t, err)
	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestLowercase(t *testing.T) {
	assert.Equal(t, "b3lyp", Lowercase("B3LYP"))
	assert.Equal(t, "psi4", Lowercase("PSI4"))
}

func TestSerializeKeyRoundTrip(t *testing.T) {
	key, err := SerializeKey([]int{2, -1, 0})
	require.NoError(t, err)
	assert.Equal(t, "[2,-1,0]", key)

	coords, err := DeserializeKey(key)
	require.NoError(t, err)
	assert.Equal(t, []int{2, -1, 0}, coords)
}

func TestSerializeKeyCanonicalAcrossCalls(t *testing.T) {
	k1, err := SerializeKey([]int{1, 2})
	require.NoError(t, err)
	k2, err := SerializeKey([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestFoldSpec(t *testing.T) {
	out := FoldSpec(map[string]string{"program": "PSI4", "method": "B3LYP"})
	assert.Equal(t, "psi4", out["program"])
	assert.Equal(t, "b3lyp", out["method"])
}

func TestValidateNoDuplicateKeys(t *testing.T) {
	err := ValidateNoDuplicateKeys([]string{"program", "method"})
	assert.NoError(t, err)

	err = ValidateNoDuplicateKeys([]string{"Program", "program"})
	assert.Error(t, err)
}

func TestHashValue(t *testing.T) {
	type spec struct {
		Program string `json:"program"`
		Method  string `json:"method"`
	}
	h1, err := HashValue(spec{Program: "psi4", Method: "b3lyp"})
	require.NoError(t, err)
	h2, err := HashValue(spec{Program: "psi4", Method: "b3lyp"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Valid(t *testing.T) {
	require.NoError(t, Validate(Catalog()))
}

func TestValidate_RejectsBadEndpoint(t *testing.T) {
	err := Validate([]Function{{Name: "x", Endpoint: "/api/tools/OSA-Bad", Parameters: []Parameter{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid endpoint")
}

func TestValidate_RejectsDuplicate(t *testing.T) {
	fn := Function{Name: "osa_x", Endpoint: "/api/tools/osa_x", Parameters: []Parameter{}}
	require.Error(t, Validate([]Function{fn, fn}))
}

func TestHandler_Shape(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tools/odp/discovery", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	_, hasTools := doc["tools"]
	assert.False(t, hasTools, "discovery document must not carry a tools key")
	require.Contains(t, doc, "functions")

	var fns []map[string]any
	require.NoError(t, json.Unmarshal(doc["functions"], &fns))
	require.NotEmpty(t, fns)
	for _, fn := range fns {
		assert.Regexp(t, `^/api/tools/osa_[a-z_]+$`, fn["endpoint"])
		assert.Contains(t, fn, "httpMethod")
		params, ok := fn["parameters"].([]any)
		require.True(t, ok, "parameters must be an array for %v", fn["name"])
		for _, p := range params {
			pm := p.(map[string]any)
			for _, key := range []string{"name", "type", "description", "required"} {
				assert.Contains(t, pm, key)
			}
		}
	}
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-broker/internal/apperr"
)

func TestWriteSuccess_WrapsDataInEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeSuccess(w, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestWriteError_MapsKindToStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, apperr.New(apperr.KindGone, "retired"))

	assert.Equal(t, http.StatusGone, w.Code)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "retired", resp.Error)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	h := &Handler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.healthz(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnableCORS_ShortCircuitsPreflight(t *testing.T) {
	called := false
	handler := enableCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	handler.ServeHTTP(w, r)

	assert.False(t, called, "preflight requests must not reach the wrapped handler")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingMiddleware_CapturesStatusAndCallsThrough(t *testing.T) {
	called := false
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ok", nil)
	handler.ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

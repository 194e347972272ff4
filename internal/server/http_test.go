package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/indexer"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/state"
)

func testHandler(t *testing.T, httpToken string) (http.Handler, *state.State) {
	t.Helper()
	cfg := &config.Config{
		BaseURL:         "https://example.test",
		HTTPAddr:        "127.0.0.1:0",
		HTTPToken:       httpToken,
		DataDir:         t.TempDir(),
		MaxLinesPerBlob: 800,
	}
	st := state.New()
	idx := indexer.NewService(cfg, nil, logging.Nop())
	srv := NewHTTPServer(cfg, st, idx, logging.Nop())
	return srv.srv.Handler, st
}

func TestHealthz(t *testing.T) {
	h, _ := testHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusReflectsLifecycle(t *testing.T) {
	h, st := testHandler(t, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "starting", body.Status)
	assert.NotEmpty(t, body.Data["ver"])

	st.SetReady()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
}

func TestTokenGuardsManagementEndpoints(t *testing.T) {
	h, _ := testHandler(t, "sekrit")

	for _, path := range []string{"/projects", "/failed", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Acetool-Token", "sekrit")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestLogsRejectsBadAfter(t *testing.T) {
	h, _ := testHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs?after=xyz", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogsReturnsJSON(t *testing.T) {
	h, _ := testHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

package mintclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(env *testEnv) http.Handler {
	h := NewHandler(env.client)
	r := chi.NewRouter()
	r.Route("/admin", h.RegisterAdminRoutes)
	r.Route("/public", h.RegisterPublicRoutes)
	return r
}

func serve(handler http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandler_VerifyAndRevoke(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	router := newTestHandler(env)

	result, err := env.client.MintCertificate(context.Background(), testMintData())
	require.NoError(t, err)
	path := "/public/certificates/" + strconv.FormatUint(result.TokenID, 10)

	rec := serve(router, http.MethodGet, path)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data CertificateResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.IsValid)
	assert.Equal(t, result.ContentHash, resp.Data.ContentHash)

	rec = serve(router, http.MethodPost, "/admin/certificates/1/revoke")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodPost, "/admin/certificates/1/revoke")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(router, http.MethodGet, "/public/certificates/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, http.MethodGet, "/public/certificates/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PauseUnpause(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	router := newTestHandler(env)

	rec := serve(router, http.MethodPost, "/admin/unpause")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(router, http.MethodPost, "/admin/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.client.Paused())

	rec = serve(router, http.MethodPost, "/admin/unpause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.client.Paused())
}

func TestHandler_PauseWithoutAdminRole(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	router := newTestHandler(env)

	rec := serve(router, http.MethodPost, "/admin/pause")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

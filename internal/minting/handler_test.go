package minting_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groeimetai/certminter/internal/minting"
)

func newTestRouter(h *harness) http.Handler {
	r := chi.NewRouter()
	minting.NewHandler(h.queue, h.scheduler).RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetSnapshot(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "cert-1", 1, minting.PriorityDefault)

	rec := doRequest(t, newTestRouter(h), http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Wallet struct {
				Connected bool `json:"connected"`
			} `json:"wallet"`
			Queue minting.QueueStats `json:"queue"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Wallet.Connected)
	assert.Equal(t, 1, resp.Data.Queue.Pending)
}

func TestHandler_ProcessQueue(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "cert-1", 1, minting.PriorityDefault)

	rec := doRequest(t, newTestRouter(h), http.MethodPost, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Run   minting.RunReport  `json:"run"`
			Queue minting.QueueStats `json:"queue"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Run.Completed)
	assert.Equal(t, 1, resp.Data.Queue.Completed)
	assert.Equal(t, 0, resp.Data.Queue.Pending)
}

func TestHandler_ListItems(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "cert-1", 1, minting.PriorityDefault)
	router := newTestRouter(h)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"all", "/queue/items", http.StatusOK},
		{"by status", "/queue/items?status=pending&limit=5", http.StatusOK},
		{"invalid status", "/queue/items?status=archived", http.StatusBadRequest},
		{"invalid limit", "/queue/items?limit=0", http.StatusBadRequest},
		{"limit too large", "/queue/items?limit=501", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandler_GetItem(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "cert-1", 1, minting.PriorityDefault)
	router := newTestRouter(h)

	rec := doRequest(t, router, http.MethodGet, "/queue/items/"+item.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data minting.QueueItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cert-1", resp.Data.CertificateID)

	rec = doRequest(t, router, http.MethodGet, "/queue/items/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_RetryFailed(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)

	rec := doRequest(t, router, http.MethodPost, "/queue/retry", map[string]interface{}{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/queue/retry", map[string]interface{}{"ids": []string{"nope"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"reset":0}}`, rec.Body.String())
}

func TestHandler_Cleanup(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)

	rec := doRequest(t, router, http.MethodPost, "/queue/cleanup", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/queue/cleanup", map[string]interface{}{"retention_days": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"deleted":0}}`, rec.Body.String())
}

func TestHandler_ProcessQueue_ClientDisconnectDoesNotAbortMint(t *testing.T) {
	h := newHarness(t)
	h.client.SetDelay(200 * time.Millisecond)
	item := h.enqueue(t, "cert-1", 1, minting.PriorityDefault)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	req := httptest.NewRequest(http.MethodPost, "/queue", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got := h.item(t, item.ID)
	assert.Equal(t, minting.QueueStatusCompleted, got.Status)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 1, h.client.Mints())
}

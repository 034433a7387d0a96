package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwindow/internal/config"
	"feedwindow/internal/rss"
)

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestArticlesHandler(t *testing.T) {
	h := newHarness(t, realFetcher(), nil, config.Config{})
	handler := h.svc.Handler()

	rec := serve(handler, http.MethodGet, "/articles")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"articles not yet available"}`, rec.Body.String())

	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	rec = serve(handler, http.MethodGet, "/articles")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "[]", rec.Body.String())

	rec = serve(handler, http.MethodHead, "/articles")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = serve(handler, http.MethodDelete, "/articles")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestArticlesHandler_ServesStoredBytes(t *testing.T) {
	srv, _ := feedServer(t, map[string]string{"/a.xml": rssDoc("https://a/1")})
	h := newHarness(t, realFetcher(), []rss.Source{{Name: "A", FeedURL: srv.URL + "/a.xml"}}, config.Config{})
	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	raw, ok, err := h.store.Raw(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	rec := serve(h.svc.Handler(), http.MethodGet, "/articles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, raw, rec.Body.String())

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, rss.HashURL("https://a/1"), got[0]["id"])
	assert.Equal(t, "A", got[0]["source"])
	assert.Equal(t, "2024-05-01T12:00:00.000Z", got[0]["publicationDatetime"])
}

func TestStatusHandler(t *testing.T) {
	h := newHarness(t, realFetcher(), nil, config.Config{})
	handler := h.svc.Handler()

	rec := serve(handler, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"phase":"idle"}`, rec.Body.String())

	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	rec = serve(handler, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "succeeded", body["phase"])
	assert.NotEmpty(t, body["lastRefresh"])
	cycle, ok := body["lastCycle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "succeeded", cycle["phase"])
}

func TestRefreshHandler(t *testing.T) {
	h := newHarness(t, realFetcher(), nil, config.Config{})
	handler := h.svc.Handler()

	rec := serve(handler, http.MethodGet, "/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))

	rec = serve(handler, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "succeeded", body["phase"])
}

func TestRefreshHandler_Conflict(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, f, []rss.Source{{Name: "Slow", FeedURL: "https://slow/feed"}}, config.Config{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.RunOnce(context.Background())
		done <- err
	}()
	<-f.started

	rec := serve(h.svc.Handler(), http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(f.release)
	require.NoError(t, <-done)
}

func TestRefreshHandler_Failure(t *testing.T) {
	h := newHarness(t, realFetcher(), nil, config.Config{})
	h.kv.failPuts = true

	rec := serve(h.svc.Handler(), http.MethodPost, "/refresh")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed", body["phase"])
	assert.Contains(t, body["error"], "persist snapshot")
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, realFetcher(), nil, config.Config{})
	handler := h.svc.Handler()

	rec := serve(handler, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	rec = serve(handler, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedwindow_cycles_total")
}

func TestFailureAlert(t *testing.T) {
	alerts := make(chan map[string]string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		alerts <- payload
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	h := newHarness(t, realFetcher(), nil, config.Config{AlertWebhookURL: hook.URL})
	h.kv.failPuts = true

	_, err := h.svc.RunOnce(context.Background())
	require.Error(t, err)

	payload := <-alerts
	assert.Contains(t, payload["text"], "feedwindow refresh failed")
	assert.Contains(t, payload["text"], "persist snapshot")
}

func TestNoAlertOnSuccess(t *testing.T) {
	called := false
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer hook.Close()

	h := newHarness(t, realFetcher(), nil, config.Config{AlertWebhookURL: hook.URL})
	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream records what the backend received.
type upstream struct {
	*httptest.Server
	hits int32

	mu   sync.Mutex
	last received
}

type received struct {
	path        string
	method      string
	auth        string
	cookie      string
	contentType string
	body        []byte
}

func newUpstream(t *testing.T, status int, reply string) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.hits, 1)
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.last = received{
			path:        r.URL.Path,
			method:      r.Method,
			auth:        r.Header.Get("Authorization"),
			cookie:      r.Header.Get("Cookie"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count() int { return int(atomic.LoadInt32(&u.hits)) }

func (u *upstream) received() received {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type proxyRecorder struct {
	mu       sync.Mutex
	statuses map[string][]int
}

func (r *proxyRecorder) ObserveProxy(route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = map[string][]int{}
	}
	r.statuses[route] = append(r.statuses[route], status)
}

func proxyRouter(t *testing.T, baseURL string, rec ProxyRecorder) *gin.Engine {
	t.Helper()
	p, err := NewProxy(ProxyConfig{BaseURL: baseURL, Timeout: 2 * time.Second, MaxUploadBytes: 1 << 16, Recorder: rec})
	require.NoError(t, err)

	router := gin.New()
	router.POST("/api/upload", p.Upload)
	router.POST("/api/video/sessions/:sessionId/join", p.JoinVideoSession)
	router.GET("/api/video/webrtc-config", p.WebRTCConfig)
	return router
}

// multipartBody builds a form with an optional type field and one file.
func multipartBody(t *testing.T, uploadType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if uploadType != "" {
		require.NoError(t, w.WriteField("type", uploadType))
	}
	fw, err := w.CreateFormFile("file", "insurance-card.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG fake image bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

// =============================================================================
// Upload Tests
// =============================================================================

func TestUpload_ForwardsVerbatim(t *testing.T) {
	up := newUpstream(t, http.StatusCreated, `{"id":"up-1","status":"stored"}`)
	rec := &proxyRecorder{}
	router := proxyRouter(t, up.URL+"/", rec)

	body, contentType := multipartBody(t, "insurance")
	sent := append([]byte(nil), body.Bytes()...)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer patient-token")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.JSONEq(t, `{"id":"up-1","status":"stored"}`, resp.Body.String())
	got := up.received()
	assert.Equal(t, "/api/v1/uploads/insurance", got.path)
	assert.Equal(t, "Bearer patient-token", got.auth)
	assert.Equal(t, contentType, got.contentType)
	assert.Equal(t, sent, got.body, "multipart bytes are forwarded unchanged")
	assert.Equal(t, []int{http.StatusCreated}, rec.statuses[RouteUpload])
}

func TestUpload_MissingTypeNeverReachesUpstream(t *testing.T) {
	up := newUpstream(t, http.StatusCreated, `{}`)
	router := proxyRouter(t, up.URL, nil)

	body, contentType := multipartBody(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), `"success":false`)
	assert.Zero(t, up.count())
}

func TestUpload_Rejections(t *testing.T) {
	up := newUpstream(t, http.StatusCreated, `{}`)
	router := proxyRouter(t, up.URL, nil)

	traversal, ct := multipartBody(t, "../admin")
	tests := []struct {
		name        string
		body        io.Reader
		contentType string
		want        int
	}{
		{"not multipart", strings.NewReader(`{"type":"x"}`), "application/json", http.StatusBadRequest},
		{"path traversal type", traversal, ct, http.StatusBadRequest},
		{"too large", bytes.NewReader(make([]byte, 1<<17)), ct, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/upload", tt.body)
			req.Header.Set("Content-Type", tt.contentType)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			assert.Equal(t, tt.want, resp.Code)
		})
	}
	assert.Zero(t, up.count())
}

func TestUpload_UpstreamErrorStatusIsVerbatim(t *testing.T) {
	up := newUpstream(t, http.StatusUnprocessableEntity, `{"detail":"unsupported file"}`)
	router := proxyRouter(t, up.URL, nil)

	body, contentType := multipartBody(t, "avatar")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.JSONEq(t, `{"detail":"unsupported file"}`, resp.Body.String())
}

func TestUpload_UpstreamUnreachable(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{}`)
	up.Close()
	rec := &proxyRecorder{}
	router := proxyRouter(t, up.URL, rec)

	body, contentType := multipartBody(t, "avatar")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.JSONEq(t, `{"success":false,"error":"upload failed"}`, resp.Body.String())
	assert.Equal(t, []int{0}, rec.statuses[RouteUpload])
}

// =============================================================================
// Video Tests
// =============================================================================

func TestJoinVideoSession_ForwardsAuthAndCookies(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{"token":"lk-abc","room":"s-9"}`)
	router := proxyRouter(t, up.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/video/sessions/s-9/join", strings.NewReader(`{"device":"web"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer t")
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"token":"lk-abc","room":"s-9"}`, resp.Body.String())
	got := up.received()
	assert.Equal(t, "/api/v1/video/sessions/s-9/join", got.path)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Bearer t", got.auth)
	assert.Equal(t, "session=abc", got.cookie)
	assert.JSONEq(t, `{"device":"web"}`, string(got.body))
}

func TestJoinVideoSession_InvalidSessionID(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{}`)
	router := proxyRouter(t, up.URL, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/video/sessions/bad.id/join", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, up.count())
}

func TestWebRTCConfig(t *testing.T) {
	up := newUpstream(t, http.StatusForbidden, `{"detail":"not a participant"}`)
	router := proxyRouter(t, up.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/video/webrtc-config", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.JSONEq(t, `{"detail":"not a participant"}`, resp.Body.String())
	got := up.received()
	assert.Equal(t, "/api/v1/video/webrtc-config", got.path)
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "session=abc", got.cookie)
}

func TestWebRTCConfig_TransportError(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{}`)
	up.Close()
	router := proxyRouter(t, up.URL, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/video/webrtc-config", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Contains(t, resp.Body.String(), `"success":false`)
}

func TestNewProxy_RejectsRelativeBase(t *testing.T) {
	_, err := NewProxy(ProxyConfig{BaseURL: "/api"})
	assert.Error(t, err)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenecare/portal-gateway/services/gateway/config"
	"github.com/serenecare/portal-gateway/services/push/vapid"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Port = "0"
	cfg.GinMode = "test"
	cfg.Store.Backend = config.StoreMemory
	cfg.Sweep.Interval = 0
	cfg.OTelEndpoint = ""
	cfg.VAPID = config.VAPIDConfig{Contact: "mailto:ops@serenecare.app"}
	return cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_PushDisabledWithoutKeys(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer svc.Close()

	assert.False(t, svc.PushEnabled())
	rec := get(t, svc.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"push":"disabled"`)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc.Handler(), "/api/push/vapid-public-key").Code)
}

func TestNew_InvalidKeysDisablePushOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.VAPID.PublicKey = "not-a-key"
	cfg.VAPID.PrivateKey = "also-not-a-key"

	svc, err := New(context.Background(), cfg)
	require.NoError(t, err, "bad VAPID keys must not stop the gateway")
	defer svc.Close()

	assert.False(t, svc.PushEnabled())
	assert.Equal(t, http.StatusOK, get(t, svc.Handler(), "/health").Code)
}

func TestNew_PushEnabledWithValidKeys(t *testing.T) {
	pub, priv, err := vapid.GenerateKeys()
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.VAPID.PublicKey = pub
	cfg.VAPID.PrivateKey = priv

	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer svc.Close()

	assert.True(t, svc.PushEnabled())
	rec := get(t, svc.Handler(), "/api/push/vapid-public-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), pub)

	rec = get(t, svc.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIBaseURL = "not a url"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_BadgerStoreAndAuditLog(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Store.Backend = config.StoreBadger
	cfg.Store.Path = filepath.Join(dir, "subs")
	cfg.Sweep.Interval = time.Hour
	cfg.Sweep.AuditPath = filepath.Join(dir, "audit", "sweep.jsonl")

	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, svc.sweeper)
	require.NotNil(t, svc.audit)
	assert.NoError(t, svc.Close())
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweep.Interval = time.Hour

	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

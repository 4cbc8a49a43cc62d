// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http://localhost:8000", cfg.APIBaseURL)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, int64(25<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "userId", cfg.IdentityCookie)
	assert.Equal(t, "mailto:notifications@serenecare.app", cfg.VAPID.Contact)
	assert.Equal(t, StoreBadger, cfg.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Push.TTL)
	assert.Equal(t, 8, cfg.Push.MaxConcurrency)
	assert.Equal(t, 3, cfg.Push.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Push.InitialBackoff)
	assert.Equal(t, 60*24*time.Hour, cfg.Sweep.MaxAge)
	assert.False(t, cfg.PushConfigured())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := writeYAML(t, `
port: "9090"
api_base_url: https://api.serenecare.app
push:
  max_concurrency: 2
store:
  backend: memory
sweep:
  interval: 30m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://api.serenecare.app", cfg.APIBaseURL)
	assert.Equal(t, 2, cfg.Push.MaxConcurrency)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 3, cfg.Push.RetryAttempts, "unset keys keep defaults")
}

func TestLoad_EnvWinsOverYAML(t *testing.T) {
	path := writeYAML(t, "port: \"9090\"\npush:\n  max_concurrency: 2\n")
	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("VAPID_PUBLIC_KEY", "BPub")
	t.Setenv("PUSH_RETRY_MAX_BACKOFF", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 2, cfg.Push.MaxConcurrency, "yaml value survives when env is unset")
	assert.Equal(t, "BPub", cfg.VAPID.PublicKey)
	assert.Equal(t, 3*time.Second, cfg.Push.MaxBackoff)
	assert.True(t, cfg.PushConfigured())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "port: [unclosed"))
	assert.Error(t, err)

	t.Setenv("PUSH_MAX_CONCURRENCY", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown gin mode", func(c *Config) { c.GinMode = "verbose" }},
		{"relative api url", func(c *Config) { c.APIBaseURL = "/api" }},
		{"bad origin", func(c *Config) { c.PortalOrigin = "portal" }},
		{"zero concurrency", func(c *Config) { c.Push.MaxConcurrency = 0 }},
		{"zero rate", func(c *Config) { c.Push.RatePerSecond = 0 }},
		{"no retries", func(c *Config) { c.Push.RetryAttempts = 0 }},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }},
		{"badger without path", func(c *Config) { c.Store.Path = "" }},
		{"empty cookie", func(c *Config) { c.IdentityCookie = "" }},
		{"negative sweep", func(c *Config) { c.Sweep.Interval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

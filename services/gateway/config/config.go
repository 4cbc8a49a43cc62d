// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads gateway settings.
//
// # Description
//
// Settings are resolved in three layers, later layers winning:
//
//  1. Built-in defaults (the envDefault tags below).
//  2. An optional YAML file passed to Load.
//  3. Environment variables.
//
// The VAPID keys are deliberately not validated here. A gateway with bad keys
// still serves the upload and video proxies; the vapid package reports the
// problem and push is disabled.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config holds every gateway setting.
type Config struct {
	Port     string `yaml:"port" env:"GATEWAY_PORT" envDefault:"8080"`
	GinMode  string `yaml:"gin_mode" env:"GIN_MODE" envDefault:"release"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogDir   string `yaml:"log_dir" env:"LOG_DIR"`
	LogJSON  bool   `yaml:"log_json" env:"LOG_JSON"`

	VAPID VAPIDConfig `yaml:"vapid"`
	Push  PushConfig  `yaml:"push"`
	Store StoreConfig `yaml:"store"`
	Sweep SweepConfig `yaml:"sweep"`

	APIBaseURL      string        `yaml:"api_base_url" env:"API_BASE_URL" envDefault:"http://localhost:8000"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" envDefault:"26214400"`

	IdentityCookie  string `yaml:"identity_cookie" env:"IDENTITY_COOKIE" envDefault:"userId"`
	InternalAPIKey  string `yaml:"internal_api_key" env:"INTERNAL_API_KEY"`
	PortalOrigin    string `yaml:"portal_origin" env:"PORTAL_ORIGIN" envDefault:"http://localhost:3000"`
	CORSAllowOrigin string `yaml:"cors_allow_origin" env:"CORS_ALLOW_ORIGIN" envDefault:"*"`

	// OTelEndpoint is an OTLP gRPC collector address, "stdout", or empty to
	// disable tracing.
	OTelEndpoint string `yaml:"otel_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// VAPIDConfig holds the application server identity.
type VAPIDConfig struct {
	PublicKey  string `yaml:"public_key" env:"VAPID_PUBLIC_KEY"`
	PrivateKey string `yaml:"private_key" env:"VAPID_PRIVATE_KEY"`
	Contact    string `yaml:"contact" env:"VAPID_CONTACT" envDefault:"mailto:notifications@serenecare.app"`
}

// PushConfig tunes the dispatcher.
type PushConfig struct {
	TTL            time.Duration `yaml:"ttl" env:"PUSH_TTL" envDefault:"24h"`
	MaxConcurrency int           `yaml:"max_concurrency" env:"PUSH_MAX_CONCURRENCY" envDefault:"8"`
	RatePerSecond  float64       `yaml:"rate_per_second" env:"PUSH_RATE_PER_SECOND" envDefault:"50"`
	RetryAttempts  int           `yaml:"retry_attempts" env:"PUSH_RETRY_ATTEMPTS" envDefault:"3"`
	InitialBackoff time.Duration `yaml:"retry_initial_backoff" env:"PUSH_RETRY_INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff     time.Duration `yaml:"retry_max_backoff" env:"PUSH_RETRY_MAX_BACKOFF" envDefault:"10s"`
}

// StoreConfig selects the subscription store.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"SUBSCRIPTION_STORE" envDefault:"badger"`
	Path    string `yaml:"path" env:"SUBSCRIPTION_DB_PATH" envDefault:"./data/subscriptions"`
}

// SweepConfig tunes the stale-subscription sweeper. A zero Interval
// disables it.
type SweepConfig struct {
	Interval  time.Duration `yaml:"interval" env:"SWEEP_INTERVAL" envDefault:"6h"`
	MaxAge    time.Duration `yaml:"max_age" env:"SWEEP_MAX_AGE" envDefault:"1440h"`
	AuditPath string        `yaml:"audit_path" env:"SWEEP_AUDIT_PATH"`
}

// Load resolves defaults, then path (if non-empty), then the environment.
func Load(path string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := parseEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseEnvOverrides applies only variables that are actually set, so YAML
// values are not clobbered by envDefault tags.
func parseEnvOverrides(cfg *Config) error {
	set := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set[k] = v
		}
	}

	var explicit []string
	var overlay Config
	err := env.ParseWithOptions(&overlay, env.Options{
		Environment: set,
		OnSet: func(key string, _ interface{}, isDefault bool) {
			if !isDefault {
				explicit = append(explicit, key)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	for _, key := range explicit {
		applyOverride(cfg, &overlay, key)
	}
	return nil
}

func applyOverride(dst, src *Config, key string) {
	switch key {
	case "GATEWAY_PORT":
		dst.Port = src.Port
	case "GIN_MODE":
		dst.GinMode = src.GinMode
	case "LOG_LEVEL":
		dst.LogLevel = src.LogLevel
	case "LOG_DIR":
		dst.LogDir = src.LogDir
	case "LOG_JSON":
		dst.LogJSON = src.LogJSON
	case "VAPID_PUBLIC_KEY":
		dst.VAPID.PublicKey = src.VAPID.PublicKey
	case "VAPID_PRIVATE_KEY":
		dst.VAPID.PrivateKey = src.VAPID.PrivateKey
	case "VAPID_CONTACT":
		dst.VAPID.Contact = src.VAPID.Contact
	case "PUSH_TTL":
		dst.Push.TTL = src.Push.TTL
	case "PUSH_MAX_CONCURRENCY":
		dst.Push.MaxConcurrency = src.Push.MaxConcurrency
	case "PUSH_RATE_PER_SECOND":
		dst.Push.RatePerSecond = src.Push.RatePerSecond
	case "PUSH_RETRY_ATTEMPTS":
		dst.Push.RetryAttempts = src.Push.RetryAttempts
	case "PUSH_RETRY_INITIAL_BACKOFF":
		dst.Push.InitialBackoff = src.Push.InitialBackoff
	case "PUSH_RETRY_MAX_BACKOFF":
		dst.Push.MaxBackoff = src.Push.MaxBackoff
	case "SUBSCRIPTION_STORE":
		dst.Store.Backend = src.Store.Backend
	case "SUBSCRIPTION_DB_PATH":
		dst.Store.Path = src.Store.Path
	case "SWEEP_INTERVAL":
		dst.Sweep.Interval = src.Sweep.Interval
	case "SWEEP_MAX_AGE":
		dst.Sweep.MaxAge = src.Sweep.MaxAge
	case "SWEEP_AUDIT_PATH":
		dst.Sweep.AuditPath = src.Sweep.AuditPath
	case "API_BASE_URL":
		dst.APIBaseURL = src.APIBaseURL
	case "UPSTREAM_TIMEOUT":
		dst.UpstreamTimeout = src.UpstreamTimeout
	case "MAX_UPLOAD_BYTES":
		dst.MaxUploadBytes = src.MaxUploadBytes
	case "IDENTITY_COOKIE":
		dst.IdentityCookie = src.IdentityCookie
	case "INTERNAL_API_KEY":
		dst.InternalAPIKey = src.InternalAPIKey
	case "PORTAL_ORIGIN":
		dst.PortalOrigin = src.PortalOrigin
	case "CORS_ALLOW_ORIGIN":
		dst.CORSAllowOrigin = src.CORSAllowOrigin
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		dst.OTelEndpoint = src.OTelEndpoint
	}
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("gin_mode %q must be debug, release or test", c.GinMode))
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q is not an absolute URL", c.APIBaseURL))
	}
	if u, err := url.Parse(c.PortalOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("portal_origin %q is not an absolute URL", c.PortalOrigin))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("upstream_timeout must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.IdentityCookie == "" {
		errs = append(errs, errors.New("identity_cookie is required"))
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be %q or %q", c.Store.Backend, StoreBadger, StoreMemory))
	}
	if c.Push.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("push.max_concurrency must be positive"))
	}
	if c.Push.RatePerSecond <= 0 {
		errs = append(errs, errors.New("push.rate_per_second must be positive"))
	}
	if c.Push.RetryAttempts < 1 {
		errs = append(errs, errors.New("push.retry_attempts must be at least 1"))
	}
	if c.Push.TTL < 0 {
		errs = append(errs, errors.New("push.ttl must not be negative"))
	}
	if c.Sweep.Interval < 0 || c.Sweep.MaxAge < 0 {
		errs = append(errs, errors.New("sweep durations must not be negative"))
	}
	return errors.Join(errs...)
}

// PushConfigured reports whether any VAPID key material was supplied.
func (c Config) PushConfigured() bool {
	return c.VAPID.PublicKey != "" || c.VAPID.PrivateKey != ""
}

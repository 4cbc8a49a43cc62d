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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/serenecare/portal-gateway/services/gateway/datatypes"
)

// Proxy routes, as reported to ProxyRecorder.
const (
	RouteUpload       = "upload"
	RouteVideoJoin    = "video_join"
	RouteWebRTCConfig = "webrtc_config"
)

// maxUpstreamBody caps how much of an upstream reply is relayed.
const maxUpstreamBody = 16 << 20

var (
	uploadTypePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	sessionIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

var errUploadTooLarge = errors.New("upload exceeds size limit")

// ProxyRecorder receives proxy metrics. A zero status means the upstream
// was unreachable.
type ProxyRecorder interface {
	ObserveProxy(route string, status int, elapsed time.Duration)
}

type noopProxyRecorder struct{}

func (noopProxyRecorder) ObserveProxy(string, int, time.Duration) {}

// ProxyConfig configures the upstream proxies.
type ProxyConfig struct {
	// BaseURL is the backend API root, e.g. "https://api.serenecare.app".
	BaseURL string

	// Timeout bounds one upstream round trip. Default: 30s.
	Timeout time.Duration

	// MaxUploadBytes caps the request body of the upload proxy.
	// Default: 25 MiB.
	MaxUploadBytes int64

	// Client overrides the HTTP client.
	Client *http.Client

	Recorder ProxyRecorder
	Logger   *slog.Logger
}

// Proxy forwards portal requests to the backend API.
//
// # Description
//
// The proxies are pass-through. The upstream status code and body are
// returned verbatim; only when the upstream cannot be reached at all does
// the gateway answer for it, with 500 and a short JSON message.
//
// # Thread Safety
//
// Safe for concurrent use.
type Proxy struct {
	base      *url.URL
	client    *http.Client
	maxUpload int64
	recorder  ProxyRecorder
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewProxy validates cfg.BaseURL and fills defaults.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("proxy base url %q is not absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopProxyRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{
		base:      base,
		client:    cfg.Client,
		maxUpload: cfg.MaxUploadBytes,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("portal-gateway.proxy"),
	}, nil
}

// =============================================================================
// Upload
// =============================================================================

// Upload forwards a multipart upload to /api/v1/uploads/{type}.
//
// # Description
//
// The body is buffered (up to MaxUploadBytes) so the "type" form field can be
// read and the original multipart bytes still forwarded unchanged. A missing
// or unsafe type is rejected with 400 before any upstream call.
func (p *Proxy) Upload(c *gin.Context) {
	body, err := p.readUpload(c)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUploadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	contentType := c.GetHeader("Content-Type")
	uploadType, err := multipartField(contentType, body, "type")
	if err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}
	if uploadType == "" {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "upload type is required"})
		return
	}
	if !uploadTypePattern.MatchString(uploadType) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "upload type is invalid"})
		return
	}

	p.forward(c, upstreamCall{
		route:       RouteUpload,
		method:      http.MethodPost,
		path:        "/api/v1/uploads/" + uploadType,
		body:        body,
		contentType: contentType,
		failure:     "upload failed",
	})
}

func (p *Proxy) readUpload(c *gin.Context) ([]byte, error) {
	if c.Request.ContentLength > p.maxUpload {
		return nil, errUploadTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, p.maxUpload+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(body)) > p.maxUpload {
		return nil, errUploadTooLarge
	}
	return body, nil
}

// multipartField returns the first non-file part named name, or "" if there
// is none.
func multipartField(contentType string, body []byte, name string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return "", errors.New("expected multipart form data")
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil {
			return "", errors.New("malformed multipart body")
		}
		if part.FormName() != name || part.FileName() != "" {
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, 256))
		if err != nil {
			return "", errors.New("malformed multipart body")
		}
		return strings.TrimSpace(string(value)), nil
	}
}

// =============================================================================
// Video
// =============================================================================

// JoinVideoSession forwards to /api/v1/video/sessions/{sessionId}/join.
func (p *Proxy) JoinVideoSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !sessionIDPattern.MatchString(sessionID) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "session id is invalid"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "could not read request body"})
		return
	}

	p.forward(c, upstreamCall{
		route:       RouteVideoJoin,
		method:      http.MethodPost,
		path:        "/api/v1/video/sessions/" + sessionID + "/join",
		body:        body,
		contentType: c.GetHeader("Content-Type"),
		withCookies: true,
		failure:     "failed to join video session",
	})
}

// WebRTCConfig forwards to /api/v1/video/webrtc-config.
func (p *Proxy) WebRTCConfig(c *gin.Context) {
	p.forward(c, upstreamCall{
		route:       RouteWebRTCConfig,
		method:      http.MethodGet,
		path:        "/api/v1/video/webrtc-config",
		withCookies: true,
		failure:     "failed to fetch WebRTC configuration",
	})
}

// =============================================================================
// Forwarding
// =============================================================================

type upstreamCall struct {
	route       string
	method      string
	path        string
	body        []byte
	contentType string
	withCookies bool

	// failure is the message returned when the upstream is unreachable.
	failure string
}

func (p *Proxy) forward(c *gin.Context, call upstreamCall) {
	ctx, span := p.tracer.Start(c.Request.Context(), "proxy."+call.route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("proxy.route", call.route)))
	defer span.End()

	start := time.Now()
	status, header, body, err := p.roundTrip(ctx, c.Request, call)
	elapsed := time.Since(start)
	p.recorder.ObserveProxy(call.route, status, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unreachable")
		p.logger.Error("proxy.upstream.failed",
			slog.String("route", call.route),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", elapsed.Milliseconds()))
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: call.failure})
		return
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	p.logger.Debug("proxy.upstream.completed",
		slog.String("route", call.route),
		slog.Int("status", status),
		slog.Int64("duration_ms", elapsed.Milliseconds()))

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(status, contentType, body)
}

func (p *Proxy) roundTrip(ctx context.Context, in *http.Request, call upstreamCall) (int, http.Header, []byte, error) {
	target := p.base.JoinPath(call.path)

	var reader io.Reader
	if call.body != nil {
		reader = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, target.String(), reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	if call.contentType != "" {
		req.Header.Set("Content-Type", call.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if auth := in.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if call.withCookies {
		if cookie := in.Header.Get("Cookie"); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch delivers composed notifications to browser push services.
//
// Send signs each request with the process VAPID identity, hands it to
// webpush-go for RFC 8291 encryption and delivery, and classifies the
// result:
//
//	2xx           -> Delivered
//	404, 410      -> ExpiredEndpoint (caller must remove the subscription)
//	anything else -> TransientFailure
//
// 429, 5xx and network errors are retried with exponential backoff and
// jitter, honouring Retry-After up to RetryConfig.MaxBackoff. Every outbound
// request, including retries, passes through one rate limiter per
// Dispatcher, which is one limiter per signing identity. The same holds for
// Config.MaxConcurrency: it caps sends in flight across every caller of one
// Dispatcher, not per batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/serenecare/portal-gateway/services/push/compose"
	"github.com/serenecare/portal-gateway/services/push/registry"
	"github.com/serenecare/portal-gateway/services/push/vapid"
)

// ErrPushDisabled is returned by New when no signing identity is configured.
var ErrPushDisabled = errors.New("dispatch: push delivery disabled (no VAPID identity)")

// maxErrorBody bounds how much of a push service error body is kept.
const maxErrorBody = 512

// =============================================================================
// Outcome
// =============================================================================

// OutcomeKind classifies a delivery.
type OutcomeKind int

const (
	Delivered OutcomeKind = iota
	ExpiredEndpoint
	TransientFailure
)

// String returns the metric label for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case ExpiredEndpoint:
		return "expired"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Send. It is a value, not an error: every
// call returns exactly one Outcome.
type Outcome struct {
	Kind OutcomeKind

	// Reason describes a TransientFailure or ExpiredEndpoint. Empty for
	// Delivered.
	Reason string

	// StatusCode is the last push service status, 0 if no response.
	StatusCode int

	// Attempts is the number of requests made.
	Attempts int

	Duration time.Duration
}

// =============================================================================
// Configuration
// =============================================================================

// Recorder receives delivery metrics. observability.Metrics implements it.
type Recorder interface {
	ObservePushAttempt()
	ObservePushOutcome(outcome string, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObservePushAttempt() {}

func (noopRecorder) ObservePushOutcome(string, time.Duration) {}

// Config controls delivery behaviour.
type Config struct {
	Retry RetryConfig

	// RatePerSecond limits outbound requests. <= 0 disables limiting.
	RatePerSecond float64

	// Burst is the limiter bucket size. Default: 1 per 10 req/s, min 1.
	Burst int

	// MaxConcurrency bounds sends in flight across all callers, retries
	// included. Default: 8.
	MaxConcurrency int

	// DefaultTTL is used by Send. Default: 24h.
	DefaultTTL time.Duration

	// HTTPClient performs the requests. Default: http.Client with
	// RequestTimeout.
	HTTPClient webpush.HTTPClient

	// RequestTimeout bounds one attempt when HTTPClient is nil.
	// Default: 30s.
	RequestTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryConfig(),
		RatePerSecond:  50,
		MaxConcurrency: 8,
		DefaultTTL:     24 * time.Hour,
		RequestTimeout: 30 * time.Second,
	}
}

func applyConfigDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = defaults.Retry
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSecond/10))
	}
	return cfg
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher sends notifications on behalf of one signing identity.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	identity *vapid.Identity
	cfg      Config
	client   webpush.HTTPClient
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New builds a Dispatcher for identity.
//
// # Outputs
//
//	*Dispatcher - Ready to send.
//	error - ErrPushDisabled when identity is nil, or an invalid retry config.
func New(identity *vapid.Identity, cfg Config, opts ...Option) (*Dispatcher, error) {
	if identity == nil {
		return nil, ErrPushDisabled
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	d := &Dispatcher{
		identity: identity,
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		inflight: semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		recorder: noopRecorder{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("portal-gateway.push.dispatch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// PublicKey returns the identity's application server key.
func (d *Dispatcher) PublicKey() string {
	return d.identity.PublicKey()
}

// Send delivers payload with the default TTL and normal urgency.
func (d *Dispatcher) Send(ctx context.Context, sub registry.Subscription, payload compose.Payload) Outcome {
	return d.SendWith(ctx, sub, payload, vapid.SendOptions{TTL: d.cfg.DefaultTTL})
}

// SendWith delivers payload to sub's endpoint.
//
// # Description
//
// Marshals the payload once, then attempts delivery up to
// RetryConfig.MaxAttempts times. The call first takes one of the
// MaxConcurrency in-flight slots and holds it through every retry. Each
// attempt waits for the rate limiter and re-signs so the VAPID JWT is fresh. Cancelling ctx stops further attempts
// and yields TransientFailure.
//
// # Assumptions
//
// sub came from a successful registry Get. A missing subscription is the
// caller's problem, never the dispatcher's.
func (d *Dispatcher) SendWith(ctx context.Context, sub registry.Subscription, payload compose.Payload, opts vapid.SendOptions) Outcome {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "push.dispatch.send",
		trace.WithAttributes(
			attribute.String("push.endpoint_host", endpointHost(sub.Endpoint)),
			attribute.String("push.tag", payload.Tag),
		))
	defer span.End()

	var outcome Outcome
	if err := d.inflight.Acquire(ctx, 1); err != nil {
		outcome = Outcome{Kind: TransientFailure, Reason: fmt.Sprintf("waiting for send slot: %v", err)}
	} else {
		outcome = d.deliver(ctx, sub, payload, opts)
		d.inflight.Release(1)
	}
	outcome.Duration = d.now().Sub(start)

	span.SetAttributes(
		attribute.String("push.outcome", outcome.Kind.String()),
		attribute.Int("push.attempts", outcome.Attempts),
		attribute.Int("http.status_code", outcome.StatusCode),
	)
	if outcome.Kind == TransientFailure {
		span.SetStatus(codes.Error, outcome.Reason)
	}
	d.recorder.ObservePushOutcome(outcome.Kind.String(), outcome.Duration)
	d.logOutcome(sub, outcome)
	return outcome
}

func (d *Dispatcher) deliver(ctx context.Context, sub registry.Subscription, payload compose.Payload, opts vapid.SendOptions) Outcome {
	message, err := payload.Marshal()
	if err != nil {
		return Outcome{Kind: TransientFailure, Reason: err.Error()}
	}
	if opts.TTL == 0 {
		opts.TTL = d.cfg.DefaultTTL
	}
	opts.HTTPClient = d.client

	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}

	retry := d.cfg.Retry
	backoff := retry.InitialBackoff
	var outcome Outcome

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		if err := d.limiter.Wait(ctx); err != nil {
			outcome.Kind, outcome.Reason = TransientFailure, fmt.Sprintf("rate limiter: %v", err)
			return outcome
		}

		signed, err := d.identity.Sign(opts)
		if err != nil {
			outcome.Kind, outcome.Reason = TransientFailure, err.Error()
			return outcome
		}

		d.recorder.ObservePushAttempt()
		resp, err := webpush.SendNotificationWithContext(ctx, message, target, signed)

		var wait time.Duration
		switch {
		case err != nil:
			outcome.Kind, outcome.StatusCode = TransientFailure, 0
			outcome.Reason = fmt.Sprintf("send: %v", err)
			if ctx.Err() != nil || !isNetworkError(err) {
				return outcome
			}
		default:
			status, body, after := drain(resp, d.now())
			outcome.StatusCode = status
			switch {
			case status >= 200 && status < 300:
				outcome.Kind, outcome.Reason = Delivered, ""
				return outcome
			case status == http.StatusNotFound || status == http.StatusGone:
				outcome.Kind = ExpiredEndpoint
				outcome.Reason = fmt.Sprintf("push service returned %d", status)
				return outcome
			default:
				outcome.Kind = TransientFailure
				outcome.Reason = fmt.Sprintf("push service returned %d: %s", status, body)
				if !retryableStatus(status) {
					return outcome
				}
				wait = after
			}
		}

		if attempt == retry.MaxAttempts {
			break
		}

		wait = max(wait, calculateBackoff(backoff, retry.JitterFactor))
		wait = min(wait, retry.MaxBackoff)
		d.logger.Debug("push.dispatch.retry",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("reason", outcome.Reason))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			outcome.Reason = fmt.Sprintf("%s (cancelled: %v)", outcome.Reason, ctx.Err())
			return outcome
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, retry.BackoffFactor, retry.MaxBackoff)
	}
	return outcome
}

func (d *Dispatcher) logOutcome(sub registry.Subscription, o Outcome) {
	attrs := []any{
		slog.String("user_id", sub.UserID),
		slog.String("endpoint_host", endpointHost(sub.Endpoint)),
		slog.Int("status", o.StatusCode),
		slog.Int("attempts", o.Attempts),
		slog.Duration("duration", o.Duration),
	}
	switch o.Kind {
	case Delivered:
		d.logger.Info("push.dispatch.delivered", attrs...)
	case ExpiredEndpoint:
		d.logger.Info("push.dispatch.expired", attrs...)
	default:
		d.logger.Warn("push.dispatch.failed", append(attrs, slog.String("reason", o.Reason))...)
	}
}

// drain reads a bounded error body and closes the response.
func drain(resp *http.Response, now time.Time) (int, string, time.Duration) {
	defer resp.Body.Close()
	var body []byte
	if resp.StatusCode >= 300 {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, string(body), retryAfter(resp.Header.Get("Retry-After"), now)
}

// isNetworkError reports whether err came from the transport rather than
// from payload encryption or request construction.
func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// endpointHost returns only the push service host. Full endpoints are
// capability URLs and are never logged.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "invalid"
	}
	return u.Host
}

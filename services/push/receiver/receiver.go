// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package receiver models the browser-side handling of push and click events.
//
// The Receiver runs the incoming-push state machine:
//
//	raw receipt -> envelope decode -> freshness check -> render
//
// Undecodable payloads are never dropped: they render a fixed fallback
// notification so the patient is still nudged to open the portal. Payloads
// older than the freshness window are discarded silently to defeat replays.
//
// The host platform (a service worker shim, or the preview API) supplies a
// Notifier and Clients implementation and awaits the returned Event before
// tearing down its context.
package receiver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/serenecare/portal-gateway/services/push/compose"
)

// ErrMalformedPayload classifies push data that could not be decoded. It is
// always recovered into the fallback notification.
var ErrMalformedPayload = errors.New("receiver: malformed payload")

// DefaultFreshnessWindow is the maximum accepted age of a payload.
const DefaultFreshnessWindow = 5 * time.Minute

// =============================================================================
// Types
// =============================================================================

// Notification is what the host renders.
type Notification struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Tag                string         `json:"tag,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	Timestamp          int64          `json:"timestamp,omitempty"`
	RequireInteraction bool           `json:"requireInteraction"`
}

// Notifier is the host's notification surface.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// PushMessage is the raw data of one push event. Present is false when the
// push carried no payload at all.
type PushMessage struct {
	Data    []byte
	Present bool
}

// Decision is what the state machine decided to do with a push.
type Decision int

const (
	// Show means a notification is (to be) rendered.
	Show Decision = iota

	// Discard means the payload was stale and nothing is shown.
	Discard

	// Failed means rendering was attempted but the host refused, or the
	// event panicked.
	Failed
)

// String returns the lower-case name.
func (d Decision) String() string {
	switch d {
	case Show:
		return "show"
	case Discard:
		return "discard"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the decision by name.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Result describes how one push was handled.
type Result struct {
	Decision     Decision     `json:"decision"`
	Notification Notification `json:"notification"`

	// Fallback is true when the payload was unreadable and the default
	// notification was substituted.
	Fallback bool `json:"fallback"`

	// Reason explains a fallback, a discard, or a failure.
	Reason string `json:"reason,omitempty"`

	// Age is now minus the payload timestamp. Zero when absent.
	Age time.Duration `json:"-"`

	// Err is the logged failure for Decision == Failed.
	Err error `json:"-"`
}

// =============================================================================
// Policy
// =============================================================================

// Policy holds the receiver's fixed presentation rules.
type Policy struct {
	FreshnessWindow time.Duration
	DefaultIcon     string
	DefaultBadge    string
	Fallback        Notification
}

// DefaultPolicy returns the portal's receiver rules.
func DefaultPolicy() Policy {
	return Policy{
		FreshnessWindow: DefaultFreshnessWindow,
		DefaultIcon:     "/icons/icon-192x192.png",
		DefaultBadge:    "/icons/badge-72x72.png",
		Fallback: Notification{
			Title:              "Medication Reminder",
			Body:               "You have a new reminder. Open the portal for details.",
			Tag:                "fallback-reminder",
			Data:               map[string]any{"url": "/dashboard"},
			RequireInteraction: true,
		},
	}
}

// Evaluate runs decode, freshness and render preparation with DefaultPolicy.
// It has no side effects.
func Evaluate(msg PushMessage, now time.Time) Result {
	return DefaultPolicy().Evaluate(msg, now)
}

// wirePayload mirrors compose.Payload with every field optional.
type wirePayload struct {
	Title              *string        `json:"title"`
	Body               *string        `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Tag                string         `json:"tag"`
	Data               map[string]any `json:"data"`
	Timestamp          *float64       `json:"timestamp"`
	RequireInteraction *bool          `json:"requireInteraction"`
}

// Evaluate decides what to do with msg at time now. Pure.
func (p Policy) Evaluate(msg PushMessage, now time.Time) Result {
	wire, err := decode(msg)
	if err != nil {
		return Result{
			Decision:     Show,
			Notification: p.render(p.fallback()),
			Fallback:     true,
			Reason:       err.Error(),
		}
	}

	n := p.fallback()
	if wire.Title != nil && strings.TrimSpace(*wire.Title) != "" {
		n.Title = *wire.Title
	}
	if wire.Body != nil {
		n.Body = *wire.Body
	}
	n.Icon, n.Badge, n.Tag = wire.Icon, wire.Badge, wire.Tag
	n.Data = wire.Data
	if wire.RequireInteraction != nil {
		n.RequireInteraction = *wire.RequireInteraction
	}

	var age time.Duration
	if wire.Timestamp != nil && *wire.Timestamp > 0 {
		n.Timestamp = int64(*wire.Timestamp)
		age = now.Sub(time.UnixMilli(n.Timestamp))
		if age > p.FreshnessWindow {
			return Result{
				Decision: Discard,
				Reason:   fmt.Sprintf("payload age %s exceeds %s", age.Round(time.Second), p.FreshnessWindow),
				Age:      age,
			}
		}
	}

	return Result{Decision: Show, Notification: p.render(n), Age: age}
}

func (p Policy) fallback() Notification {
	n := p.Fallback
	if n.Data != nil {
		data := make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			data[k] = v
		}
		n.Data = data
	}
	return n
}

func (p Policy) render(n Notification) Notification {
	if n.Icon == "" {
		n.Icon = p.DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = p.DefaultBadge
	}
	return n
}

// decode handles the absent, plain JSON and "encrypted:" wire forms.
func decode(msg PushMessage) (wirePayload, error) {
	var wire wirePayload
	if !msg.Present || len(msg.Data) == 0 {
		return wire, fmt.Errorf("%w: no data", ErrMalformedPayload)
	}

	raw := strings.TrimSpace(string(msg.Data))
	body := []byte(raw)
	if strings.HasPrefix(raw, compose.EnvelopePrefix) {
		encoded := strings.TrimPrefix(raw, compose.EnvelopePrefix)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(encoded)
		}
		if err != nil {
			return wire, fmt.Errorf("%w: envelope is not base64", ErrMalformedPayload)
		}
		body = decoded
	}

	if err := json.Unmarshal(body, &wire); err != nil {
		return wirePayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return wire, nil
}

// =============================================================================
// Receiver
// =============================================================================

// Option configures a Receiver or ClickRouter.
type Option func(*settings)

type settings struct {
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{policy: DefaultPolicy(), now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Receiver handles push events for one host context. Invocations share no
// mutable state.
type Receiver struct {
	notifier Notifier
	settings
}

// New creates a Receiver that renders through notifier.
func New(notifier Notifier, opts ...Option) *Receiver {
	return &Receiver{notifier: notifier, settings: buildSettings(opts)}
}

// HandlePush processes one push in its own task.
//
// # Description
//
// Evaluates the message and, unless it is stale, shows the notification.
// Every failure, including a panic in the host's Notifier, is caught and
// logged inside the task.
//
// # Outputs
//
//	*Event[Result] - Wait on it before releasing the host context.
func (r *Receiver) HandlePush(ctx context.Context, msg PushMessage) *Event[Result] {
	return runEvent(r.logger, "push", func() Result {
		res := r.policy.Evaluate(msg, r.now())
		switch {
		case res.Decision == Discard:
			r.logger.Debug("receiver.push.discarded", slog.String("reason", res.Reason))
			return res
		case res.Fallback:
			r.logger.Warn("receiver.push.fallback", slog.String("reason", res.Reason))
		}

		if err := r.notifier.ShowNotification(ctx, res.Notification); err != nil {
			r.logger.Error("receiver.push.show_failed", slog.String("error", err.Error()))
			res.Decision, res.Err, res.Reason = Failed, err, err.Error()
		}
		return res
	}, func(err error) Result {
		return Result{Decision: Failed, Err: err, Reason: err.Error()}
	})
}

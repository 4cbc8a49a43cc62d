// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose builds notification payloads from portal events.
//
// A Payload is stamped with its composition time. Receivers discard payloads
// older than their freshness window, so compose as close to the send as
// possible and never reuse a Payload for a later retry cycle.
//
// Tags are deterministic: the same kind, entity and coalescing key always
// produce the same tag, which lets the OS replace an earlier notification
// for the same logical event instead of stacking a duplicate.
package compose

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/serenecare/portal-gateway/services/push/vapid"
)

// EnvelopePrefix marks the base64 "encrypted" wire form.
const EnvelopePrefix = "encrypted:"

var (
	// ErrUnknownKind is returned for an event kind with no policy.
	ErrUnknownKind = errors.New("compose: unknown event kind")

	// ErrMissingEntity is returned when Fields.EntityID is empty.
	ErrMissingEntity = errors.New("compose: missing entity id")

	// ErrMissingBody is returned when neither the fields nor the policy
	// provide a body.
	ErrMissingBody = errors.New("compose: missing body")
)

// =============================================================================
// Event kinds and policies
// =============================================================================

// EventKind identifies the portal event a notification is about.
type EventKind string

const (
	KindMedicationDue       EventKind = "medication_due"
	KindAppointmentReminder EventKind = "appointment_reminder"
	KindSessionStarting     EventKind = "session_starting"
	KindMessageReceived     EventKind = "message_received"
)

// ParseKind returns the EventKind for s or ErrUnknownKind.
func ParseKind(s string) (EventKind, error) {
	kind := EventKind(strings.TrimSpace(s))
	if _, ok := defaultPolicies[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return kind, nil
}

// KindPolicy holds the per-kind presentation and delivery defaults.
type KindPolicy struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	URL                string
	RequireInteraction bool
	Urgency            vapid.Urgency
	TTL                time.Duration
}

const (
	defaultIcon  = "/icons/icon-192x192.png"
	defaultBadge = "/icons/badge-72x72.png"
)

var defaultPolicies = map[EventKind]KindPolicy{
	KindMedicationDue: {
		Title:              "Medication Reminder",
		Body:               "It's time to take your medication.",
		Icon:               defaultIcon,
		Badge:              defaultBadge,
		URL:                "/dashboard/medications",
		RequireInteraction: true,
		Urgency:            vapid.UrgencyHigh,
		TTL:                time.Hour,
	},
	KindAppointmentReminder: {
		Title:              "Upcoming Appointment",
		Icon:               defaultIcon,
		Badge:              defaultBadge,
		URL:                "/dashboard/appointments",
		RequireInteraction: true,
		Urgency:            vapid.UrgencyNormal,
		TTL:                12 * time.Hour,
	},
	KindSessionStarting: {
		Title:              "Your session is starting",
		Body:               "Your provider is ready. Tap to join.",
		Icon:               defaultIcon,
		Badge:              defaultBadge,
		URL:                "/dashboard/sessions",
		RequireInteraction: true,
		Urgency:            vapid.UrgencyHigh,
		TTL:                10 * time.Minute,
	},
	KindMessageReceived: {
		Title:              "New message",
		Icon:               defaultIcon,
		Badge:              defaultBadge,
		URL:                "/dashboard/messages",
		RequireInteraction: true,
		Urgency:            vapid.UrgencyNormal,
		TTL:                24 * time.Hour,
	},
}

// DefaultPolicies returns a copy of the built-in policy table.
func DefaultPolicies() map[EventKind]KindPolicy {
	return maps.Clone(defaultPolicies)
}

// =============================================================================
// Payload
// =============================================================================

// Payload is the JSON document delivered to the browser's service worker.
// Timestamp is Unix milliseconds at composition.
type Payload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	Timestamp          int64          `json:"timestamp"`
	RequireInteraction bool           `json:"requireInteraction"`
}

// Marshal returns the plain JSON wire form.
func (p Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("compose: marshal payload: %w", err)
	}
	return data, nil
}

// EncodeEnvelope returns "encrypted:" + base64(JSON).
//
// # Limitations
//
// This is an obfuscation envelope only. Nothing is encrypted; confidentiality
// on the wire comes from webpush-go's RFC 8291 message encryption.
func (p Payload) EncodeEnvelope() ([]byte, error) {
	data, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	return []byte(EnvelopePrefix + base64.StdEncoding.EncodeToString(data)), nil
}

// =============================================================================
// Composer
// =============================================================================

// Fields carries the event-specific values for one notification.
type Fields struct {
	// EntityID identifies the domain entity (prescription, appointment,
	// session, thread). Required.
	EntityID string

	// CoalesceKey distinguishes occurrences of the same entity, for example
	// the scheduled dose time. Optional.
	CoalesceKey string

	// Title and Body override the policy defaults when non-empty.
	Title string
	Body  string

	// URL overrides the policy's click-through path.
	URL string

	// Data is copied into the payload's data object.
	Data map[string]any
}

// Option configures a Composer.
type Option func(*Composer)

// WithClock overrides the composition time source.
func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPolicy replaces the policy for one kind, or registers a new kind.
func WithPolicy(kind EventKind, policy KindPolicy) Option {
	return func(c *Composer) {
		c.policies[kind] = policy
	}
}

// Composer turns events into payloads. Safe for concurrent use after
// construction.
type Composer struct {
	policies map[EventKind]KindPolicy
	now      func() time.Time
}

// NewComposer returns a Composer with the built-in policies.
func NewComposer(opts ...Option) *Composer {
	c := &Composer{
		policies: DefaultPolicies(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the policy for kind.
func (c *Composer) Policy(kind EventKind) (KindPolicy, bool) {
	p, ok := c.policies[kind]
	return p, ok
}

// Compose builds a fresh Payload for one event.
//
// # Description
//
// Title, body and URL fall back to the kind's policy. The data object always
// carries "kind", "entityId" and "url". Timestamp is taken from the clock at
// the moment of the call.
//
// # Outputs
//
//	Payload - A new value; its Data map is never shared with fields.Data.
//	error - ErrUnknownKind, ErrMissingEntity or ErrMissingBody.
func (c *Composer) Compose(kind EventKind, fields Fields) (Payload, error) {
	policy, ok := c.policies[kind]
	if !ok {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if strings.TrimSpace(fields.EntityID) == "" {
		return Payload{}, ErrMissingEntity
	}

	title := firstNonEmpty(fields.Title, policy.Title)
	body := firstNonEmpty(fields.Body, policy.Body)
	if body == "" {
		return Payload{}, fmt.Errorf("%w for %s", ErrMissingBody, kind)
	}

	data := make(map[string]any, len(fields.Data)+3)
	maps.Copy(data, fields.Data)
	data["kind"] = string(kind)
	data["entityId"] = fields.EntityID
	data["url"] = firstNonEmpty(fields.URL, policy.URL)

	return Payload{
		Title:              title,
		Body:               body,
		Icon:               policy.Icon,
		Badge:              policy.Badge,
		Tag:                Tag(kind, fields.EntityID, fields.CoalesceKey),
		Data:               data,
		Timestamp:          c.now().UnixMilli(),
		RequireInteraction: policy.RequireInteraction,
	}, nil
}

// SendOptions returns the delivery parameters for kind: the policy's TTL and
// urgency, and a Topic derived from tag so the push service also replaces a
// pending undelivered message for the same event.
func (c *Composer) SendOptions(kind EventKind, tag string) vapid.SendOptions {
	policy := c.policies[kind]
	return vapid.SendOptions{
		TTL:     policy.TTL,
		Urgency: policy.Urgency,
		Topic:   Topic(tag),
	}
}

// tagEscaper percent-encodes the separator inside tag parts so distinct
// (entity, key) pairs never join to the same tag.
var tagEscaper = strings.NewReplacer("%", "%25", "-", "%2D")

// Tag returns "<kind>-<entityID>-<coalesceKey>", or "<kind>-<entityID>"
// when there is no coalescing key. A '-' or '%' inside a part is written as
// %2D or %25, so "rx-1" becomes "rx%2D1".
func Tag(kind EventKind, entityID, coalesceKey string) string {
	k, e := tagEscaper.Replace(string(kind)), tagEscaper.Replace(entityID)
	if coalesceKey == "" {
		return fmt.Sprintf("%s-%s", k, e)
	}
	return fmt.Sprintf("%s-%s-%s", k, e, tagEscaper.Replace(coalesceKey))
}

// Topic maps a tag onto the 32-character base64url alphabet the push
// protocol allows for topics. Empty tags yield an empty topic.
func Topic(tag string) string {
	if tag == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tag))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:32]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

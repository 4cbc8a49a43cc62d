// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the gateway's request and response bodies.
package datatypes

import (
	"encoding/base64"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/serenecare/portal-gateway/services/push/registry"
)

// pushValidate is the validator instance for push datatypes.
// Initialized in init() with custom validators.
var pushValidate *validator.Validate

func init() {
	pushValidate = validator.New()

	// b64url accepts base64url with or without padding, as browsers emit it.
	_ = pushValidate.RegisterValidation("b64url", validateB64URL)
}

func validateB64URL(fl validator.FieldLevel) bool {
	s := strings.TrimRight(fl.Field().String(), "=")
	if s == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// =============================================================================
// Subscription
// =============================================================================

// SubscriptionKeys is the keys object of a browser PushSubscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required,b64url"`
	Auth   string `json:"auth" validate:"required,b64url"`
}

// SubscriptionRequest is PushSubscription.toJSON() as posted by the portal.
// Subscribe and unsubscribe share it.
type SubscriptionRequest struct {
	Endpoint       string           `json:"endpoint" validate:"required,url,max=2048"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys"`
}

// Validate checks the subscription shape.
func (r *SubscriptionRequest) Validate() error {
	return pushValidate.Struct(r)
}

// ToSubscription converts to the registry type. Values are copied as-is.
func (r *SubscriptionRequest) ToSubscription() registry.Subscription {
	return registry.Subscription{
		Endpoint:       r.Endpoint,
		ExpirationTime: r.ExpirationTime,
		Keys: registry.Keys{
			P256dh: r.Keys.P256dh,
			Auth:   r.Keys.Auth,
		},
	}
}

// AckResponse is the subscribe/unsubscribe reply.
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PublicKeyResponse carries the VAPID public key for pushManager.subscribe.
type PublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// =============================================================================
// Send
// =============================================================================

// SendRequest asks the gateway to notify one or more users of an event.
type SendRequest struct {
	Event       string         `json:"event" validate:"required,oneof=medication_due appointment_reminder session_starting message_received"`
	UserIDs     []string       `json:"userIds" validate:"required,min=1,max=1000,dive,required,max=256"`
	EntityID    string         `json:"entityId" validate:"required,max=256"`
	CoalesceKey string         `json:"coalesceKey" validate:"max=128"`
	Title       string         `json:"title" validate:"max=256"`
	Body        string         `json:"body" validate:"max=1024"`
	URL         string         `json:"url" validate:"omitempty,startswith=/,max=512"`
	Data        map[string]any `json:"data"`
}

// Validate checks the request.
func (r *SendRequest) Validate() error {
	return pushValidate.Struct(r)
}

// SendResult is the per-user delivery report.
type SendResult struct {
	UserID      string `json:"userId"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	LiveSockets int    `json:"liveSockets"`
}

// Outcome labels beyond the dispatcher's own.
const (
	OutcomeNotSubscribed = "not_subscribed"
	OutcomeError         = "error"
)

// SendResponse summarizes a send.
type SendResponse struct {
	Tag     string       `json:"tag"`
	Results []SendResult `json:"results"`
	Summary SendSummary  `json:"summary"`
}

// SendSummary counts results by outcome.
type SendSummary struct {
	Delivered     int `json:"delivered"`
	Expired       int `json:"expired"`
	Failed        int `json:"failed"`
	NotSubscribed int `json:"notSubscribed"`
}

// =============================================================================
// Preview
// =============================================================================

// PreviewRequest is a raw push payload as a service worker would receive it.
// Present defaults to true when Data is non-empty.
type PreviewRequest struct {
	Data    string `json:"data" validate:"max=4096"`
	Present *bool  `json:"present"`
}

// Validate checks the request.
func (r *PreviewRequest) Validate() error {
	return pushValidate.Struct(r)
}

// IsPresent resolves the Present default.
func (r *PreviewRequest) IsPresent() bool {
	if r.Present != nil {
		return *r.Present
	}
	return r.Data != ""
}

// =============================================================================
// Errors
// =============================================================================

// ErrorResponse is the generic failure body for the push and proxy routes.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

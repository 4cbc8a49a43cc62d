// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry stores browser push subscriptions keyed by user identity.
//
// Two Store implementations are provided:
//
//   - MemoryStore: process-local map. Lost on restart; use for tests and
//     single-node development.
//   - BadgerStore: embedded BadgerDB. Survives restarts on one node.
//
// A user holds at most one subscription. Registering from a second browser
// replaces the first (last write wins). The replacement is logged so
// operators can see multi-device churn.
//
// Endpoint and key material are opaque. They are stored and returned exactly
// as received and never parsed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned by Get when the user has no subscription.
	ErrNotFound = errors.New("registry: subscription not found")

	// ErrInvalidSubscription is returned by Upsert for a subscription
	// missing its endpoint, keys or owner.
	ErrInvalidSubscription = errors.New("registry: invalid subscription")
)

// PersistenceError wraps a failure of the backing store.
type PersistenceError struct {
	// Op names the store operation ("upsert", "get", ...).
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Types
// =============================================================================

// Keys is the client key material of a push subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one browser push subscription owned by a user.
//
// The JSON form of Endpoint, ExpirationTime and Keys matches the object the
// browser produces with PushSubscription.toJSON().
type Subscription struct {
	UserID         string    `json:"userId"`
	Endpoint       string    `json:"endpoint"`
	ExpirationTime *int64    `json:"expirationTime,omitempty"`
	Keys           Keys      `json:"keys"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Validate reports ErrInvalidSubscription when a required field is empty.
func (s Subscription) Validate() error {
	switch {
	case s.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidSubscription)
	case s.Endpoint == "":
		return fmt.Errorf("%w: missing endpoint", ErrInvalidSubscription)
	case s.Keys.P256dh == "" || s.Keys.Auth == "":
		return fmt.Errorf("%w: missing keys", ErrInvalidSubscription)
	}
	return nil
}

// Store is the persistence contract for push subscriptions.
//
// # Description
//
// Upsert replaces any prior subscription for the user entirely. It keeps the
// original CreatedAt and stamps UpdatedAt. Remove of a missing user is a
// no-op. The conditional removals check and delete atomically, so a record
// written by a concurrent Upsert is never deleted on the strength of an
// older read. Get returns ErrNotFound for a missing user. Backing store failures
// surface as *PersistenceError.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Concurrent writes for the
// same user race; the last one wins.
type Store interface {
	Upsert(ctx context.Context, userID string, sub Subscription) error
	Remove(ctx context.Context, userID string) error

	// RemoveIfEndpoint deletes the user's subscription only while it still
	// points at endpoint. removed is false when the record is missing or
	// was replaced by a different endpoint.
	RemoveIfEndpoint(ctx context.Context, userID, endpoint string) (removed bool, err error)

	// RemoveIfStale deletes the user's subscription only while its
	// UpdatedAt is still before the cutoff.
	RemoveIfStale(ctx context.Context, userID string, before time.Time) (removed bool, err error)
	Get(ctx context.Context, userID string) (Subscription, error)

	// ListStale returns subscriptions last updated before the cutoff, oldest
	// first. limit <= 0 means no limit.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Subscription, error)

	Count(ctx context.Context) (int, error)
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// Option configures a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepare stamps ownership and timestamps onto an incoming subscription,
// carrying CreatedAt over from the record it replaces.
func prepare(userID string, sub Subscription, prior *Subscription, now time.Time) (Subscription, error) {
	sub.UserID = userID
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	sub.CreatedAt = now
	if prior != nil {
		sub.CreatedAt = prior.CreatedAt
	}
	sub.UpdatedAt = now
	return sub, nil
}

func logReplacement(logger *slog.Logger, prior *Subscription, next Subscription) {
	if prior != nil && prior.Endpoint != next.Endpoint {
		logger.Warn("registry.subscription.replaced",
			slog.String("user_id", next.UserID),
			slog.Time("previous_created_at", prior.CreatedAt))
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/serenecare/portal-gateway/services/push/compose"
	"github.com/serenecare/portal-gateway/services/push/registry"
	"github.com/serenecare/portal-gateway/services/push/vapid"
)

// Target is one delivery in a batch.
type Target struct {
	Subscription registry.Subscription
	Payload      compose.Payload

	// Options overrides the default TTL/urgency when non-nil.
	Options *vapid.SendOptions
}

// Result pairs a user with the outcome of their delivery.
type Result struct {
	UserID  string
	Outcome Outcome

	// Err is set when no delivery was attempted (for example
	// registry.ErrNotFound) or when expired-endpoint cleanup failed.
	Err error

	// Removed is true when an expired subscription was deleted. It stays
	// false when the user re-subscribed with a new endpoint meanwhile.
	Removed bool
}

// SendBatch delivers every target. Sends share the Dispatcher's in-flight
// cap with every other caller. Results are in target order.
func (d *Dispatcher) SendBatch(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			opts := vapid.SendOptions{TTL: d.cfg.DefaultTTL}
			if target.Options != nil {
				opts = *target.Options
			}
			results[i] = Result{
				UserID:  target.Subscription.UserID,
				Outcome: d.SendWith(ctx, target.Subscription, target.Payload, opts),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// NotifyUser looks up userID's subscription, sends payload, and removes the
// subscription when the push service reports it gone. Only the endpoint
// that failed is removed; a subscription written since the lookup is kept.
//
// # Outputs
//
//	Outcome - Zero value when no send was attempted.
//	error - registry.ErrNotFound (unwrapped) when the user has no
//	        subscription; a lookup or cleanup failure otherwise.
func (d *Dispatcher) NotifyUser(ctx context.Context, store registry.Store, userID string, payload compose.Payload, opts vapid.SendOptions) (Outcome, error) {
	sub, err := store.Get(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	outcome := d.SendWith(ctx, sub, payload, opts)
	if outcome.Kind == ExpiredEndpoint {
		if _, err := d.removeExpired(ctx, store, sub); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// NotifyAll sends the same payload to many users.
//
// # Description
//
// Subscriptions are looked up first; users without one get a Result with
// Err = registry.ErrNotFound and no send. The rest go through SendBatch.
// Expired endpoints are removed from store afterwards.
func (d *Dispatcher) NotifyAll(ctx context.Context, store registry.Store, userIDs []string, payload compose.Payload, opts vapid.SendOptions) []Result {
	results := make([]Result, len(userIDs))
	var (
		targets []Target
		index   []int
	)
	for i, userID := range userIDs {
		results[i].UserID = userID
		sub, err := store.Get(ctx, userID)
		if err != nil {
			results[i].Err = err
			continue
		}
		targets = append(targets, Target{Subscription: sub, Payload: payload, Options: &opts})
		index = append(index, i)
	}

	for j, res := range d.SendBatch(ctx, targets) {
		i := index[j]
		results[i].Outcome = res.Outcome
		if res.Outcome.Kind == ExpiredEndpoint {
			results[i].Removed, results[i].Err = d.removeExpired(ctx, store, targets[j].Subscription)
		}
	}
	return results
}

func (d *Dispatcher) removeExpired(ctx context.Context, store registry.Store, sub registry.Subscription) (bool, error) {
	removed, err := store.RemoveIfEndpoint(ctx, sub.UserID, sub.Endpoint)
	if err != nil {
		d.logger.Error("push.dispatch.cleanup_failed",
			slog.String("user_id", sub.UserID),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("remove expired subscription: %w", err)
	}
	if !removed {
		d.logger.Info("push.dispatch.subscription_replaced", slog.String("user_id", sub.UserID))
		return false, nil
	}
	d.logger.Info("push.dispatch.subscription_removed", slog.String("user_id", sub.UserID))
	return true, nil
}

// IsNotSubscribed reports whether a Result failed only because the user has
// no subscription.
func (r Result) IsNotSubscribed() bool {
	return errors.Is(r.Err, registry.ErrNotFound)
}

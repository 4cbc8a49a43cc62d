// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions in a map. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
	opts options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]Subscription),
		opts: buildOptions(opts),
	}
}

// Upsert stores sub for userID, replacing any prior subscription.
func (m *MemoryStore) Upsert(ctx context.Context, userID string, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prior *Subscription
	if existing, ok := m.subs[userID]; ok {
		prior = &existing
	}
	next, err := prepare(userID, sub, prior, m.opts.now())
	if err != nil {
		return err
	}
	logReplacement(m.opts.logger, prior, next)
	m.subs[userID] = next
	return nil
}

// Remove deletes the user's subscription. Missing users are ignored.
func (m *MemoryStore) Remove(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.subs, userID)
	m.mu.Unlock()
	return nil
}

// RemoveIfEndpoint deletes the user's subscription if it still has endpoint.
func (m *MemoryStore) RemoveIfEndpoint(ctx context.Context, userID, endpoint string) (bool, error) {
	return m.removeIf(ctx, userID, func(sub Subscription) bool {
		return sub.Endpoint == endpoint
	})
}

// RemoveIfStale deletes the user's subscription if it was last updated
// before the cutoff.
func (m *MemoryStore) RemoveIfStale(ctx context.Context, userID string, before time.Time) (bool, error) {
	return m.removeIf(ctx, userID, func(sub Subscription) bool {
		return sub.UpdatedAt.Before(before)
	})
}

func (m *MemoryStore) removeIf(ctx context.Context, userID string, match func(Subscription) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok || !match(sub) {
		return false, nil
	}
	delete(m.subs, userID)
	return true, nil
}

// Get returns the user's subscription or ErrNotFound.
func (m *MemoryStore) Get(ctx context.Context, userID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}

	m.mu.RLock()
	sub, ok := m.subs[userID]
	m.mu.RUnlock()
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

// ListStale returns subscriptions with UpdatedAt before the cutoff.
func (m *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var stale []Subscription
	for _, sub := range m.subs {
		if sub.UpdatedAt.Before(before) {
			stale = append(stale, sub)
		}
	}
	m.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Count returns the number of stored subscriptions.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

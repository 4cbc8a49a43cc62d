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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces subscription records inside the database.
const keyPrefix = "sub/"

// BadgerConfig holds configuration for the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Default: true.
	SyncWrites bool

	// GCInterval is how often value log GC runs. 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults for the given path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a test configuration with no disk I/O.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerStore persists subscriptions as JSON under "sub/<userID>".
//
// # Thread Safety
//
// Safe for concurrent use. Each operation runs in its own transaction;
// Upsert reads the prior record and writes the new one atomically.
type BadgerStore struct {
	db        *badger.DB
	gc        *gcRunner
	opts      options
	closeOnce sync.Once
	closeErr  error
}

// OpenBadgerStore opens (or creates) the database described by cfg.
//
// # Description
//
// Creates the directory when needed, disables badger's own logging in favour
// of the configured slog logger, and starts value log GC when GCInterval is
// positive and the database is on disk.
//
// # Outputs
//
//	*BadgerStore - Caller must Close it.
//	error - *PersistenceError when the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig, opts ...Option) (*BadgerStore, error) {
	o := buildOptions(opts)

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, &PersistenceError{Op: "open", Err: errors.New("path is required for persistent database")}
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, &PersistenceError{Op: "open", Err: fmt.Errorf("create database directory %s: %w", cfg.Path, err)}
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts = bopts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: o.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	store := &BadgerStore{db: db, opts: o}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		store.gc = newGCRunner(db, cfg.GCInterval, ratio, o.logger)
		store.gc.start()
	}
	return store, nil
}

func subscriptionKey(userID string) []byte {
	return []byte(keyPrefix + userID)
}

func readSubscription(txn *badger.Txn, userID string) (*Subscription, error) {
	item, err := txn.Get(subscriptionKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sub)
	}); err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return &sub, nil
}

// Upsert stores sub for userID, replacing any prior subscription.
func (s *BadgerStore) Upsert(ctx context.Context, userID string, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		next  Subscription
		prior *Subscription
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		prior, err = readSubscription(txn, userID)
		if err != nil {
			return err
		}
		next, err = prepare(userID, sub, prior, s.opts.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode subscription: %w", err)
		}
		return txn.Set(subscriptionKey(userID), data)
	})
	if errors.Is(err, ErrInvalidSubscription) {
		return err
	}
	if err != nil {
		return &PersistenceError{Op: "upsert", Err: err}
	}
	logReplacement(s.opts.logger, prior, next)
	return nil
}

// Remove deletes the user's subscription. Missing users are ignored.
func (s *BadgerStore) Remove(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(subscriptionKey(userID))
	}); err != nil {
		return &PersistenceError{Op: "remove", Err: err}
	}
	return nil
}

// RemoveIfEndpoint deletes the user's subscription if it still has endpoint.
// The read and the delete share one transaction.
func (s *BadgerStore) RemoveIfEndpoint(ctx context.Context, userID, endpoint string) (bool, error) {
	return s.removeIf(ctx, "remove_if_endpoint", userID, func(sub *Subscription) bool {
		return sub.Endpoint == endpoint
	})
}

// RemoveIfStale deletes the user's subscription if it was last updated
// before the cutoff.
func (s *BadgerStore) RemoveIfStale(ctx context.Context, userID string, before time.Time) (bool, error) {
	return s.removeIf(ctx, "remove_if_stale", userID, func(sub *Subscription) bool {
		return sub.UpdatedAt.Before(before)
	})
}

func (s *BadgerStore) removeIf(ctx context.Context, op, userID string, match func(*Subscription) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		sub, err := readSubscription(txn, userID)
		if err != nil {
			return err
		}
		if sub == nil || !match(sub) {
			return nil
		}
		if err := txn.Delete(subscriptionKey(userID)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, &PersistenceError{Op: op, Err: err}
	}
	return removed, nil
}

// Get returns the user's subscription or ErrNotFound.
func (s *BadgerStore) Get(ctx context.Context, userID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}

	var sub *Subscription
	if err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sub, err = readSubscription(txn, userID)
		return err
	}); err != nil {
		return Subscription{}, &PersistenceError{Op: "get", Err: err}
	}
	if sub == nil {
		return Subscription{}, ErrNotFound
	}
	return *sub, nil
}

// ListStale returns subscriptions with UpdatedAt before the cutoff.
//
// # Limitations
//
// Scans every record. Fine for one node's subscription count; a secondary
// index on UpdatedAt would be needed for millions of users.
func (s *BadgerStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stale []Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sub Subscription
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if sub.UpdatedAt.Before(before) {
				stale = append(stale, sub)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Op: "list_stale", Err: err}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Count returns the number of stored subscriptions.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}
	return count, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		if err := s.db.Close(); err != nil {
			s.closeErr = &PersistenceError{Op: "close", Err: err}
		}
	})
	return s.closeErr
}

// =============================================================================
// Badger plumbing
// =============================================================================

// badgerLogger adapts slog.Logger to badger's Logger interface. Badger is
// chatty at info level, so info is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

// gcRunner triggers value log GC on a ticker until stopped.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing to collect.
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("registry.badger.gc_failed", slog.String("error", err.Error()))
			}
		}
	}
}

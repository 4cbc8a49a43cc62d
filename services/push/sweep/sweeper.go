// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweep removes push subscriptions that have not been refreshed for
// a long time.
//
// Browsers re-subscribe whenever the portal loads, which bumps UpdatedAt. A
// subscription untouched for MaxAge almost always belongs to an uninstalled
// browser or a lapsed patient, and push services eventually answer 410 for
// it anyway. Sweeping ahead of that keeps batch sends cheap.
//
// Every removal is written to a hash-chained audit log.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serenecare/portal-gateway/services/push/registry"
)

// OperationStale is the audit operation for an age-based removal.
const OperationStale = "remove_stale_subscription"

// Config holds sweeper settings.
type Config struct {
	// Interval between sweeps. Default: 6h.
	Interval time.Duration

	// MaxAge is how long a subscription may go without an update.
	// Default: 60 days.
	MaxAge time.Duration

	// BatchSize caps removals per cycle. Default: 500.
	BatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  6 * time.Hour,
		MaxAge:    60 * 24 * time.Hour,
		BatchSize: 500,
	}
}

// Recorder receives sweep metrics.
type Recorder interface {
	ObserveSweepRemoved(n int)
}

// Result summarizes one sweep cycle.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Found     int
	Removed   int
	Errors    []error
}

// Duration returns how long the cycle took.
func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithAuditLog records every removal in a.
func WithAuditLog(a *AuditLog) Option {
	return func(s *Sweeper) { s.audit = a }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Sweeper) { s.recorder = r }
}

// WithClock overrides the time source used for the cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sweeper periodically removes stale subscriptions.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use. Cycles never overlap.
type Sweeper struct {
	store    registry.Store
	config   Config
	audit    *AuditLog
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	cycleMu sync.Mutex
	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates a sweeper over store. Zero config fields take defaults.
func New(store registry.Store, config Config, opts ...Option) *Sweeper {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	s := &Sweeper{
		store:  store,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a sweep immediately and then every Interval until Stop is
// called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweep: already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("sweep.scheduler.starting",
		"interval", s.config.Interval.String(),
		"max_age", s.config.MaxAge.String(),
		"batch_size", s.config.BatchSize)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for an in-progress cycle to finish. Safe
// to call when not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("sweep.scheduler.stopped")
}

// RunNow performs one cycle immediately.
func (s *Sweeper) RunNow(ctx context.Context) (Result, error) {
	return s.runCycle(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	result, err := s.runCycle(ctx)
	if err != nil {
		s.logger.Error("sweep.cycle.failed", "error", err)
		return
	}
	if result.Found > 0 {
		s.logger.Info("sweep.cycle.completed",
			"found", result.Found,
			"removed", result.Removed,
			"errors", len(result.Errors),
			"duration_ms", result.Duration().Milliseconds())
	} else {
		s.logger.Debug("sweep.cycle.completed (nothing stale)")
	}
}

func (s *Sweeper) runCycle(ctx context.Context) (Result, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	result := Result{StartTime: s.now()}
	cutoff := result.StartTime.Add(-s.config.MaxAge)

	stale, err := s.store.ListStale(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list stale subscriptions: %w", err)
	}
	result.Found = len(stale)

	for _, sub := range stale {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}
		removed, err := s.store.RemoveIfStale(ctx, sub.UserID, cutoff)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("remove %s: %w", sub.UserID, err))
			continue
		}
		if !removed {
			s.logger.Debug("sweep.subscription.refreshed", slog.String("user_id", sub.UserID))
			continue
		}
		result.Removed++
		s.logger.Info("sweep.subscription.removed",
			slog.String("user_id", sub.UserID),
			slog.Time("last_updated", sub.UpdatedAt))

		if s.audit != nil {
			if _, err := s.audit.LogRemoval(OperationStale, sub.UserID, sub.Endpoint, sub.UpdatedAt); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("audit %s: %w", sub.UserID, err))
			}
		}
	}

	if s.recorder != nil && result.Removed > 0 {
		s.recorder.ObserveSweepRemoved(result.Removed)
	}
	result.EndTime = s.now()
	return result, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package receiver

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Event is the pending work of one push or click. The host must call Wait
// before reclaiming the context that delivered the event.
//
// Wait never panics and never returns an error: failures inside the event
// are recovered, logged, and reported in the result value.
type Event[T any] struct {
	group  errgroup.Group
	once   sync.Once
	result T
	err    error
}

// runEvent starts fn in its own task and returns the Event tracking it.
// onPanic converts a recovered panic into the result value.
func runEvent[T any](logger *slog.Logger, name string, fn func() T, onPanic func(error) T) *Event[T] {
	e := &Event[T]{}
	e.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: panic: %v", name, r)
				logger.Error("receiver.event.panic", slog.String("event", name), slog.Any("panic", r))
				e.result = onPanic(err)
			}
		}()
		e.result = fn()
		return nil
	})
	return e
}

// Wait blocks until the event's work has settled and returns its result.
// Safe to call from several goroutines and more than once.
func (e *Event[T]) Wait() T {
	e.once.Do(func() {
		e.err = e.group.Wait()
	})
	return e.result
}

// Recovered returns the panic recovered inside the event, if any. Valid
// after Wait.
func (e *Event[T]) Recovered() error {
	e.Wait()
	return e.err
}

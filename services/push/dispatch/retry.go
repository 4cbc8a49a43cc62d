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
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including one requested via Retry-After.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier between waits.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns the production retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.New("dispatch: retry max attempts must be at least 1")
	case c.InitialBackoff <= 0:
		return errors.New("dispatch: retry initial backoff must be positive")
	case c.MaxBackoff < c.InitialBackoff:
		return errors.New("dispatch: retry max backoff must be >= initial backoff")
	case c.BackoffFactor < 1.0:
		return errors.New("dispatch: retry backoff factor must be >= 1")
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return errors.New("dispatch: retry jitter factor must be within [0,1]")
	}
	return nil
}

// calculateBackoff applies +/- jitterFactor of random jitter to base.
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff grows current by factor, capped at max.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// retryAfter parses a Retry-After header given as delta-seconds or an
// HTTP-date. Returns 0 when absent or unparseable.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// retryableStatus reports whether a push service status is worth retrying.
// 429 and 5xx are; every other 4xx is a permanent rejection of this message.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

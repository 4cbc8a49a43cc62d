// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenecare/portal-gateway/services/push/dispatch"
	"github.com/serenecare/portal-gateway/services/push/sweep"
)

var (
	_ dispatch.Recorder = (*Metrics)(nil)
	_ sweep.Recorder    = (*Metrics)(nil)
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.ObservePushAttempt()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.PushAttempts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PushAttempts))
}

func TestRecorders(t *testing.T) {
	m := New()

	m.ObservePushAttempt()
	m.ObservePushAttempt()
	m.ObservePushOutcome("delivered", 120*time.Millisecond)
	m.ObservePushOutcome("expired", 80*time.Millisecond)
	m.ObservePushOutcome("delivered", 90*time.Millisecond)
	m.ObserveSweepRemoved(4)
	m.ObserveSubscription("subscribe")
	m.ObserveProxy("upload", 201, time.Second)
	m.ObserveProxy("upload", 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PushAttempts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PushDeliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushDeliveries.WithLabelValues("expired")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SweepRemoved))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions.WithLabelValues("subscribe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("upload", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("upload", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PushDuration))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(204))
	assert.Equal(t, "4xx", StatusClass(410))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "error", StatusClass(0))
	assert.Equal(t, "error", StatusClass(700))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveSubscription("unsubscribe")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `portal_push_subscriptions_total{op="unsubscribe"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

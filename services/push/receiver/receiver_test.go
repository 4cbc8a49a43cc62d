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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenecare/portal-gateway/services/push/compose"
)

var now = time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

// recordingNotifier captures rendered notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
	err   error
	panic bool
}

func (n *recordingNotifier) ShowNotification(_ context.Context, notification Notification) error {
	if n.panic {
		panic("host exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, notification)
	return nil
}

func plainPush(s string) PushMessage {
	return PushMessage{Data: []byte(s), Present: true}
}

func payloadAt(t *testing.T, ts time.Time) compose.Payload {
	t.Helper()
	return compose.Payload{
		Title:              "Medication Reminder",
		Body:               "Take 10mg lisinopril",
		Tag:                "medication_due-rx%2D1-0800",
		Data:               map[string]any{"url": "/dashboard/medications"},
		Timestamp:          ts.UnixMilli(),
		RequireInteraction: true,
	}
}

// =============================================================================
// Freshness Tests
// =============================================================================

func TestHandlePush_SixMinuteOldPayloadIsDiscarded(t *testing.T) {
	notifier := &recordingNotifier{}
	r := New(notifier, WithClock(clock))

	data, err := payloadAt(t, now.Add(-6*time.Minute)).Marshal()
	require.NoError(t, err)

	res := r.HandlePush(context.Background(), plainPush(string(data))).Wait()

	assert.Equal(t, Discard, res.Decision)
	assert.Empty(t, notifier.shown, "stale payloads render nothing")
	assert.NoError(t, res.Err)
}

func TestHandlePush_OneMinuteOldPayloadIsShown(t *testing.T) {
	notifier := &recordingNotifier{}
	r := New(notifier, WithClock(clock))

	data, err := payloadAt(t, now.Add(-time.Minute)).Marshal()
	require.NoError(t, err)

	res := r.HandlePush(context.Background(), plainPush(string(data))).Wait()

	assert.Equal(t, Show, res.Decision)
	assert.False(t, res.Fallback)
	assert.Equal(t, time.Minute, res.Age)
	require.Len(t, notifier.shown, 1)
	assert.Equal(t, "Take 10mg lisinopril", notifier.shown[0].Body)
	assert.Equal(t, "medication_due-rx%2D1-0800", notifier.shown[0].Tag)
}

func TestEvaluate_MissingTimestampPassesFreshness(t *testing.T) {
	res := Evaluate(plainPush(`{"title":"Hello","body":"World"}`), now)
	assert.Equal(t, Show, res.Decision)
	assert.False(t, res.Fallback)
	assert.Zero(t, res.Age)
}

func TestEvaluate_CustomWindow(t *testing.T) {
	policy := DefaultPolicy()
	policy.FreshnessWindow = 30 * time.Second
	data, err := payloadAt(t, now.Add(-time.Minute)).Marshal()
	require.NoError(t, err)

	assert.Equal(t, Discard, policy.Evaluate(plainPush(string(data)), now).Decision)
}

// =============================================================================
// Envelope Tests
// =============================================================================

func TestHandlePush_InvalidBase64EnvelopeFallsBack(t *testing.T) {
	notifier := &recordingNotifier{}
	r := New(notifier, WithClock(clock))

	ev := r.HandlePush(context.Background(), plainPush("encrypted:%%%not-base64%%%"))
	res := ev.Wait()

	assert.Equal(t, Show, res.Decision)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Reason, "malformed")
	require.Len(t, notifier.shown, 1)
	assert.Equal(t, "Medication Reminder", notifier.shown[0].Title)
	assert.NoError(t, ev.Recovered())
}

func TestEvaluate_ValidEnvelopeDecodes(t *testing.T) {
	env, err := payloadAt(t, now.Add(-10*time.Second)).EncodeEnvelope()
	require.NoError(t, err)

	res := Evaluate(PushMessage{Data: env, Present: true}, now)
	assert.Equal(t, Show, res.Decision)
	assert.False(t, res.Fallback)
	assert.Equal(t, "Take 10mg lisinopril", res.Notification.Body)
}

func TestEvaluate_FallbackCases(t *testing.T) {
	tests := []struct {
		name string
		msg  PushMessage
	}{
		{"absent", PushMessage{}},
		{"present but empty", PushMessage{Present: true}},
		{"plain garbage", plainPush("{not json")},
		{"json array", plainPush(`[1,2,3]`)},
		{"envelope with non-json", plainPush("encrypted:" + "aGVsbG8=")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(tt.msg, now)
			assert.Equal(t, Show, res.Decision)
			assert.True(t, res.Fallback)
			assert.Equal(t, "Medication Reminder", res.Notification.Title)
			assert.NotEmpty(t, res.Notification.Icon)
		})
	}
}

func TestEvaluate_RenderDefaults(t *testing.T) {
	res := Evaluate(plainPush(`{"title":"New message","body":"Dr. Rivera replied"}`), now)

	n := res.Notification
	assert.Equal(t, "/icons/icon-192x192.png", n.Icon)
	assert.Equal(t, "/icons/badge-72x72.png", n.Badge)
	assert.True(t, n.RequireInteraction, "requireInteraction defaults to true")

	res = Evaluate(plainPush(`{"title":"t","body":"b","icon":"/i.png","requireInteraction":false}`), now)
	assert.Equal(t, "/i.png", res.Notification.Icon)
	assert.False(t, res.Notification.RequireInteraction)
}

func TestEvaluate_FallbackDataIsNotShared(t *testing.T) {
	first := Evaluate(PushMessage{}, now)
	first.Notification.Data["url"] = "/tampered"

	second := Evaluate(PushMessage{}, now)
	assert.Equal(t, "/dashboard", second.Notification.Data["url"])
}

// =============================================================================
// Failure Containment Tests
// =============================================================================

func TestHandlePush_NotifierPanicIsContained(t *testing.T) {
	r := New(&recordingNotifier{panic: true}, WithClock(clock))

	ev := r.HandlePush(context.Background(), plainPush(`{"title":"t","body":"b"}`))

	var res Result
	require.NotPanics(t, func() { res = ev.Wait() })
	assert.Equal(t, Failed, res.Decision)
	assert.Error(t, ev.Recovered())
}

func TestHandlePush_NotifierErrorIsReported(t *testing.T) {
	r := New(&recordingNotifier{err: errors.New("permission denied")}, WithClock(clock))

	res := r.HandlePush(context.Background(), plainPush(`{"title":"t","body":"b"}`)).Wait()
	assert.Equal(t, Failed, res.Decision)
	assert.EqualError(t, res.Err, "permission denied")
}

func TestEvent_WaitIsIdempotentAndConcurrent(t *testing.T) {
	r := New(&recordingNotifier{}, WithClock(clock))
	ev := r.HandlePush(context.Background(), plainPush(`{"title":"t","body":"b"}`))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, Show, ev.Wait().Decision)
		}()
	}
	wg.Wait()
	assert.Equal(t, Show, ev.Wait().Decision)
}

func TestDecision_MarshalJSON(t *testing.T) {
	for _, d := range []Decision{Show, Discard, Failed} {
		b, err := d.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%q", d.String()), string(b))
	}
}

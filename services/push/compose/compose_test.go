// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/serenecare/portal-gateway/services/push/vapid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var composedAt = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return composedAt }

func TestCompose_MedicationDue(t *testing.T) {
	c := NewComposer(WithClock(fixedClock))

	p, err := c.Compose(KindMedicationDue, Fields{
		EntityID:    "rx-17",
		CoalesceKey: "2026-03-01T08:00",
		Data:        map[string]any{"dose": "10mg"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Medication Reminder", p.Title)
	assert.NotEmpty(t, p.Body)
	assert.Equal(t, "medication_due-rx%2D17-2026%2D03%2D01T08:00", p.Tag)
	assert.Equal(t, composedAt.UnixMilli(), p.Timestamp)
	assert.True(t, p.RequireInteraction)
	assert.Equal(t, "/icons/icon-192x192.png", p.Icon)
	assert.Equal(t, "10mg", p.Data["dose"])
	assert.Equal(t, "medication_due", p.Data["kind"])
	assert.Equal(t, "rx-17", p.Data["entityId"])
	assert.Equal(t, "/dashboard/medications", p.Data["url"])
}

func TestCompose_TimestampIsCompositionTime(t *testing.T) {
	now := composedAt
	c := NewComposer(WithClock(func() time.Time { return now }))

	first, err := c.Compose(KindMessageReceived, Fields{EntityID: "t-1", Body: "hi"})
	require.NoError(t, err)
	now = now.Add(3 * time.Minute)
	second, err := c.Compose(KindMessageReceived, Fields{EntityID: "t-1", Body: "hi"})
	require.NoError(t, err)

	assert.Equal(t, composedAt.UnixMilli(), first.Timestamp, "earlier payload keeps its own stamp")
	assert.Equal(t, now.UnixMilli(), second.Timestamp)
	assert.Equal(t, first.Tag, second.Tag, "same event coalesces")
}

func TestCompose_OverridesAndCopiesData(t *testing.T) {
	c := NewComposer(WithClock(fixedClock))
	input := map[string]any{"providerName": "Dr. Rivera"}

	p, err := c.Compose(KindAppointmentReminder, Fields{
		EntityID: "appt-9",
		Title:    "Appointment tomorrow",
		Body:     "10:00 with Dr. Rivera",
		URL:      "/dashboard/appointments/appt-9",
		Data:     input,
	})
	require.NoError(t, err)

	assert.Equal(t, "Appointment tomorrow", p.Title)
	assert.Equal(t, "10:00 with Dr. Rivera", p.Body)
	assert.Equal(t, "/dashboard/appointments/appt-9", p.Data["url"])
	assert.Equal(t, "appointment_reminder-appt%2D9", p.Tag)

	p.Data["mutated"] = true
	_, leaked := input["mutated"]
	assert.False(t, leaked, "payload data must not alias caller data")
}

func TestCompose_Errors(t *testing.T) {
	c := NewComposer()

	_, err := c.Compose("lab_result", Fields{EntityID: "x"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.Compose(KindMedicationDue, Fields{EntityID: "  "})
	assert.ErrorIs(t, err, ErrMissingEntity)

	_, err = c.Compose(KindMessageReceived, Fields{EntityID: "thread-1"})
	assert.ErrorIs(t, err, ErrMissingBody, "message policy has no default body")
}

func TestCompose_RequireInteractionConfigurablePerKind(t *testing.T) {
	policy := DefaultPolicies()[KindMessageReceived]
	policy.RequireInteraction = false
	c := NewComposer(WithPolicy(KindMessageReceived, policy))

	p, err := c.Compose(KindMessageReceived, Fields{EntityID: "t", Body: "b"})
	require.NoError(t, err)
	assert.False(t, p.RequireInteraction)

	other, err := c.Compose(KindMedicationDue, Fields{EntityID: "rx"})
	require.NoError(t, err)
	assert.True(t, other.RequireInteraction)

	assert.True(t, DefaultPolicies()[KindMessageReceived].RequireInteraction,
		"overriding a composer must not change the defaults")
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("session_starting")
	require.NoError(t, err)
	assert.Equal(t, KindSessionStarting, kind)

	_, err = ParseKind("unknown")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPayload_WireForms(t *testing.T) {
	p := Payload{Title: "t", Body: "b", Timestamp: 1700000000000, RequireInteraction: true}

	plain, err := p.Marshal()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(plain, &decoded))
	assert.Equal(t, "t", decoded["title"])
	assert.Equal(t, true, decoded["requireInteraction"])
	assert.NotContains(t, decoded, "icon", "optional fields are omitted when empty")

	env, err := p.EncodeEnvelope()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(env), EnvelopePrefix))
	inner, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(string(env), EnvelopePrefix))
	require.NoError(t, err)
	assert.JSONEq(t, string(plain), string(inner))
}

func TestTag_PartsCannotCollide(t *testing.T) {
	assert.NotEqual(t, Tag(KindMedicationDue, "rx-1", ""), Tag(KindMedicationDue, "rx", "1"))
	assert.NotEqual(t, Tag(KindMedicationDue, "rx-1", "0800"), Tag(KindMedicationDue, "rx", "1-0800"))
	assert.NotEqual(t, Tag(KindMedicationDue, "rx%2D1", ""), Tag(KindMedicationDue, "rx-1", ""))
	assert.Equal(t, "medication_due-rx-0800", Tag(KindMedicationDue, "rx", "0800"))
	assert.Equal(t, "medication_due-rx%2D1", Tag(KindMedicationDue, "rx-1", ""))
	assert.Equal(t, "medication_due-rx%252D1", Tag(KindMedicationDue, "rx%2D1", ""))
}

func TestSendOptionsAndTopic(t *testing.T) {
	c := NewComposer()
	tag := Tag(KindMedicationDue, "rx-17", "0800")

	opts := c.SendOptions(KindMedicationDue, tag)
	assert.Equal(t, vapid.UrgencyHigh, opts.Urgency)
	assert.Equal(t, time.Hour, opts.TTL)
	assert.Len(t, opts.Topic, 32)
	assert.Equal(t, opts.Topic, Topic(tag), "topic is deterministic")
	assert.NotEqual(t, Topic(tag), Topic(tag+"x"))
	assert.Empty(t, Topic(""))
}

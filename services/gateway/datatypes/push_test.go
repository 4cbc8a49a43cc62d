// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSubscription() SubscriptionRequest {
	exp := int64(1767225600000)
	return SubscriptionRequest{
		Endpoint:       "https://fcm.googleapis.com/fcm/send/abc:def",
		ExpirationTime: &exp,
		Keys: SubscriptionKeys{
			P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
			Auth:   "tBHItJI5svbpez7KI4CCXg",
		},
	}
}

func TestSubscriptionRequest_Validate(t *testing.T) {
	ok := validSubscription()
	assert.NoError(t, ok.Validate())

	padded := validSubscription()
	padded.Keys.Auth = "tBHItJI5svbpez7KI4CCXg=="
	assert.NoError(t, padded.Validate(), "padding is tolerated")

	tests := []struct {
		name   string
		mutate func(*SubscriptionRequest)
	}{
		{"missing endpoint", func(r *SubscriptionRequest) { r.Endpoint = "" }},
		{"relative endpoint", func(r *SubscriptionRequest) { r.Endpoint = "/push" }},
		{"missing p256dh", func(r *SubscriptionRequest) { r.Keys.P256dh = "" }},
		{"standard base64 auth", func(r *SubscriptionRequest) { r.Keys.Auth = "tBHI+JI5svbpez7KI4CC/g" }},
		{"only padding", func(r *SubscriptionRequest) { r.Keys.Auth = "==" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validSubscription()
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestSubscriptionRequest_ToSubscriptionCopiesVerbatim(t *testing.T) {
	r := validSubscription()
	sub := r.ToSubscription()
	assert.Equal(t, r.Endpoint, sub.Endpoint)
	assert.Equal(t, r.Keys.P256dh, sub.Keys.P256dh)
	assert.Equal(t, r.Keys.Auth, sub.Keys.Auth)
	assert.Equal(t, r.ExpirationTime, sub.ExpirationTime)
}

func TestSendRequest_Validate(t *testing.T) {
	ok := SendRequest{Event: "medication_due", UserIDs: []string{"p-1"}, EntityID: "rx-1", URL: "/dashboard/medications"}
	assert.NoError(t, ok.Validate())

	bad := []SendRequest{
		{Event: "birthday", UserIDs: []string{"p-1"}, EntityID: "x"},
		{Event: "medication_due", EntityID: "x"},
		{Event: "medication_due", UserIDs: []string{""}, EntityID: "x"},
		{Event: "medication_due", UserIDs: []string{"p-1"}},
		{Event: "medication_due", UserIDs: []string{"p-1"}, EntityID: "x", URL: "https://evil.example"},
	}
	for _, r := range bad {
		assert.Error(t, r.Validate(), "%+v", r)
	}
}

func TestPreviewRequest_IsPresent(t *testing.T) {
	f := false
	assert.True(t, (&PreviewRequest{Data: "x"}).IsPresent())
	assert.False(t, (&PreviewRequest{}).IsPresent())
	assert.False(t, (&PreviewRequest{Data: "x", Present: &f}).IsPresent())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package live

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_FansOutToUserSockets(t *testing.T) {
	h := NewHub()
	a := h.Register("u1")
	b := h.Register("u1")
	other := h.Register("u2")

	n, err := h.Publish("u1", map[string]string{"title": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.JSONEq(t, `{"title":"hi"}`, string(<-a.Messages()))
	assert.JSONEq(t, `{"title":"hi"}`, string(<-b.Messages()))
	assert.Empty(t, other.Messages())
}

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	h := NewHub(WithBufferSize(1))
	c := h.Register("u1")

	n, err := h.Publish("u1", "one")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := make(chan int)
	go func() {
		n, _ := h.Publish("u1", "two")
		done <- n
	}()
	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Len(t, c.Messages(), 1)
}

func TestPublish_NoSockets(t *testing.T) {
	n, err := NewHub().Publish("nobody", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublish_UnmarshallableValue(t *testing.T) {
	_, err := NewHub().Publish("u1", func() {})
	assert.Error(t, err)
}

func TestUnregister_ClosesQueueOnce(t *testing.T) {
	h := NewHub()
	c := h.Register("u1")
	assert.Equal(t, 1, h.Connections("u1"))

	h.Unregister(c)
	h.Unregister(c)

	_, open := <-c.Messages()
	assert.False(t, open)
	assert.Zero(t, h.Connections("u1"))
}

func TestServe_DeliversOverWebsocket(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "patient-1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Connections("patient-1") == 1 },
		time.Second, 10*time.Millisecond)

	_, err = h.Publish("patient-1", map[string]string{"tag": "medication_due-rx-1"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tag":"medication_due-rx-1"}`, string(msg))

	conn.Close()
	require.Eventually(t, func() bool { return h.Connections("patient-1") == 0 },
		2*time.Second, 10*time.Millisecond, "closed sockets are unregistered")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serenecare/portal-gateway/services/gateway/datatypes"
	"github.com/serenecare/portal-gateway/services/gateway/middleware"
	"github.com/serenecare/portal-gateway/services/push/compose"
	"github.com/serenecare/portal-gateway/services/push/dispatch"
	"github.com/serenecare/portal-gateway/services/push/live"
	"github.com/serenecare/portal-gateway/services/push/receiver"
	"github.com/serenecare/portal-gateway/services/push/registry"
)

// Subscription registry operations, as counted by SubscriptionRecorder.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpExpired     = "expired"
)

// SubscriptionRecorder counts registry changes.
type SubscriptionRecorder interface {
	ObserveSubscription(op string)
}

type noopSubscriptionRecorder struct{}

func (noopSubscriptionRecorder) ObserveSubscription(string) {}

// PushDeps wires the push handlers.
type PushDeps struct {
	Store registry.Store

	// Dispatcher is nil when push is disabled (no usable VAPID identity).
	Dispatcher *dispatch.Dispatcher

	Composer *compose.Composer

	// Hub is optional; when set, sends are mirrored to open dashboards.
	Hub *live.Hub

	// ReceiverPolicy and PortalOrigin drive the preview endpoint.
	ReceiverPolicy receiver.Policy
	PortalOrigin   string

	Recorder SubscriptionRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// PushHandler serves the /api/push routes.
type PushHandler struct {
	deps  PushDeps
	click *receiver.ClickRouter
}

// NewPushHandler fills defaults for the optional deps.
func NewPushHandler(deps PushDeps) *PushHandler {
	if deps.Composer == nil {
		deps.Composer = compose.NewComposer()
	}
	if deps.ReceiverPolicy.FreshnessWindow == 0 {
		deps.ReceiverPolicy = receiver.DefaultPolicy()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopSubscriptionRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &PushHandler{
		deps:  deps,
		click: receiver.NewClickRouter(deps.PortalOrigin, nil),
	}
}

// Enabled reports whether push delivery is available.
func (h *PushHandler) Enabled() bool {
	return h.deps.Dispatcher != nil
}

// =============================================================================
// Subscribe / Unsubscribe
// =============================================================================

// Subscribe stores the posted PushSubscription under the caller's identity,
// replacing any previous one.
func (h *PushHandler) Subscribe(c *gin.Context) {
	var req datatypes.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Validate() != nil {
		c.JSON(http.StatusBadRequest, datatypes.AckResponse{Error: "invalid subscription"})
		return
	}

	userID := middleware.GetUserID(c)
	if err := h.deps.Store.Upsert(c.Request.Context(), userID, req.ToSubscription()); err != nil {
		h.deps.Logger.Error("push.subscribe.failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, datatypes.AckResponse{Error: "failed to save subscription"})
		return
	}

	h.deps.Recorder.ObserveSubscription(OpSubscribe)
	h.deps.Logger.Info("push.subscribe.stored", slog.String("user_id", userID))
	c.JSON(http.StatusOK, datatypes.AckResponse{Success: true})
}

// Unsubscribe removes the caller's subscription when it matches the posted
// endpoint. A mismatch means the browser already re-subscribed elsewhere, so
// the newer record is kept and the call still succeeds.
func (h *PushHandler) Unsubscribe(c *gin.Context) {
	var req datatypes.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Validate() != nil {
		c.JSON(http.StatusBadRequest, datatypes.AckResponse{Error: "invalid subscription"})
		return
	}

	userID := middleware.GetUserID(c)
	removed, err := h.deps.Store.RemoveIfEndpoint(c.Request.Context(), userID, req.Endpoint)
	if err != nil {
		h.unsubscribeFailed(c, userID, err)
		return
	}
	if !removed {
		h.deps.Logger.Info("push.unsubscribe.nothing_removed", slog.String("user_id", userID))
		c.JSON(http.StatusOK, datatypes.AckResponse{Success: true})
		return
	}
	h.deps.Recorder.ObserveSubscription(OpUnsubscribe)
	h.deps.Logger.Info("push.unsubscribe.removed", slog.String("user_id", userID))
	c.JSON(http.StatusOK, datatypes.AckResponse{Success: true})
}

func (h *PushHandler) unsubscribeFailed(c *gin.Context, userID string, err error) {
	h.deps.Logger.Error("push.unsubscribe.failed",
		slog.String("user_id", userID),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, datatypes.AckResponse{Error: "failed to remove subscription"})
}

// VAPIDPublicKey returns the application server key, or 503 when push is
// disabled.
func (h *PushHandler) VAPIDPublicKey(c *gin.Context) {
	if !h.Enabled() {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, datatypes.PublicKeyResponse{PublicKey: h.deps.Dispatcher.PublicKey()})
}

// =============================================================================
// Send
// =============================================================================

// Send composes one notification and delivers it to every listed user.
//
// # Description
//
// The same payload (one tag, one timestamp) goes to all users. Expired
// endpoints are removed by the dispatcher. Every user with an open dashboard
// also receives the payload over the live hub, subscribed or not.
//
// # Outputs
//
//   - 200 with per-user results, even when some deliveries failed.
//   - 400 on a malformed request.
//   - 503 when push is disabled.
func (h *PushHandler) Send(c *gin.Context) {
	if !h.Enabled() {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: dispatch.ErrPushDisabled.Error()})
		return
	}

	var req datatypes.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	kind := compose.EventKind(req.Event)
	payload, err := h.deps.Composer.Compose(kind, compose.Fields{
		EntityID:    req.EntityID,
		CoalesceKey: req.CoalesceKey,
		Title:       req.Title,
		Body:        req.Body,
		URL:         req.URL,
		Data:        req.Data,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	opts := h.deps.Composer.SendOptions(kind, payload.Tag)
	results := h.deps.Dispatcher.NotifyAll(ctx, h.deps.Store, req.UserIDs, payload, opts)

	resp := datatypes.SendResponse{Tag: payload.Tag, Results: make([]datatypes.SendResult, len(results))}
	for i, res := range results {
		out := datatypes.SendResult{
			UserID:     res.UserID,
			Outcome:    res.Outcome.Kind.String(),
			Reason:     res.Outcome.Reason,
			StatusCode: res.Outcome.StatusCode,
			Attempts:   res.Outcome.Attempts,
		}
		switch {
		case res.IsNotSubscribed():
			out.Outcome = datatypes.OutcomeNotSubscribed
			out.Reason = ""
			resp.Summary.NotSubscribed++
		case res.Outcome.Attempts == 0 && res.Err != nil:
			out.Outcome = datatypes.OutcomeError
			out.Reason = res.Err.Error()
			resp.Summary.Failed++
		case res.Outcome.Kind == dispatch.Delivered:
			resp.Summary.Delivered++
		case res.Outcome.Kind == dispatch.ExpiredEndpoint:
			resp.Summary.Expired++
			if res.Removed {
				h.deps.Recorder.ObserveSubscription(OpExpired)
			}
		default:
			resp.Summary.Failed++
		}
		out.LiveSockets = h.mirror(res.UserID, payload)
		resp.Results[i] = out
	}

	h.deps.Logger.Info("push.send.completed",
		slog.String("event", req.Event),
		slog.String("tag", payload.Tag),
		slog.Int("users", len(req.UserIDs)),
		slog.Int("delivered", resp.Summary.Delivered),
		slog.Int("expired", resp.Summary.Expired),
		slog.Int("failed", resp.Summary.Failed))
	c.JSON(http.StatusOK, resp)
}

func (h *PushHandler) mirror(userID string, payload compose.Payload) int {
	if h.deps.Hub == nil {
		return 0
	}
	n, err := h.deps.Hub.Publish(userID, payload)
	if err != nil {
		h.deps.Logger.Warn("push.send.live_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
	return n
}

// =============================================================================
// Preview
// =============================================================================

// PreviewResponse is what the receiver would do with a payload.
type PreviewResponse struct {
	Result      receiver.Result `json:"result"`
	ClickTarget string          `json:"clickTarget,omitempty"`
}

// Preview runs the receiver's decode, freshness and render rules against a
// raw payload, without showing anything. Support staff use it to debug
// "I never got the reminder" reports.
func (h *PushHandler) Preview(c *gin.Context) {
	var req datatypes.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Validate() != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid preview request"})
		return
	}

	msg := receiver.PushMessage{Data: []byte(req.Data), Present: req.IsPresent()}
	res := h.deps.ReceiverPolicy.Evaluate(msg, h.deps.Now())

	resp := PreviewResponse{Result: res}
	if res.Decision == receiver.Show {
		resp.ClickTarget = h.click.Target(res.Notification)
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Live
// =============================================================================

// LiveSocket upgrades to the dashboard notification websocket. Anonymous
// callers are refused since they would all share one identity.
func (h *PushHandler) LiveSocket(c *gin.Context) {
	if h.deps.Hub == nil {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "live notifications are disabled"})
		return
	}
	userID := middleware.GetUserID(c)
	if userID == middleware.AnonymousUser {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "sign in to receive live notifications"})
		return
	}
	h.deps.Hub.Serve(c.Writer, c.Request, userID)
}

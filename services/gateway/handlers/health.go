// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serenecare/portal-gateway/services/push/registry"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	Push          string `json:"push"`
	Subscriptions int    `json:"subscriptions"`
}

// HealthCheck reports liveness plus whether push is enabled. It answers 503
// when the subscription store cannot be read.
func HealthCheck(store registry.Store, pushEnabled bool) gin.HandlerFunc {
	push := "disabled"
	if pushEnabled {
		push = "enabled"
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		n, err := store.Count(ctx)
		if err != nil {
			slog.Warn("health.store.unavailable", "error", err)
			c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Push: push})
			return
		}
		c.JSON(http.StatusOK, HealthResponse{Status: "ok", Push: push, Subscriptions: n})
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway.
//
// # Identity
//
// The portal identifies the patient with a plain cookie set at login. The
// gateway does not authenticate it; the backend does, on proxied calls. The
// push routes only use it as the registry key, and fall back to
// AnonymousUser when it is missing:
//
//	Request
//	   │
//	   ▼
//	Identity(cookieName)
//	   │
//	   ├─► cookie present and non-empty → that value
//	   │
//	   └─► otherwise → "anonymous"
//	           │
//	           ▼
//	       Handler (retrieves via GetUserID)
//
// # Internal API
//
// The send route is called by backend jobs, not browsers. RequireInternalKey
// checks a shared bearer key and rejects everything when no key is
// configured.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/serenecare/portal-gateway/services/gateway/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	userIDKey    = "portal_user_id"
	requestIDKey = "portal_request_id"
)

// AnonymousUser is the identity used when the cookie is absent.
const AnonymousUser = "anonymous"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// =============================================================================
// Identity
// =============================================================================

// Identity resolves the user id from cookieName.
func Identity(cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := AnonymousUser
		if v, err := c.Cookie(cookieName); err == nil && strings.TrimSpace(v) != "" {
			userID = v
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// GetUserID returns the identity set by Identity, or AnonymousUser.
func GetUserID(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return AnonymousUser
}

// =============================================================================
// Internal API key
// =============================================================================

// RequireInternalKey admits requests bearing key.
//
// # Outputs
//
//   - 503 when key is empty (the internal API is disabled).
//   - 401 when the bearer token is missing or wrong.
func RequireInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
				Error: "internal API disabled",
			})
			return
		}
		token := extractBearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Error: "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// =============================================================================
// Request ID and logging
// =============================================================================

// RequestID propagates X-Request-ID, minting a UUID when absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http.request",
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", GetRequestID(c)))
	}
}

// =============================================================================
// CORS
// =============================================================================

// CORS sets permissive CORS headers and answers preflights with 200.
func CORS(allowOrigin string) gin.HandlerFunc {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)
		if allowOrigin != "*" {
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

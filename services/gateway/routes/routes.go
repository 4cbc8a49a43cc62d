// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/serenecare/portal-gateway/services/gateway/handlers"
	"github.com/serenecare/portal-gateway/services/gateway/middleware"
	"github.com/serenecare/portal-gateway/services/push/registry"
)

// Deps are the handlers and settings the route table needs.
type Deps struct {
	Store          registry.Store
	Push           *handlers.PushHandler
	Proxy          *handlers.Proxy
	Metrics        http.Handler
	IdentityCookie string
	InternalAPIKey string
	CORSOrigin     string
}

// SetupRoutes registers every gateway endpoint on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.Store, deps.Push.Enabled()))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	{
		push := api.Group("/push", middleware.Identity(deps.IdentityCookie))
		{
			push.POST("/subscribe", deps.Push.Subscribe)
			push.POST("/unsubscribe", deps.Push.Unsubscribe)
			push.GET("/vapid-public-key", deps.Push.VAPIDPublicKey)
			push.POST("/preview", deps.Push.Preview)
			push.POST("/send", middleware.RequireInternalKey(deps.InternalAPIKey), deps.Push.Send)
		}

		api.GET("/notifications/ws", middleware.Identity(deps.IdentityCookie), deps.Push.LiveSocket)

		// Browser-facing proxies; OPTIONS preflights are answered by CORS.
		cors := middleware.CORS(deps.CORSOrigin)
		api.POST("/upload", cors, deps.Proxy.Upload)
		api.OPTIONS("/upload", cors)

		video := api.Group("/video", cors)
		{
			video.POST("/sessions/:sessionId/join", deps.Proxy.JoinVideoSession)
			video.OPTIONS("/sessions/:sessionId/join")
			video.GET("/webrtc-config", deps.Proxy.WebRTCConfig)
			video.OPTIONS("/webrtc-config")
		}
	}
}

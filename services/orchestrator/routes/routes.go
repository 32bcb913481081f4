// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the handlers onto a Gin engine.
package routes

import (
	"net/http"

	"github.com/AleutianAI/AleutianTasks/pkg/extensions"
	"github.com/AleutianAI/AleutianTasks/services/chat"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
)

// ServiceName is reported by the liveness probe.
const ServiceName = "taskbridge"

// Deps are the collaborators the routes need.
type Deps struct {
	// Chat runs and records turns. Required.
	Chat *chat.Service

	// Database is pinged by /api/health. Required.
	Database handlers.Pinger

	// Mode is reported by /api/health ("direct" or "remote").
	Mode string

	// Auth validates bearer tokens. Default: NopAuthProvider.
	Auth extensions.AuthProvider

	// RateLimiter limits /api/chat*. Nil disables limiting.
	RateLimiter *middleware.RateLimiter

	// Streams receives streaming connection metrics. May be nil.
	Streams handlers.StreamMetrics

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// SetupRoutes registers every endpoint on router.
//
// Health and metrics are unauthenticated; everything under /api except
// /api/health requires a token.
func SetupRoutes(router *gin.Engine, deps Deps) {
	auth := deps.Auth
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}

	router.GET("/health", handlers.HandleHealth(ServiceName))
	router.HEAD("/health", handlers.HandleHealth(ServiceName))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	api.GET("/health", handlers.HandleReadiness(deps.Database, deps.Mode))

	secured := api.Group("", middleware.AuthMiddleware(auth))
	{
		chatGroup := secured.Group("/chat")
		if deps.RateLimiter != nil {
			chatGroup.Use(deps.RateLimiter.Middleware())
		}
		chatGroup.POST("", handlers.HandleChat(deps.Chat))
		chatGroup.POST("/stream", handlers.HandleChatStream(deps.Chat, deps.Streams, 0))
		chatGroup.GET("/ws", handlers.HandleChatWebSocket(deps.Chat, deps.Streams))

		conversations := secured.Group("/conversations")
		conversations.GET("/:id/messages", handlers.HandleConversationMessages(deps.Chat))
		conversations.DELETE("/:id", handlers.HandleDeleteConversation(deps.Chat))
	}
}

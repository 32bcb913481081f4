// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the HTTP middleware of the chat API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Token from "Authorization: Bearer <token>"
//	   │   (or ?access_token= for WebSocket upgrades)
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► AuthInfo stored in the Gin context
//	           │
//	           ▼
//	       RateLimiter (per user) ─► Handler (GetAuthInfo / UserID)
//
// With the default NopAuthProvider every request is "local-user".
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianTasks/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// authInfoKey is the Gin context key holding *extensions.AuthInfo.
const authInfoKey = "taskbridge_auth_info"

// accessTokenParam carries the token on WebSocket upgrades, where browsers
// cannot set headers.
const accessTokenParam = "access_token"

// SetAuthInfo stores the authenticated identity in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity stored by AuthMiddleware, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the authenticated user id, or "" when the request was not
// authenticated.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// AuthMiddleware authenticates requests with provider.
//
// # Description
//
// Extracts the bearer token, validates it, and stores the resulting
// AuthInfo for downstream handlers. A provider error, or an AuthInfo
// without a user id, aborts with 401.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for a route group.
//
// # Thread Safety
//
// Thread-safe if provider is.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		if authInfo == nil || authInfo.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken reads "Authorization: Bearer <token>" (scheme is
// case-insensitive), falling back to the access_token query parameter on
// WebSocket upgrades. Returns "" when neither is present.
func extractBearerToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return strings.TrimSpace(c.Query(accessTokenParam))
	}
	return ""
}

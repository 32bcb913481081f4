// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTasks/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
	token    string
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.token = token
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		upgrade bool
		query   string
		want    string
	}{
		{"bearer", "Bearer abc123", false, "", "abc123"},
		{"lowercase scheme", "bearer ABC", false, "", "ABC"},
		{"missing", "", false, "", ""},
		{"basic", "Basic abc", false, "", ""},
		{"only scheme", "Bearer", false, "", ""},
		{"query ignored without upgrade", "", false, "?access_token=q", ""},
		{"query on websocket", "", true, "?access_token=q", "q"},
		{"header wins on websocket", "Bearer h", true, "?access_token=q", "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				c.Request.Header.Set("Upgrade", "websocket")
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

func newAuthRouter(provider extensions.AuthProvider) *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(provider))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	return r
}

func TestAuthMiddleware_Success(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "alice"}}
	r := newAuthRouter(provider)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice"}`, w.Body.String())
	assert.Equal(t, "tok", provider.token)
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name     string
		provider *mockAuthProvider
		want     string
	}{
		{"unauthorized", &mockAuthProvider{err: fmt.Errorf("expired: %w", extensions.ErrUnauthorized)}, "unauthorized"},
		{"provider failure", &mockAuthProvider{err: errors.New("idp down")}, "authentication failed"},
		{"no identity", &mockAuthProvider{authInfo: &extensions.AuthInfo{}}, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newAuthRouter(tt.provider).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.want), w.Body.String())
		})
	}
}

func TestGetAuthInfo_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
	assert.Empty(t, UserID(c))

	c.Set(authInfoKey, "not auth info")
	assert.Nil(t, GetAuthInfo(c))
}

func TestRateLimiter_PerUser(t *testing.T) {
	rl := NewRateLimiter(3)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := rl.Reserve("alice")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := rl.Reserve("alice")
	assert.False(t, ok)
	assert.InDelta(t, (20 * time.Minute).Seconds(), wait.Seconds(), 1)

	ok, _ = rl.Reserve("bob")
	assert.True(t, ok)

	now = now.Add(20 * time.Minute)
	ok, _ = rl.Reserve("alice")
	assert.True(t, ok)
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		ok, _ := rl.Reserve("alice")
		require.True(t, ok)
	}
}

func TestRateLimiter_SweepsIdleUsers(t *testing.T) {
	rl := NewRateLimiter(10)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Reserve("alice")
	now = now.Add(3 * time.Hour)
	rl.Reserve("bob")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "alice")
	assert.Contains(t, rl.limiters, "bob")
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1)
	r := gin.New()
	r.Use(AuthMiddleware(&extensions.NopAuthProvider{}), rl.Middleware())
	r.POST("/chat", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
}

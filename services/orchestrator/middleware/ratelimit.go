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
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-user limiter is kept.
const idleLimiterTTL = 2 * time.Hour

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-user request budget.
//
// # Description
//
// Each user gets a token bucket refilled at perHour/hour with a burst of
// perHour, so a user may spend the whole hourly budget at once and then
// waits for refill. Limiters idle longer than two hours are dropped.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*userLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewRateLimiter creates a limiter allowing perHour requests per user per
// hour. perHour <= 0 disables limiting.
func NewRateLimiter(perHour int) *RateLimiter {
	r := &RateLimiter{
		limiters: make(map[string]*userLimiter),
		limit:    rate.Inf,
		now:      time.Now,
	}
	if perHour > 0 {
		r.limit = rate.Every(time.Hour / time.Duration(perHour))
		r.burst = perHour
	}
	return r
}

// Reserve consumes one request for userID. It returns whether the request
// is allowed and, when it is not, how long until it would be.
func (r *RateLimiter) Reserve(userID string) (bool, time.Duration) {
	if r.limit == rate.Inf {
		return true, 0
	}
	now := r.now()

	r.mu.Lock()
	r.sweep(now)
	ul, ok := r.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[userID] = ul
	}
	ul.lastSeen = now
	r.mu.Unlock()

	res := ul.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < time.Minute {
		return
	}
	r.lastSweep = now
	for id, ul := range r.limiters {
		if now.Sub(ul.lastSeen) > idleLimiterTTL {
			delete(r.limiters, id)
		}
	}
}

// Middleware rejects requests over budget with 429 and a Retry-After
// header. It must run after AuthMiddleware.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := r.Reserve(UserID(c))
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

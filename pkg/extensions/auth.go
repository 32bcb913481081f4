// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when a token is missing or not accepted.
// Implementations should wrap it with context:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID is the identity NopAuthProvider assigns to every request.
const LocalUserID = "local-user"

// AuthInfo is the identity resolved from a request token.
type AuthInfo struct {
	// UserID owns every task and conversation the request touches. Never
	// empty.
	UserID string

	// Email may be empty.
	Email string
}

// AuthProvider resolves a bearer token to a user.
//
// # Description
//
// Token verification itself is outside this service: a deployment either
// sits behind a gateway that has already verified the session, or plugs
// in a provider that talks to its identity system.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate returns the identity for token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as LocalUserID. It suits a single
// user running the service locally.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID}, nil
}

// StaticTokenAuthProvider maps fixed tokens to user ids.
//
// # Description
//
// Used when an upstream gateway has verified the session and forwards a
// per-user service token, or for development with a handful of known
// users. Token comparison is constant time.
//
// # Thread Safety
//
// Safe for concurrent use. The token table is read-only after
// construction.
type StaticTokenAuthProvider struct {
	tokens map[string]string
}

// NewStaticTokenAuthProvider creates a provider from token to user id
// pairs.
//
// # Inputs
//
//   - tokens: token -> user id. Empty tokens and user ids are rejected.
//
// # Outputs
//
//   - *StaticTokenAuthProvider: Ready provider.
//   - error: Non-nil if the table is empty or has blank entries.
func NewStaticTokenAuthProvider(tokens map[string]string) (*StaticTokenAuthProvider, error) {
	if len(tokens) == 0 {
		return nil, errors.New("at least one token is required")
	}
	table := make(map[string]string, len(tokens))
	for token, user := range tokens {
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if token == "" || user == "" {
			return nil, errors.New("tokens and user ids must not be empty")
		}
		table[token] = user
	}
	return &StaticTokenAuthProvider{tokens: table}, nil
}

// Validate implements AuthProvider.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var userID string
	for known, user := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			userID = user
		}
	}
	if userID == "" {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: userID}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)

// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the knowledge engine.
//
// # Authentication Flow
//
// The auth middleware reads the x-api-key header, resolves it to a user id
// through the configured Authenticator, and stores the user in the Gin
// context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	Auth middleware
//	   │
//	   ├─► Read "x-api-key" header
//	   │
//	   ├─► authenticator.Resolve(ctx, key)
//	   │
//	   └─► Store user id in context
//	           │
//	           ▼
//	       Handler (retrieves via UserFrom)
//
// # Local Behavior
//
// SingleUser (the default for local deployments) maps every request to one
// fixed user, so the CLI and desktop capture agent work without any key
// management. StaticKeys maps configured keys to user ids for small shared
// deployments. Hosted deployments sit behind an upstream authorizer that
// injects the header; the engine trusts the resolved identity either way.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// userKey is the Gin context key for the resolved user id.
const userKey = "recollect_user"

// HeaderAPIKey is the authentication header read by the middleware.
const HeaderAPIKey = "x-api-key"

// Authenticator resolves an API key to a user id.
type Authenticator interface {
	// Resolve returns the user id owning key, or a KindUnauthorized error.
	Resolve(ctx context.Context, key string) (string, error)
}

// SingleUser authenticates every request as one fixed user, ignoring the
// key entirely. Local mode.
type SingleUser struct {
	User string
}

var _ Authenticator = (*SingleUser)(nil)

// Resolve implements Authenticator.
func (s *SingleUser) Resolve(context.Context, string) (string, error) {
	if s.User == "" {
		return "local", nil
	}
	return s.User, nil
}

// StaticKeys authenticates against a fixed key-to-user table loaded from
// configuration. Keys are compared exactly; an unknown or empty key is
// rejected.
type StaticKeys struct {
	Users map[string]string
}

var _ Authenticator = (*StaticKeys)(nil)

// Resolve implements Authenticator.
func (s *StaticKeys) Resolve(_ context.Context, key string) (string, error) {
	const op = "middleware.StaticKeys.Resolve"
	if key == "" {
		return "", datatypes.NewError(datatypes.KindUnauthorized, op, "missing api key")
	}
	user, ok := s.Users[key]
	if !ok {
		return "", datatypes.NewError(datatypes.KindUnauthorized, op, "unknown api key")
	}
	return user, nil
}

// Auth creates a Gin middleware that authenticates requests via x-api-key.
// The key value itself is never logged or echoed back.
func Auth(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := authenticator.Resolve(c.Request.Context(), c.GetHeader(HeaderAPIKey))
		if err != nil || user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// UserFrom returns the authenticated user id, or empty string when the auth
// middleware did not run.
func UserFrom(c *gin.Context) string {
	if v, exists := c.Get(userKey); exists {
		if user, ok := v.(string); ok {
			return user
		}
	}
	return ""
}

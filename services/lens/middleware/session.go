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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

// SessionCookieName is the cookie carrying the browser session id.
const SessionCookieName = "lens_session"

// sessionIDKey is the context key for storing the session id.
const sessionIDKey = "lens_session_id"

// =============================================================================
// Context Helpers
// =============================================================================

// SetSessionID stores the session id in the Gin context.
func SetSessionID(c *gin.Context, id string) {
	c.Set(sessionIDKey, id)
}

// GetSessionID retrieves the session id from the Gin context.
//
// # Outputs
//
//   - string: The session id, or "" when SessionMiddleware did not run.
func GetSessionID(c *gin.Context) string {
	if id, exists := c.Get(sessionIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// =============================================================================
// Middleware
// =============================================================================

// SessionMiddleware assigns every browser a session id.
//
// # Description
//
// Reads the lens_session cookie. A missing or malformed value is replaced
// with a fresh UUID. The cookie is (re)issued on every response so its
// lifetime slides with activity. The id is stored in the context for
// handlers via GetSessionID.
//
// # Inputs
//
//   - ttl: Cookie MaxAge. Should match the session store TTL.
//   - secure: Sets the Secure attribute. Off for plain-HTTP localhost.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware that never aborts the request.
func SessionMiddleware(ttl time.Duration, secure bool) gin.HandlerFunc {
	maxAge := int(ttl.Seconds())

	return func(c *gin.Context) {
		id, err := c.Cookie(SessionCookieName)
		if err != nil || uuid.Validate(id) != nil {
			id = uuid.NewString()
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(SessionCookieName, id, maxAge, "/", "", secure, true)
		SetSessionID(c, id)

		c.Next()
	}
}

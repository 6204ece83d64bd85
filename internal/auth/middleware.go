// Package auth identifies callers of the escrow API.
//
// User sessions live in the marketplace gateway in front of this service; the
// gateway forwards the authenticated user as X-Actor-ID / X-Actor-Role.
// Dispute resolution additionally requires the shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderAdminSecret = "X-Admin-Secret" //nolint:gosec // header name, not a credential

	// ContextKeyActor is the gin context key holding the caller's user ID.
	ContextKeyActor = "authActorID"
	// ContextKeyRole is the gin context key holding the caller's role.
	ContextKeyRole = "authActorRole"
	// ContextKeyAdmin is set to true once RequireAdmin has passed.
	ContextKeyAdmin = "authAdmin"
)

// Actor copies the forwarded identity headers into the gin context.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(HeaderActorID); id != "" {
			c.Set(ContextKeyActor, id)
		}
		if role := c.GetHeader(HeaderActorRole); role != "" {
			c.Set(ContextKeyRole, role)
		}
		c.Next()
	}
}

// RequireActor rejects requests without a forwarded identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ActorID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing " + HeaderActorID,
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin allows the request only when X-Admin-Secret matches secret.
// An empty secret disables every admin route rather than opening them.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "admin operations are not configured",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin secret required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// ActorID returns the forwarded user ID, or "".
func ActorID(c *gin.Context) string {
	return c.GetString(ContextKeyActor)
}

// ActorRole returns the forwarded role, or "".
func ActorRole(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}

// IsAdmin reports whether RequireAdmin passed for this request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

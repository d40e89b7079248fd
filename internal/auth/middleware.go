// Package auth guards the webhook and admin routes.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const adminContextKey = "auth_admin_user"

// WebhookMiddleware accepts a request only when the :token path parameter
// equals the current bot token and, when secret is set, the secret header
// matches. The token is read per request so a reloaded token takes effect.
// Mismatches answer 404 so the route does not reveal itself.
func WebhookMiddleware(currentToken func() string, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := currentToken()
		if token == "" || !equal(c.Param("token"), token) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if secret != "" && !equal(c.GetHeader(SecretHeader), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
			return
		}
		c.Next()
	}
}

// AdminMiddleware validates HTTP basic credentials. With no password
// configured the admin routes are disabled.
func AdminMiddleware(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin access disabled"})
			return
		}
		user, pass, ok := c.Request.BasicAuth()
		if !ok || !equal(user, username) || !equal(pass, password) {
			c.Header("WWW-Authenticate", `Basic realm="voxchat admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Set(adminContextKey, user)
		c.Next()
	}
}

// AdminFromContext retrieves the authenticated admin name.
func AdminFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(adminContextKey)
	if !ok {
		return "", false
	}
	user, ok := val.(string)
	return user, ok
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(a)), []byte(strings.TrimSpace(b))) == 1
}

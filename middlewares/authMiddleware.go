package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the bearer token and scopes the request context to
// the caller's host. Requests without a token pass through unauthenticated;
// RequireAuth guards the routes that must not.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, claim.Username)
		if claim.Role == models.UserRoleAdmin {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}

		user, err := models.GetUser(ctx, claim.Username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		ctx = utils.SetHostIdInContext(ctx, user.HostId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if username, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok || username == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

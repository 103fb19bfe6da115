package middleware

import (
	"net/http" // HTTP status codes
	"strings"  // String manipulation

	"recharge_store/internal/domain" // Purchaser references
	"recharge_store/internal/utils"  // JWT utility functions

	"github.com/gin-gonic/gin" // Gin web framework
)

// Context keys set by JWTAuthMiddleware
const (
	CtxUserID    = "userID"
	CtxRole      = "role"
	CtxPurchaser = "purchaser"
)

// JWTAuthMiddleware validates JWT tokens and extracts the purchaser identity
func JWTAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization") // Get Authorization header
		// Check if the Authorization header is present and properly formatted
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			// If not, abort with unauthorized status
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Missing or invalid Authorization header"})
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ") // Extract the token string and parse it
		claims, err := utils.ParseJWT(tokenStr, secret)       // Parse the JWT token
		if err != nil {
			// If parsing fails, abort with unauthorized status
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid or expired token"})
			return
		}
		c.Set(CtxUserID, claims.UserID)         // Store userID in context
		c.Set(CtxRole, claims.Role)             // Store role in context
		c.Set(CtxPurchaser, claims.Purchaser()) // Store purchaser reference
		c.Next()                                // Proceed to the next handler
	}
}

// Purchaser returns the authenticated purchaser set by JWTAuthMiddleware
func Purchaser(c *gin.Context) (domain.Ref, bool) {
	v, ok := c.Get(CtxPurchaser)
	if !ok {
		return domain.Ref{}, false
	}
	ref, ok := v.(domain.Ref)
	return ref, ok && ref.Valid()
}

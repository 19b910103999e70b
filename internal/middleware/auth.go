package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wavelink-backend/pkg/jwt"
)

// realtimeAudience is the audience claim required on tokens presented to
// this service. Tokens are minted by the external auth service.
const realtimeAudience = "wavelink-realtime"

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// The token is read from the Authorization header, or from the "token"
// query parameter for WebSocket handshakes where browsers cannot set
// custom headers. If valid, user_id and username are set in the Gin
// context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		// Validate JWT audience claim
		if claims.Audience != realtimeAudience {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token audience"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

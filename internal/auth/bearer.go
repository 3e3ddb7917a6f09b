package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/campushub/reminder-service/internal/problem"
)

// userCtxKey is the Gin context key used to store the authenticated user ID.
const userCtxKey = "user_id"

// Claims is the token payload the identity provider issues. Only the user
// identity matters here; everything else is the provider's business.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// BearerMiddleware extracts the userId claim from an Authorization bearer
// token. Tokens reach this service through a gateway that has already
// validated them against the identity provider, so claims are read without
// re-validating the signature. Requests without an Authorization header
// pass through unauthenticated; ownership filtering is then skipped, which
// is how the workflow orchestrator drives status transitions.
func BearerMiddleware() gin.HandlerFunc {
	parser := jwt.NewParser()

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			problem.Unauthorized("Authorization header must use the Bearer scheme").Render(c)
			c.Abort()
			return
		}

		claims := &Claims{}
		if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
			problem.Unauthorized("bearer token is malformed").Render(c)
			c.Abort()
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID == "" {
			problem.Unauthorized("bearer token carries no user identity").Render(c)
			c.Abort()
			return
		}

		c.Set(userCtxKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user ID from the request context, or ""
// for unauthenticated requests.
func UserID(c *gin.Context) string {
	v, _ := c.Get(userCtxKey)
	s, _ := v.(string)
	return s
}

// SetUserID stores a user ID in the request context. Used by tests in place
// of the bearer middleware.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userCtxKey, userID)
}

package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"metapilot-automation/pkg/errutil"
)

// BearerAuth checks the Authorization header against the configured API
// token. An empty token disables the check (local development).
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		presented := strings.TrimPrefix(header, "Bearer ")
		if header == "" || presented == header || presented != token {
			_ = c.Error(errutil.Unauthorized("missing or invalid bearer token"))
			c.Abort()
			return
		}

		c.Next()
	}
}

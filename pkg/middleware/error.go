package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"metapilot-automation/pkg/errutil"
)

// Error renders the last error attached to the gin context as the structured
// JSON envelope. Internal causes are logged, never serialized.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			if be.Err != nil {
				zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(be.Err))
			}
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(last.Err))
		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.KindInternal,
			Message: "internal error",
		}.JSON())
	}
}

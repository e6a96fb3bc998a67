package middlewares

import (
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

// CorrelationMiddleware propagates (or mints) a correlation id for every
// request so log lines across the scan pipeline can be stitched together.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get(correlationHeader)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(correlationHeader, correlationId)
		c.Next()
	}
}

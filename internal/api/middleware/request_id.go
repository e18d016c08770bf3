package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/telemetry/correlation"
)

const requestIDHeader = "X-Request-Id"

// RequestID tags every request with an execution ID, honoring one supplied
// by the caller so retried requests stay correlated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = correlation.NewExecutionID()
		}
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(
			correlation.ContextWithExecutionID(c.Request.Context(), id))
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

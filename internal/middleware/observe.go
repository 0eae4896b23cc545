package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/metrics"
)

// Observe records request latency by route and logs every request and any
// handler errors attached to the context.
func Observe(m *metrics.Metrics, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

		for _, err := range c.Errors {
			log.Error("request error", zap.String("endpoint", endpoint), zap.Error(err.Err))
		}
		log.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("endpoint", endpoint),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed))
	}
}

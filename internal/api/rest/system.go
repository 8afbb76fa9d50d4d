package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const stateRunning = "RUNNING"

// Health check, 503 unless the gateway is running
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()

	code := http.StatusOK
	health := "ok"
	if status.State != stateRunning {
		code = http.StatusServiceUnavailable
		health = "unavailable"
	}

	c.JSON(code, gin.H{
		"status":    health,
		"state":     status.State,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// streamReadings sends every poll report as a server-sent event until the
// client goes away or the gateway closes the stream.
func (s *Server) streamReadings(c *gin.Context) {
	id, reports := s.lm.SubscribeReadings()
	defer s.lm.UnsubscribeReadings(id)

	s.logger.Debug("Readings subscriber connected", zap.String("subscriber", id.String()))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			s.logger.Debug("Readings subscriber gone", zap.String("subscriber", id.String()))
			return
		case report, ok := <-reports:
			if !ok {
				return
			}
			c.SSEvent("reading", report)
			c.Writer.Flush()
		}
	}
}

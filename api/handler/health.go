package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/stockwatch/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Scheduler is the part of the polling scheduler the API reads and wakes.
type Scheduler interface {
	Snapshot() models.ScheduleState
	Trigger()
}

// Health returns a handler for GET /api/v1/health.
//
// Reports "stopping" once the scheduler has begun shutting down.
func Health(sched Scheduler, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := sched.Snapshot()

		status := "healthy"
		if snap.ShutdownRequested {
			status = "stopping"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:    status,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Version:   Version,
			Scheduler: snap,
		})
	}
}

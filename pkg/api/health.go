package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is the status of one dependency.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProcessStats is a small self-report for the health endpoint.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Checks   map[string]HealthCheck `json:"checks"`
	Process  *ProcessStats          `json:"process,omitempty"`
}

// handleHealth serves GET /health. Only rosey's own dependencies are
// checked. The platform link is deliberately excluded: its state lives in
// the status row, and a chat-platform outage must not make an orchestrator
// restart the daemon.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbHealth, err := database.Health(ctx, s.deps.DB.SQL())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.deps.Conn != nil {
		if s.deps.Conn.IsConnected() {
			checks["bus"] = HealthCheck{Status: healthStatusHealthy}
		} else {
			// NATS reconnects on its own; degraded, not dead.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["bus"] = HealthCheck{Status: healthStatusDegraded, Message: "bus connection down"}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Database: dbHealth,
		Checks:   checks,
		Process:  s.processStats(),
	})
}

func (s *Server) processStats() *ProcessStats {
	stats := &ProcessStats{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	proc, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		stats.RSSBytes = memInfo.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	return stats
}

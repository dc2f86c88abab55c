package handler

import (
	"context"
	"net/http"
	"time"

	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck pings one backing dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
	log     *zap.Logger
}

func NewHealthHandler(log *zap.Logger, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second, log: log}
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
	CPUPercent float64                    `json:"cpu_percent"`
}

func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: map[string]componentStatus{}}
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.log.Warn("health check failed", zap.String("component", check.Name), zap.Error(err))
			resp.Status = "degraded"
			resp.Components[check.Name] = componentStatus{Status: "down", Error: err.Error()}
			continue
		}
		resp.Components[check.Name] = componentStatus{Status: "up"}
	}
	resp.CPUPercent = utils.GetCPUUsage()

	if resp.Status != "ok" {
		c.JSON(http.StatusServiceUnavailable, &utils.Response{Status: http.StatusServiceUnavailable, Data: resp})
		return
	}
	utils.Success(c, resp)
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthReport is the /healthz body. Components is free-form per subsystem.
type HealthReport struct {
	Status     string         `json:"status"`
	Time       time.Time      `json:"time"`
	Uptime     string         `json:"uptime,omitempty"`
	Components map[string]any `json:"components,omitempty"`
}

type HealthFunc func() HealthReport

// Healthz reports process health; a degraded report answers 503.
// GET /healthz
func (s *Server) Healthz(c *gin.Context) {
	rep := HealthReport{Status: StatusOK}
	if s.health != nil {
		rep = s.health()
	}
	if rep.Status == "" {
		rep.Status = StatusOK
	}
	if rep.Time.IsZero() {
		rep.Time = s.clock.Now()
	}
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}

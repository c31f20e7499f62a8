package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetCallEvent(c *gin.Context) {
	sid := strings.TrimSpace(c.Param("sid"))
	if sid == "" {
		AbortWithError(c, newValidationError("sid", "invalid_sid", "call sid is required"))
		return
	}

	resp, err := s.callEventSvc.GetBySID(c.Request.Context(), sid)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// GetSystemAlerts runs the health sweep on demand and returns the
// report. Same body the hourly job evaluates, without the admin page.
func (s *Server) GetSystemAlerts(c *gin.Context) {
	report, err := s.alertSvc.SystemSweep(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

// Cron triggers mirror the in-process scheduler jobs so deployments
// without the embedded scheduler can drive them externally.

func (s *Server) CronResetDirectCalls(c *gin.Context) {
	s.runCronJob(c, "monthly_reset", s.scheduler.RunMonthlyReset)
}

func (s *Server) CronCheckAlerts(c *gin.Context) {
	s.runCronJob(c, "alert_sweep", s.scheduler.RunAlertSweep)
}

func (s *Server) CronDispatchFollowUps(c *gin.Context) {
	s.runCronJob(c, "followup_dispatch", s.scheduler.RunFollowUpDispatch)
}

func (s *Server) CronDormantAccounts(c *gin.Context) {
	s.runCronJob(c, "dormant_accounts", s.scheduler.RunDormantSweep)
}

func (s *Server) runCronJob(c *gin.Context, name string, fn func(ctx context.Context) error) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := fn(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "job": name})
}

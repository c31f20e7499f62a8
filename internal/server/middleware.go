package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// CronAuthRequired guards the cron trigger endpoints with the shared
// secret external schedulers are configured with.
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	return s.bearerSecret(s.cfg.CronSecret)
}

// OpsAuthRequired guards operational endpoints (manual credit, system
// alerts) with the same shared secret.
func (s *Server) OpsAuthRequired() gin.HandlerFunc {
	return s.bearerSecret(s.cfg.CronSecret)
}

func (s *Server) bearerSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(secret) == "" {
			AbortWithError(c, ErrForbidden)
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// accountIDParam reads the account identifier from the query string or,
// for the /accounts/:id routes, the path.
func accountIDParam(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("account_id"))
	}
	if raw == "" {
		return 0, newValidationError("account_id", "invalid_account", "account id is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, newValidationError("account_id", "invalid_account", "account id is malformed")
	}
	return id, nil
}

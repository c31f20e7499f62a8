package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	calleventdomain "github.com/fieldline/snapcalls/internal/callevent/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Call statuses the telephony provider reports for calls nobody
// answered. Anything else means the call connected and costs nothing.
var missedCallStatuses = map[string]bool{
	"no-answer": true,
	"busy":      true,
	"failed":    true,
	"canceled":  true,
}

// HandleInboundCall acknowledges the telephony webhook immediately and
// runs the billing pipeline on the dispatch pool. The provider retries
// on anything but 2xx, so a full queue answers 503 rather than dropping
// the event.
func (s *Server) HandleInboundCall(c *gin.Context) {
	lineNumber := strings.TrimSpace(c.PostForm("To"))
	if allowed := s.allowWebhook(c, "line", lineNumber); !allowed {
		return
	}

	callSid := strings.TrimSpace(c.PostForm("CallSid"))
	caller := strings.TrimSpace(c.PostForm("From"))
	if callSid == "" || caller == "" || lineNumber == "" {
		AbortWithError(c, calleventdomain.ErrInvalidEvent)
		return
	}

	status := strings.ToLower(strings.TrimSpace(c.PostForm("CallStatus")))
	if status != "" && !missedCallStatuses[status] {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	req := calleventdomain.CallEventRequest{
		ProviderCallSID: callSid,
		CallerNumber:    caller,
		CallerName:      strings.TrimSpace(c.PostForm("CallerName")),
		LineNumber:      lineNumber,
		HasVoicemail:    strings.TrimSpace(c.PostForm("RecordingSid")) != "" || strings.TrimSpace(c.PostForm("RecordingUrl")) != "",
		OccurredAt:      time.Now().UTC(),
	}

	if !s.pool.TryEnqueue(func(ctx context.Context) {
		if _, err := s.callEventSvc.ProcessCall(ctx, req); err != nil && !expectedPipelineError(err) {
			s.log.Error("call pipeline failed",
				zap.Error(err),
				zap.String("call_sid", req.ProviderCallSID),
			)
		}
	}) {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// HandleInboundSMS receives caller replies for the deferred two-way
// charge. Same ack-then-process shape as the call webhook.
func (s *Server) HandleInboundSMS(c *gin.Context) {
	lineNumber := strings.TrimSpace(c.PostForm("To"))
	if allowed := s.allowWebhook(c, "line", lineNumber); !allowed {
		return
	}

	messageSid := strings.TrimSpace(c.PostForm("MessageSid"))
	caller := strings.TrimSpace(c.PostForm("From"))
	if messageSid == "" || caller == "" || lineNumber == "" {
		AbortWithError(c, calleventdomain.ErrInvalidEvent)
		return
	}

	req := calleventdomain.ReplyEventRequest{
		ProviderMessageSID: messageSid,
		CallerNumber:       caller,
		LineNumber:         lineNumber,
		Body:               c.PostForm("Body"),
	}

	if !s.pool.TryEnqueue(func(ctx context.Context) {
		if _, err := s.callEventSvc.ProcessReply(ctx, req); err != nil && !expectedPipelineError(err) {
			s.log.Error("reply pipeline failed",
				zap.Error(err),
				zap.String("message_sid", req.ProviderMessageSID),
			)
		}
	}) {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// HandlePaymentWebhook verifies and applies payment provider events
// inline; providers allow a few seconds and retry on failure.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	if allowed := s.allowWebhook(c, "provider", provider); !allowed {
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.paymentsSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) allowWebhook(c *gin.Context, kind, key string) bool {
	if !s.limiter.Enabled() {
		return true
	}

	var (
		allowed bool
		err     error
	)
	switch kind {
	case "provider":
		allowed, err = s.limiter.AllowProvider(c.Request.Context(), key)
	default:
		allowed, err = s.limiter.AllowLine(c.Request.Context(), key)
	}
	if err != nil {
		// Fail open: losing redis should not drop webhooks.
		s.log.Warn("webhook rate limit check failed", zap.Error(err))
		return true
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return false
	}
	return true
}

// expectedPipelineError filters outcomes the pipeline already recorded;
// they are dropped calls, not failures.
func expectedPipelineError(err error) bool {
	return errors.Is(err, calleventdomain.ErrDuplicateEvent) ||
		errors.Is(err, calleventdomain.ErrBelowFloor) ||
		errors.Is(err, calleventdomain.ErrUnknownLine) ||
		errors.Is(err, calleventdomain.ErrInvalidEvent)
}

package server

import (
	"errors"
	"net/http"
	"strings"

	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetSubscription(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	resp, err := s.subscriptionSvc.Get(ctx, id)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		// Rows are created lazily on first use; surface the Basic
		// default instead of a 404 for fresh accounts.
		if err = s.subscriptionSvc.Ensure(ctx, id); err == nil {
			resp, err = s.subscriptionSvc.Get(ctx, id)
		}
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpgradeSubscription(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.Upgrade(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.subscriptionSvc.Cancel(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

type setInstrumentRequest struct {
	CustomerID   string `json:"customer_id"`
	InstrumentID string `json:"instrument_id"`
}

func (s *Server) SetSubscriptionInstrument(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	customerID := strings.TrimSpace(req.CustomerID)
	instrumentID := strings.TrimSpace(req.InstrumentID)
	if customerID == "" || instrumentID == "" {
		AbortWithError(c, newValidationError("instrument_id", "invalid_instrument", "customer_id and instrument_id are required"))
		return
	}

	if err := s.subscriptionSvc.SetInstrument(c.Request.Context(), id, customerID, instrumentID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

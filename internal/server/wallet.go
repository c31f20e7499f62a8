package server

import (
	"fmt"
	"net/http"
	"strings"

	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	"github.com/fieldline/snapcalls/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetWalletBalance(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id": id.String(),
		"balance":    balance,
	}})
}

type creditWalletRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// CreditWallet posts a manual adjustment. Ops only; customer deposits
// arrive through the payment webhook.
func (s *Server) CreditWallet(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req creditWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = fmt.Sprintf("manual-%s-%d", id.String(), s.genID.Generate())
	}

	entry, err := s.ledgerSvc.Credit(c.Request.Context(), id, req.Amount, ledgerdomain.Posting{
		SourceType:  ledgerdomain.SourceTypeAdjustment,
		SourceID:    reference,
		Description: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) ListWalletEntries(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), ledgerdomain.ListEntriesRequest{
		AccountID: id,
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

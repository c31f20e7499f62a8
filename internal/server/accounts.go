package server

import (
	"net/http"
	"strings"

	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreateAccount(c *gin.Context) {
	var req accountdomain.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.accountSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.accountSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateAccountFeatures(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req accountdomain.FeatureFlags
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.accountSvc.SetFeatures(c.Request.Context(), id, req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": req})
}

type updateTemplateRequest struct {
	Body string `json:"body"`
}

func (s *Server) UpdateAccountTemplate(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.accountSvc.UpdateTemplate(c.Request.Context(), accountdomain.UpdateTemplateRequest{
		AccountID: id,
		Kind:      accountdomain.TemplateKind(strings.TrimSpace(c.Param("kind"))),
		Body:      req.Body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type addVipContactRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

func (s *Server) AddVipContact(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req addVipContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		AbortWithError(c, newValidationError("phone", "invalid_phone", "phone is required"))
		return
	}

	resp, err := s.accountSvc.AddVipContact(c.Request.Context(), id, phone, strings.TrimSpace(req.Name))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RemoveVipContact(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	phone := strings.TrimSpace(c.Param("phone"))
	if phone == "" {
		AbortWithError(c, newValidationError("phone", "invalid_phone", "phone is required"))
		return
	}

	if err := s.accountSvc.RemoveVipContact(c.Request.Context(), id, phone); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

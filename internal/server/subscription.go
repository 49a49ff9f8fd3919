package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type subscribeRequest struct {
	PlanCode string `json:"plan_code" binding:"required"`
}

func (s *Server) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.subscriptionSvc.Subscribe(c.Request.Context(), accountID(c), req.PlanCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) GetSubscription(c *gin.Context) {
	resp, err := s.subscriptionSvc.Get(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) UpgradeSubscription(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.subscriptionSvc.Upgrade(c.Request.Context(), accountID(c), req.PlanCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A lifted quota_exceeded state only unsuspends functions on the next
	// scheduler pass; reactivated tells the caller it is coming.
	c.JSON(http.StatusOK, result)
}

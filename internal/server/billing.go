package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetBillingSummary(c *gin.Context) {
	resp, err := s.billingSvc.Summary(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ReleaseHeldPeriod(c *gin.Context) {
	resp, err := s.billingSvc.ReleaseHeld(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
